package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xsbus"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSubscriptions(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	require.NoError(t, s.AddSubscriber(ctx, "Order", "shipping"))
	require.NoError(t, s.AddSubscriber(ctx, "Order", "billing"))
	require.NoError(t, s.AddSubscriber(ctx, "Order", "billing"))
	require.NoError(t, s.AddSubscriber(ctx, "Invoice", "audit"))

	subs, err := s.Subscribers(ctx, "Order")
	require.NoError(t, err)
	assert.Equal(t, []xsbus.Endpoint{"billing", "shipping"}, subs)

	require.NoError(t, s.RemoveSubscriber(ctx, "Order", "billing"))
	require.NoError(t, s.RemoveSubscriber(ctx, "Order", "unknown"))
	subs, err = s.Subscribers(ctx, "Order")
	require.NoError(t, err)
	assert.Equal(t, []xsbus.Endpoint{"shipping"}, subs)

	subs, err = s.Subscribers(ctx, "Nothing")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSagas(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()

	_, err := s.Load(ctx, "Checkout", "c-1")
	assert.ErrorIs(t, err, xsbus.ErrSagaNotFound)

	require.NoError(t, s.Save(ctx, "Checkout", "c-1", []byte(`{"step":1}`)))
	require.NoError(t, s.Save(ctx, "Checkout", "c-1", []byte(`{"step":2}`)))
	data, err := s.Load(ctx, "Checkout", "c-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":2}`, string(data))

	require.NoError(t, s.Delete(ctx, "Checkout", "c-1"))
	_, err = s.Load(ctx, "Checkout", "c-1")
	assert.ErrorIs(t, err, xsbus.ErrSagaNotFound)
}

func TestFileSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bus.db")
	ctx := context.Background()

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.AddSubscriber(ctx, "Order", "billing"))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	subs, err := s.Subscribers(ctx, "Order")
	require.NoError(t, err)
	assert.Equal(t, []xsbus.Endpoint{"billing"}, subs)
}

type checkout struct {
	Step int `json:"step"`
}

func TestSagaHelpersUseStore(t *testing.T) {
	s := openMemory(t)
	ctx := xsbus.InjectAll(context.Background(), xsbus.JSONCodec{}, nil, nil, s)

	require.NoError(t, xsbus.SaveSaga(ctx, "c-9", checkout{Step: 3}))
	got, found, err := xsbus.LoadSaga[checkout](ctx, "c-9")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, got.Step)

	require.NoError(t, xsbus.CompleteSaga[checkout](ctx, "c-9"))
	_, found, err = xsbus.LoadSaga[checkout](ctx, "c-9")
	require.NoError(t, err)
	assert.False(t, found)
}
