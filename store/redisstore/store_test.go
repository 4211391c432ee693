package redisstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xsbus"
)

func newTestStore(t *testing.T) (*Store, *redis.Client) {
	t.Helper()
	addr := os.Getenv("XSBUS_REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("XSBUS_REDIS_PASSWORD")})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	prefix := fmt.Sprintf("xsbus-test-%d:", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			_ = client.Del(ctx, keys...).Err()
		}
		_ = client.Close()
	})
	return New(client, Config{KeyPrefix: prefix}), client
}

func TestDefaultPrefix(t *testing.T) {
	s := New(nil, Config{})
	assert.Equal(t, "xsbus:subs:Order", s.subsKey("Order"))
	assert.Equal(t, "xsbus:saga:Checkout:c-1", s.sagaKey("Checkout", "c-1"))
}

func TestSubscriptions(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AddSubscriber(ctx, "Order", "shipping"))
	require.NoError(t, s.AddSubscriber(ctx, "Order", "billing"))
	require.NoError(t, s.AddSubscriber(ctx, "Order", "billing"))

	subs, err := s.Subscribers(ctx, "Order")
	require.NoError(t, err)
	assert.Equal(t, []xsbus.Endpoint{"billing", "shipping"}, subs)

	require.NoError(t, s.RemoveSubscriber(ctx, "Order", "shipping"))
	subs, err = s.Subscribers(ctx, "Order")
	require.NoError(t, err)
	assert.Equal(t, []xsbus.Endpoint{"billing"}, subs)

	subs, err = s.Subscribers(ctx, "Nothing")
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSagas(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Load(ctx, "Checkout", "c-1")
	assert.ErrorIs(t, err, xsbus.ErrSagaNotFound)

	require.NoError(t, s.Save(ctx, "Checkout", "c-1", []byte("v1")))
	require.NoError(t, s.Save(ctx, "Checkout", "c-1", []byte("v2")))
	data, err := s.Load(ctx, "Checkout", "c-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	require.NoError(t, s.Delete(ctx, "Checkout", "c-1"))
	_, err = s.Load(ctx, "Checkout", "c-1")
	assert.ErrorIs(t, err, xsbus.ErrSagaNotFound)
}

func TestSagaTTL(t *testing.T) {
	s, client := newTestStore(t)
	s.cfg.SagaTTL = time.Minute
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "Checkout", "c-2", []byte("x")))
	ttl, err := client.TTL(ctx, s.sagaKey("Checkout", "c-2")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
