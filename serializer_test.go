package xsbus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	OrderID string   `json:"order_id"`
	Lines   []string `json:"lines"`
}

type refundIssued struct {
	Amount float64 `json:"amount"`
}

func TestSerializerRoundTrip(t *testing.T) {
	types := NewTypeRegistry()
	types.Register(orderPlaced{}, &refundIssued{})
	s := NewSerializer(JSONCodec{}, types)

	env := &Envelope{
		Messages: []any{
			orderPlaced{OrderID: "o-1", Lines: []string{"a", "b"}},
			&refundIssued{Amount: 4.5},
		},
		Headers: map[string]string{
			HeaderMessageID:     "m-1",
			HeaderReturnAddress: "orders",
			"custom":            "v",
		},
	}
	tm, err := s.Serialize(env)
	require.NoError(t, err)
	assert.Equal(t, "m-1", tm.ID)
	assert.Equal(t, "orders", tm.Headers[HeaderReturnAddress])

	got, err := s.Deserialize(tm)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, orderPlaced{OrderID: "o-1", Lines: []string{"a", "b"}}, got.Messages[0])
	assert.Equal(t, &refundIssued{Amount: 4.5}, got.Messages[1])
	assert.Equal(t, env.Headers, got.Headers)
	assert.Equal(t, Endpoint("orders"), got.ReturnAddress())
}

func TestSerializerRegistersSentTypes(t *testing.T) {
	s := NewSerializer(nil, nil)
	tm, err := s.Serialize(&Envelope{Messages: []any{orderPlaced{OrderID: "o-2"}}})
	require.NoError(t, err)

	got, err := s.Deserialize(tm)
	require.NoError(t, err)
	assert.Equal(t, orderPlaced{OrderID: "o-2"}, got.Messages[0])
	assert.NotNil(t, got.Headers)
}

func TestSerializerErrors(t *testing.T) {
	s := NewSerializer(nil, nil)

	_, err := s.Serialize(nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = s.Serialize(&Envelope{Messages: []any{nil}})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = s.Deserialize(nil)
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = s.Deserialize(&TransportMessage{Body: []byte("{")})
	assert.Error(t, err)

	other := NewSerializer(nil, nil)
	tm, err := other.Serialize(&Envelope{Messages: []any{refundIssued{Amount: 1}}})
	require.NoError(t, err)
	_, err = s.Deserialize(tm)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestTypeNames(t *testing.T) {
	assert.Equal(t, "github.com/trickstertwo/xsbus.orderPlaced", TypeName(orderPlaced{}))
	assert.Equal(t, TypeName(orderPlaced{}), TypeName(&orderPlaced{}))
	assert.Equal(t, TypeName(orderPlaced{}), TypeNameOf[*orderPlaced]())
	assert.Equal(t, "string", TypeName("x"))
	assert.Equal(t, "", TypeName(nil))

	r := NewTypeRegistry()
	name := RegisterType[refundIssued](r)
	typ, ok := r.Lookup(name)
	require.True(t, ok)
	assert.Equal(t, "refundIssued", typ.Name())
}

func TestCodecRegistry(t *testing.T) {
	c, err := NewCodec("json")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = NewCodec("nope")
	assert.Error(t, err)
	assert.Error(t, RegisterCodec("", func() Codec { return JSONCodec{} }))
	assert.Error(t, RegisterCodec("x", nil))
}

func TestTransportRegistry(t *testing.T) {
	_, err := NewTransport("carrier-pigeon", nil)
	var ue ErrUnknownTransport
	require.ErrorAs(t, err, &ue)
	assert.Contains(t, err.Error(), "carrier-pigeon")

	require.NoError(t, RegisterTransport("test-null", func(cfg map[string]any) (Transport, error) {
		assert.NotNil(t, cfg)
		return nil, errors.New("null transport")
	}))
	assert.Contains(t, Transports(), "test-null")
	_, err = NewTransport("test-null", nil)
	assert.EqualError(t, err, "null transport")

	assert.Error(t, RegisterTransport("", nil))
	assert.Error(t, RegisterTransport("test-nil", nil))
	assert.Contains(t, Codecs(), "json")
}
