package xsbus

import (
	"fmt"
	"maps"
)

type wireEnvelope struct {
	Headers  map[string]string `json:"headers"`
	Messages []wireMessage     `json:"messages"`
}

type wireMessage struct {
	Type string `json:"type"`
	Body []byte `json:"body"`
}

// CodecSerializer frames envelopes with a Codec. Each logical message travels
// with its type name so the receiving side can decode it through the TypeRegistry.
type CodecSerializer struct {
	codec Codec
	types *TypeRegistry
}

var _ Serializer = (*CodecSerializer)(nil)

func NewSerializer(codec Codec, types *TypeRegistry) *CodecSerializer {
	if codec == nil {
		codec = JSONCodec{}
	}
	if types == nil {
		types = NewTypeRegistry()
	}
	return &CodecSerializer{codec: codec, types: types}
}

func (s *CodecSerializer) Codec() Codec { return s.codec }
func (s *CodecSerializer) Types() *TypeRegistry { return s.types }

func (s *CodecSerializer) Serialize(env *Envelope) (*TransportMessage, error) {
	if env == nil {
		return nil, ErrInvalidMessage
	}
	w := wireEnvelope{
		Headers:  env.Headers,
		Messages: make([]wireMessage, 0, len(env.Messages)),
	}
	for _, m := range env.Messages {
		if m == nil {
			return nil, ErrInvalidMessage
		}
		body, err := s.codec.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("xsbus: encode %T: %w", m, err)
		}
		// senders can always decode what they send (loopback, SendLocal)
		s.types.Register(m)
		w.Messages = append(w.Messages, wireMessage{Type: TypeName(m), Body: body})
	}
	data, err := s.codec.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("xsbus: encode envelope: %w", err)
	}
	headers := maps.Clone(env.Headers)
	if headers == nil {
		headers = make(map[string]string)
	}
	return &TransportMessage{
		ID:      headers[HeaderMessageID],
		Headers: headers,
		Body:    data,
	}, nil
}

func (s *CodecSerializer) Deserialize(msg *TransportMessage) (*Envelope, error) {
	if msg == nil {
		return nil, ErrInvalidMessage
	}
	var w wireEnvelope
	if err := s.codec.Unmarshal(msg.Body, &w); err != nil {
		return nil, fmt.Errorf("xsbus: decode envelope: %w", err)
	}
	env := &Envelope{
		Messages: make([]any, 0, len(w.Messages)),
		Headers:  w.Headers,
	}
	if env.Headers == nil {
		env.Headers = make(map[string]string)
	}
	for _, wm := range w.Messages {
		v, err := s.types.Decode(s.codec, wm.Type, wm.Body)
		if err != nil {
			return nil, err
		}
		env.Messages = append(env.Messages, v)
	}
	return env, nil
}
