package xsbus

import "maps"

// Endpoint names a destination queue/address. Transports decide what it maps to.
type Endpoint string

// Well-known headers written by the bus.
const (
	HeaderMessageID     = "xsbus-message-id"
	HeaderReturnAddress = "xsbus-return-address"
	HeaderCorrelationID = "xsbus-correlation-id"
	HeaderSentAt        = "xsbus-sent-at"

	// Set on messages forwarded to the error endpoint.
	HeaderErrorDetail   = "xsbus-error-detail"
	HeaderFailureCount  = "xsbus-failure-count"
	HeaderOriginalQueue = "xsbus-original-queue"
)

// Envelope bundles logical messages with headers for one transport send.
type Envelope struct {
	Messages []any
	Headers  map[string]string
}

// Header returns the header value for key, or "".
func (e *Envelope) Header(key string) string {
	if e == nil || e.Headers == nil {
		return ""
	}
	return e.Headers[key]
}

// ReturnAddress is the input endpoint of the bus that sent the envelope.
func (e *Envelope) ReturnAddress() Endpoint {
	return Endpoint(e.Header(HeaderReturnAddress))
}

// TransportMessage is the serialized form of an Envelope. Transports carry it
// as-is; Headers mirror the envelope headers so backends with native header
// support can expose them without decoding Body.
type TransportMessage struct {
	ID      string
	Headers map[string]string
	Body    []byte
}

// Clone returns a deep copy, safe to mutate.
func (m *TransportMessage) Clone() *TransportMessage {
	if m == nil {
		return nil
	}
	c := &TransportMessage{
		ID:      m.ID,
		Headers: maps.Clone(m.Headers),
		Body:    append([]byte(nil), m.Body...),
	}
	if c.Headers == nil {
		c.Headers = make(map[string]string)
	}
	return c
}
