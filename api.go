package xsbus

import (
	"context"
)

// Handler processes one logical message. Return an error to fail the delivery.
type Handler interface {
	Handle(ctx context.Context, msg any) error
}

// HandlerFunc is an Adapter that lets a plain function satisfy Handler.
type HandlerFunc func(ctx context.Context, msg any) error

func (f HandlerFunc) Handle(ctx context.Context, msg any) error { return f(ctx, msg) }

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Delivery is a received transport message with Ack/Nack semantics.
type Delivery interface {
	// ID is stable across redeliveries of the same message; it keys failure tracking.
	ID() string
	Message() *TransportMessage
	Ack(ctx context.Context) error
	// Nack leaves the message for redelivery.
	Nack(ctx context.Context, reason error) error
}

// Transport is the Strategy interface for message brokers/backends.
type Transport interface {
	// Send delivers msg to endpoint.
	Send(ctx context.Context, endpoint Endpoint, msg *TransportMessage) error
	// Receive returns the next message from the input queue, or a nil
	// Delivery when none arrived within the transport's poll window.
	Receive(ctx context.Context) (Delivery, error)
	// InputQueue is the endpoint this transport receives from.
	InputQueue() Endpoint
	// Forwardable rebuilds a sendable message from a received one.
	Forwardable(d Delivery) *TransportMessage
	Close(ctx context.Context) error
}

// Codec is the Strategy for encoding/decoding values on the wire.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// Serializer turns envelopes into transport messages and back.
type Serializer interface {
	Serialize(env *Envelope) (*TransportMessage, error)
	Deserialize(msg *TransportMessage) (*Envelope, error)
}

// Router resolves the destination endpoint for a message type.
type Router interface {
	EndpointFor(messageType string) (Endpoint, error)
}

// SubscriptionStore holds message type -> subscriber endpoints.
type SubscriptionStore interface {
	Subscribers(ctx context.Context, messageType string) ([]Endpoint, error)
	AddSubscriber(ctx context.Context, messageType string, endpoint Endpoint) error
	RemoveSubscriber(ctx context.Context, messageType string, endpoint Endpoint) error
}

// SagaStore persists saga data keyed by saga type and correlation id.
type SagaStore interface {
	// Load returns ErrSagaNotFound when nothing is stored.
	Load(ctx context.Context, sagaType, correlationID string) ([]byte, error)
	Save(ctx context.Context, sagaType, correlationID string, data []byte) error
	Delete(ctx context.Context, sagaType, correlationID string) error
}

// Activator resolves handler instances for a message type. Instances live
// for the processing of one message.
type Activator interface {
	Activate(ctx context.Context, messageType string) ([]Handler, error)
}

// PipelineInspector orders the handlers resolved for a message type.
type PipelineInspector interface {
	Order(messageType string, handlers []Handler) []Handler
}

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the bus surface.
type API interface {
	Send(ctx context.Context, msg any) error
	SendTo(ctx context.Context, endpoint Endpoint, msg any) error
	SendLocal(ctx context.Context, msg any) error
	Publish(ctx context.Context, msg any) error
	Reply(ctx context.Context, msg any) error
	Start(ctx context.Context, workers int) (*Bus, error)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var (
	_ API           = (*Bus)(nil)
	_ HealthChecker = (*Bus)(nil)
)
