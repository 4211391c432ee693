package xsbus

import (
	"errors"
	"fmt"
)

var (
	ErrBusClosed                   = errors.New("xsbus: bus is closed")
	ErrNoTransportConfigured       = errors.New("xsbus: no transport configured")
	ErrNoCurrentMessage            = errors.New("xsbus: no message is being handled in this context")
	ErrNoReturnAddress             = errors.New("xsbus: current message has no return address")
	ErrInvalidMessage              = errors.New("xsbus: message must not be nil")
	ErrUnknownMessageType          = errors.New("xsbus: unknown message type")
	ErrSagaNotFound                = errors.New("xsbus: saga not found")
	ErrNoSagaStore                 = errors.New("xsbus: no saga store in context")
	ErrObserverPoolShutdownTimeout = errors.New("xsbus: observer pool shutdown timeout")
)

// ErrUnknownTransport is returned by NewTransport for unregistered names.
type ErrUnknownTransport struct {
	name  string
	known []string
}

func (e ErrUnknownTransport) Error() string {
	return fmt.Sprintf("xsbus: unknown transport %q (registered: %v)", e.name, e.known)
}

// RoutingError means no destination endpoint could be resolved for a message type.
type RoutingError struct {
	MessageType string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("xsbus: no endpoint mapped for message type %q", e.MessageType)
}

// TransportError wraps a failure reported by the transport.
type TransportError struct {
	Op       string
	Endpoint Endpoint
	Err      error
}

func (e *TransportError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("xsbus: transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("xsbus: transport %s %q: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
