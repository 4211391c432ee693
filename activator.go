package xsbus

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFactory builds a fresh handler instance for one message.
type HandlerFactory func() Handler

// HandlerRegistry is the default Activator. Handlers are registered per
// message type; every activation builds new instances from the factories.
type HandlerRegistry struct {
	mu        sync.RWMutex
	types     *TypeRegistry
	factories map[string][]HandlerFactory
}

var _ Activator = (*HandlerRegistry)(nil)

func NewHandlerRegistry(types *TypeRegistry) *HandlerRegistry {
	if types == nil {
		types = NewTypeRegistry()
	}
	return &HandlerRegistry{
		types:     types,
		factories: make(map[string][]HandlerFactory),
	}
}

// Types returns the registry used to decode the registered message types.
func (r *HandlerRegistry) Types() *TypeRegistry { return r.types }

// Register appends a handler factory for messageType.
func (r *HandlerRegistry) Register(messageType string, f HandlerFactory) {
	if f == nil {
		return
	}
	r.mu.Lock()
	r.factories[messageType] = append(r.factories[messageType], f)
	r.mu.Unlock()
}

// Activate builds the handlers registered for messageType, in registration order.
func (r *HandlerRegistry) Activate(_ context.Context, messageType string) ([]Handler, error) {
	r.mu.RLock()
	fs := r.factories[messageType]
	r.mu.RUnlock()
	if len(fs) == 0 {
		return nil, nil
	}
	out := make([]Handler, 0, len(fs))
	for _, f := range fs {
		h := f()
		if h == nil {
			return nil, fmt.Errorf("xsbus: handler factory for %s returned nil", messageType)
		}
		out = append(out, h)
	}
	return out, nil
}

// MessageTypes lists the message types with at least one handler.
func (r *HandlerRegistry) MessageTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	return out
}

// Handle registers fn for messages of type T.
func Handle[T any](r *HandlerRegistry, fn func(ctx context.Context, msg T) error) {
	name := RegisterType[T](r.types)
	h := typedHandler(fn)
	r.Register(name, func() Handler { return h })
}

// HandleNamed is Handle with a handler name for PriorityInspector ordering.
func HandleNamed[T any](r *HandlerRegistry, handlerName string, fn func(ctx context.Context, msg T) error) {
	name := RegisterType[T](r.types)
	h := Named(handlerName, typedHandler(fn))
	r.Register(name, func() Handler { return h })
}

// HandleFactory registers a factory building a new Handler per message of type T.
// Handlers implementing io.Closer are closed once the message is processed.
func HandleFactory[T any](r *HandlerRegistry, f HandlerFactory) {
	r.Register(RegisterType[T](r.types), f)
}

func typedHandler[T any](fn func(ctx context.Context, msg T) error) HandlerFunc {
	return func(ctx context.Context, msg any) error {
		switch v := msg.(type) {
		case T:
			return fn(ctx, v)
		case *T:
			if v != nil {
				return fn(ctx, *v)
			}
		}
		return fmt.Errorf("xsbus: handler for %s received %T", TypeNameOf[T](), msg)
	}
}
