package xsbus

import (
	"sync"
)

// StaticRouter maps message types to endpoints. Without a default endpoint
// it refuses to guess and returns a RoutingError for unmapped types.
type StaticRouter struct {
	mu       sync.RWMutex
	routes   map[string]Endpoint
	fallback Endpoint
}

var _ Router = (*StaticRouter)(nil)

func NewStaticRouter() *StaticRouter {
	return &StaticRouter{routes: make(map[string]Endpoint)}
}

// Map routes messageType to endpoint.
func (r *StaticRouter) Map(messageType string, endpoint Endpoint) *StaticRouter {
	r.mu.Lock()
	r.routes[messageType] = endpoint
	r.mu.Unlock()
	return r
}

// WithDefault routes every unmapped type to endpoint.
func (r *StaticRouter) WithDefault(endpoint Endpoint) *StaticRouter {
	r.mu.Lock()
	r.fallback = endpoint
	r.mu.Unlock()
	return r
}

func (r *StaticRouter) EndpointFor(messageType string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ep, ok := r.routes[messageType]; ok && ep != "" {
		return ep, nil
	}
	if r.fallback != "" {
		return r.fallback, nil
	}
	return "", &RoutingError{MessageType: messageType}
}

// Route maps T to endpoint on r.
func Route[T any](r *StaticRouter, endpoint Endpoint) *StaticRouter {
	return r.Map(TypeNameOf[T](), endpoint)
}
