package xsbus

import (
	"fmt"
	"slices"
	"sync"
)

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

// CodecFactory constructs codecs by name.
type CodecFactory func() Codec

// namedFactories is a concurrency-safe name -> factory table.
type namedFactories[F any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]F
}

func newNamedFactories[F any](kind string) *namedFactories[F] {
	return &namedFactories[F]{kind: kind, m: make(map[string]F)}
}

// register adds or replaces the factory for name.
func (r *namedFactories[F]) register(name string, f F, isNil bool) error {
	if name == "" {
		return fmt.Errorf("xsbus: %s name must not be empty", r.kind)
	}
	if isNil {
		return fmt.Errorf("xsbus: %s factory %q must not be nil", r.kind, name)
	}
	r.mu.Lock()
	r.m[name] = f
	r.mu.Unlock()
	return nil
}

func (r *namedFactories[F]) lookup(name string) (F, bool) {
	r.mu.RLock()
	f, ok := r.m[name]
	r.mu.RUnlock()
	return f, ok
}

func (r *namedFactories[F]) names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.m))
	for n := range r.m {
		out = append(out, n)
	}
	r.mu.RUnlock()
	slices.Sort(out)
	return out
}

var (
	transports = newNamedFactories[TransportFactory]("transport")
	codecs     = func() *namedFactories[CodecFactory] {
		r := newNamedFactories[CodecFactory]("codec")
		r.m["json"] = func() Codec { return JSONCodec{} }
		return r
	}()
)

// RegisterTransport registers a backend adapter. Adapters call it from init.
func RegisterTransport(name string, factory TransportFactory) error {
	return transports.register(name, factory, factory == nil)
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	f, ok := transports.lookup(name)
	if !ok {
		return nil, ErrUnknownTransport{name: name, known: transports.names()}
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	return f(cfg)
}

// Transports lists the registered transport names, sorted.
func Transports() []string { return transports.names() }

// RegisterCodec registers a codec factory by name.
func RegisterCodec(name string, factory CodecFactory) error {
	return codecs.register(name, factory, factory == nil)
}

// NewCodec constructs a codec by name or returns an error.
func NewCodec(name string) (Codec, error) {
	f, ok := codecs.lookup(name)
	if !ok {
		return nil, fmt.Errorf("xsbus: codec %q not registered (known: %v)", name, codecs.names())
	}
	return f(), nil
}

// Codecs lists the registered codec names, sorted.
func Codecs() []string { return codecs.names() }
