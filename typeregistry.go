package xsbus

import (
	"fmt"
	"reflect"
	"sync"
)

// TypeName returns the fully-qualified name used to identify a message type
// on the wire, routing tables and subscription sets. Pointers are
// dereferenced, so T and *T share a name.
func TypeName(v any) string {
	if v == nil {
		return ""
	}
	return typeName(reflect.TypeOf(v))
}

// TypeNameOf is TypeName for a type parameter.
func TypeNameOf[T any]() string {
	return typeName(reflect.TypeFor[T]())
}

func typeName(t reflect.Type) string {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" || t.Name() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// TypeRegistry maps wire type names back to Go types for decoding.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]reflect.Type)}
}

// Register records the dynamic type of each sample. Decoding yields the same
// shape that was registered: a value for values, a pointer for pointers.
func (r *TypeRegistry) Register(samples ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range samples {
		if s == nil {
			continue
		}
		t := reflect.TypeOf(s)
		name := typeName(t)
		if _, ok := r.types[name]; ok {
			continue
		}
		r.types[name] = t
	}
}

// RegisterType registers T and returns its wire name.
func RegisterType[T any](r *TypeRegistry) string {
	t := reflect.TypeFor[T]()
	name := typeName(t)
	r.mu.Lock()
	if _, ok := r.types[name]; !ok {
		r.types[name] = t
	}
	r.mu.Unlock()
	return name
}

// Lookup returns the registered type for name.
func (r *TypeRegistry) Lookup(name string) (reflect.Type, bool) {
	r.mu.RLock()
	t, ok := r.types[name]
	r.mu.RUnlock()
	return t, ok
}

// Decode unmarshals data into a new instance of the type registered under name.
func (r *TypeRegistry) Decode(c Codec, name string, data []byte) (any, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, name)
	}
	base, isPtr := t, false
	if t.Kind() == reflect.Pointer {
		base, isPtr = t.Elem(), true
	}
	p := reflect.New(base)
	if err := c.Unmarshal(data, p.Interface()); err != nil {
		return nil, fmt.Errorf("xsbus: decode %s: %w", name, err)
	}
	if isPtr {
		return p.Interface(), nil
	}
	return p.Elem().Interface(), nil
}
