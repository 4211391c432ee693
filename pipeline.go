package xsbus

import "slices"

// NamedHandler is implemented by handlers that expose a stable name for ordering.
type NamedHandler interface {
	HandlerName() string
}

type namedHandler struct {
	Handler
	name string
}

func (h namedHandler) HandlerName() string { return h.name }

// Named attaches a name to h so a PriorityInspector can place it.
func Named(name string, h Handler) Handler {
	return namedHandler{Handler: h, name: name}
}

// HandlerNameOf returns the name of h, or "" when it has none.
func HandlerNameOf(h Handler) string {
	if n, ok := h.(NamedHandler); ok {
		return n.HandlerName()
	}
	return ""
}

// IdentityInspector keeps the activator's order.
type IdentityInspector struct{}

func (IdentityInspector) Order(_ string, handlers []Handler) []Handler { return handlers }

// PriorityInspector runs the handlers named in First before all others, in
// the listed order. Unnamed and unlisted handlers keep their relative order.
type PriorityInspector struct {
	First []string
}

func (p PriorityInspector) Order(_ string, handlers []Handler) []Handler {
	if len(p.First) == 0 || len(handlers) < 2 {
		return handlers
	}
	rank := func(h Handler) int {
		if i := slices.Index(p.First, HandlerNameOf(h)); i >= 0 && HandlerNameOf(h) != "" {
			return i
		}
		return len(p.First)
	}
	out := slices.Clone(handlers)
	slices.SortStableFunc(out, func(a, b Handler) int { return rank(a) - rank(b) })
	return out
}
