package xsbus

import (
	"context"
	"slices"
	"sync"
)

// SubscriptionRequest asks a publisher to add the sender's return address to
// the subscribers of MessageType.
type SubscriptionRequest struct {
	MessageType string `json:"message_type"`
}

// UnsubscriptionRequest removes the sender from the subscribers of MessageType.
type UnsubscriptionRequest struct {
	MessageType string `json:"message_type"`
}

// MemorySubscriptionStore keeps subscriptions in process memory.
type MemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[string]map[Endpoint]struct{}
}

var _ SubscriptionStore = (*MemorySubscriptionStore)(nil)

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[string]map[Endpoint]struct{})}
}

// Subscribers returns the subscriber endpoints of messageType, sorted.
func (s *MemorySubscriptionStore) Subscribers(_ context.Context, messageType string) ([]Endpoint, error) {
	s.mu.RLock()
	set := s.subs[messageType]
	out := make([]Endpoint, 0, len(set))
	for ep := range set {
		out = append(out, ep)
	}
	s.mu.RUnlock()
	slices.Sort(out)
	return out, nil
}

func (s *MemorySubscriptionStore) AddSubscriber(_ context.Context, messageType string, endpoint Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[messageType]
	if !ok {
		set = make(map[Endpoint]struct{})
		s.subs[messageType] = set
	}
	set[endpoint] = struct{}{}
	return nil
}

func (s *MemorySubscriptionStore) RemoveSubscriber(_ context.Context, messageType string, endpoint Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[messageType]
	if !ok {
		return nil
	}
	delete(set, endpoint)
	if len(set) == 0 {
		delete(s.subs, messageType)
	}
	return nil
}

// subscriptionHandler applies subscription control messages to store.
type subscriptionHandler struct {
	store SubscriptionStore
}

func (h subscriptionHandler) HandlerName() string { return "xsbus.subscriptions" }

func (h subscriptionHandler) Handle(ctx context.Context, msg any) error {
	mc, ok := MessageContextFrom(ctx)
	if !ok {
		return ErrNoCurrentMessage
	}
	subscriber := mc.ReturnAddress()
	if subscriber == "" {
		return ErrNoReturnAddress
	}
	switch m := msg.(type) {
	case SubscriptionRequest:
		return h.store.AddSubscriber(ctx, m.MessageType, subscriber)
	case *SubscriptionRequest:
		return h.store.AddSubscriber(ctx, m.MessageType, subscriber)
	case UnsubscriptionRequest:
		return h.store.RemoveSubscriber(ctx, m.MessageType, subscriber)
	case *UnsubscriptionRequest:
		return h.store.RemoveSubscriber(ctx, m.MessageType, subscriber)
	}
	return nil
}
