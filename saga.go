package xsbus

import (
	"context"
	"errors"
	"sync"
)

// MemorySagaStore keeps saga data in process memory.
type MemorySagaStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ SagaStore = (*MemorySagaStore)(nil)

func NewMemorySagaStore() *MemorySagaStore {
	return &MemorySagaStore{data: make(map[string][]byte)}
}

func sagaKey(sagaType, correlationID string) string { return sagaType + "/" + correlationID }

func (s *MemorySagaStore) Load(_ context.Context, sagaType, correlationID string) ([]byte, error) {
	s.mu.RLock()
	b, ok := s.data[sagaKey(sagaType, correlationID)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSagaNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *MemorySagaStore) Save(_ context.Context, sagaType, correlationID string, data []byte) error {
	s.mu.Lock()
	s.data[sagaKey(sagaType, correlationID)] = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

func (s *MemorySagaStore) Delete(_ context.Context, sagaType, correlationID string) error {
	s.mu.Lock()
	delete(s.data, sagaKey(sagaType, correlationID))
	s.mu.Unlock()
	return nil
}

func sagaDeps(ctx context.Context) (SagaStore, Codec, error) {
	store, ok := SagaStoreFromContext(ctx)
	if !ok {
		return nil, nil, ErrNoSagaStore
	}
	c, ok := CodecFromContext(ctx)
	if !ok {
		c = JSONCodec{}
	}
	return store, c, nil
}

// LoadSaga loads the saga data of type T correlated by correlationID.
// found is false when no data is stored yet.
func LoadSaga[T any](ctx context.Context, correlationID string) (data T, found bool, err error) {
	store, c, err := sagaDeps(ctx)
	if err != nil {
		return data, false, err
	}
	raw, err := store.Load(ctx, TypeNameOf[T](), correlationID)
	if errors.Is(err, ErrSagaNotFound) {
		return data, false, nil
	}
	if err != nil {
		return data, false, err
	}
	if err := c.Unmarshal(raw, &data); err != nil {
		return data, false, err
	}
	return data, true, nil
}

// SaveSaga stores data as the saga state of type T for correlationID.
func SaveSaga[T any](ctx context.Context, correlationID string, data T) error {
	store, c, err := sagaDeps(ctx)
	if err != nil {
		return err
	}
	raw, err := c.Marshal(data)
	if err != nil {
		return err
	}
	return store.Save(ctx, TypeNameOf[T](), correlationID, raw)
}

// CompleteSaga removes the saga state of type T for correlationID.
func CompleteSaga[T any](ctx context.Context, correlationID string) error {
	store, _, err := sagaDeps(ctx)
	if err != nil {
		return err
	}
	return store.Delete(ctx, TypeNameOf[T](), correlationID)
}
