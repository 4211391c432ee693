// Package redisstore keeps xsbus subscriptions and saga data in Redis.
//
// Subscriptions of a message type are a set at "<prefix>subs:<type>".
// Saga data is a string at "<prefix>saga:<type>:<correlation id>".
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xsbus"
)

// Config controls key layout and saga expiry.
type Config struct {
	// KeyPrefix is prepended to every key (default: "xsbus:").
	KeyPrefix string
	// SagaTTL expires saga data; 0 keeps it until completed.
	SagaTTL time.Duration
}

func Defaults() Config {
	return Config{KeyPrefix: "xsbus:"}
}

// Store implements xsbus.SubscriptionStore and xsbus.SagaStore.
type Store struct {
	client redis.UniversalClient
	cfg    Config
}

var (
	_ xsbus.SubscriptionStore = (*Store)(nil)
	_ xsbus.SagaStore         = (*Store)(nil)
)

// New uses client; the caller keeps ownership of it.
func New(client redis.UniversalClient, cfg Config) *Store {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = Defaults().KeyPrefix
	}
	return &Store{client: client, cfg: cfg}
}

func (s *Store) subsKey(messageType string) string {
	return s.cfg.KeyPrefix + "subs:" + messageType
}

func (s *Store) sagaKey(sagaType, correlationID string) string {
	return s.cfg.KeyPrefix + "saga:" + sagaType + ":" + correlationID
}

func (s *Store) Subscribers(ctx context.Context, messageType string) ([]xsbus.Endpoint, error) {
	members, err := s.client.SMembers(ctx, s.subsKey(messageType)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: subscribers: %w", err)
	}
	slices.Sort(members)
	out := make([]xsbus.Endpoint, len(members))
	for i, m := range members {
		out[i] = xsbus.Endpoint(m)
	}
	return out, nil
}

func (s *Store) AddSubscriber(ctx context.Context, messageType string, endpoint xsbus.Endpoint) error {
	if err := s.client.SAdd(ctx, s.subsKey(messageType), string(endpoint)).Err(); err != nil {
		return fmt.Errorf("redisstore: add subscriber: %w", err)
	}
	return nil
}

func (s *Store) RemoveSubscriber(ctx context.Context, messageType string, endpoint xsbus.Endpoint) error {
	if err := s.client.SRem(ctx, s.subsKey(messageType), string(endpoint)).Err(); err != nil {
		return fmt.Errorf("redisstore: remove subscriber: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, sagaType, correlationID string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.sagaKey(sagaType, correlationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, xsbus.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: load saga: %w", err)
	}
	return data, nil
}

func (s *Store) Save(ctx context.Context, sagaType, correlationID string, data []byte) error {
	if err := s.client.Set(ctx, s.sagaKey(sagaType, correlationID), data, s.cfg.SagaTTL).Err(); err != nil {
		return fmt.Errorf("redisstore: save saga: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sagaType, correlationID string) error {
	if err := s.client.Del(ctx, s.sagaKey(sagaType, correlationID)).Err(); err != nil {
		return fmt.Errorf("redisstore: delete saga: %w", err)
	}
	return nil
}
