// Package sqlitestore persists xsbus subscriptions and saga data in SQLite,
// using the pure-Go modernc.org/sqlite driver.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trickstertwo/xsbus"
)

const driverName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS xsbus_subscriptions (
	message_type TEXT NOT NULL,
	endpoint     TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	PRIMARY KEY (message_type, endpoint)
);
CREATE TABLE IF NOT EXISTS xsbus_sagas (
	saga_type      TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	data           BLOB NOT NULL,
	updated_at     TEXT NOT NULL,
	PRIMARY KEY (saga_type, correlation_id)
);`

// Store implements xsbus.SubscriptionStore and xsbus.SagaStore.
type Store struct {
	db    *sql.DB
	owned bool
}

var (
	_ xsbus.SubscriptionStore = (*Store)(nil)
	_ xsbus.SagaStore         = (*Store)(nil)
)

// Open opens dsn (a file path or ":memory:") and creates the tables.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}

	s := &Store{db: db, owned: true}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. Call Migrate before first use.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Migrate creates the tables if missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return nil
}

// Close closes the database if Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Subscribers(ctx context.Context, messageType string) ([]xsbus.Endpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT endpoint FROM xsbus_subscriptions WHERE message_type = ? ORDER BY endpoint`, messageType)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: subscribers: %w", err)
	}
	defer rows.Close()

	var out []xsbus.Endpoint
	for rows.Next() {
		var ep string
		if err := rows.Scan(&ep); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan subscriber: %w", err)
		}
		out = append(out, xsbus.Endpoint(ep))
	}
	return out, rows.Err()
}

func (s *Store) AddSubscriber(ctx context.Context, messageType string, endpoint xsbus.Endpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO xsbus_subscriptions (message_type, endpoint, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (message_type, endpoint) DO NOTHING`,
		messageType, string(endpoint), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlitestore: add subscriber: %w", err)
	}
	return nil
}

func (s *Store) RemoveSubscriber(ctx context.Context, messageType string, endpoint xsbus.Endpoint) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM xsbus_subscriptions WHERE message_type = ? AND endpoint = ?`,
		messageType, string(endpoint))
	if err != nil {
		return fmt.Errorf("sqlitestore: remove subscriber: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, sagaType, correlationID string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM xsbus_sagas WHERE saga_type = ? AND correlation_id = ?`,
		sagaType, correlationID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, xsbus.ErrSagaNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load saga: %w", err)
	}
	return data, nil
}

func (s *Store) Save(ctx context.Context, sagaType, correlationID string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO xsbus_sagas (saga_type, correlation_id, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (saga_type, correlation_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		sagaType, correlationID, data, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("sqlitestore: save saga: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, sagaType, correlationID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM xsbus_sagas WHERE saga_type = ? AND correlation_id = ?`, sagaType, correlationID)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete saga: %w", err)
	}
	return nil
}
