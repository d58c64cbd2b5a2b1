package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/schoolpower/powers/pkg/models"
)

var (
	// ErrNotFound means nothing has been persisted under the key yet.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt means the persisted value could not be decoded.
	ErrCorrupt = errors.New("corrupt local state")
)

// Logical keys of the persisted local state.
const (
	KeyBalance  = "powers_balance"
	KeyPending  = "powers_pending_sync"
	KeyIdentity = "powers_user_identity"
)

// Store persists the local balance cache. Every write is synchronous so a
// restart sees the last mutation.
type Store interface {
	// LoadBalance returns the cached balance, ErrNotFound or ErrCorrupt.
	LoadBalance(ctx context.Context) (models.Balance, error)
	// SaveBalance overwrites the cached balance.
	SaveBalance(ctx context.Context, b models.Balance) error
	// LoadPending returns the queue of unconfirmed debits.
	LoadPending(ctx context.Context) ([]models.PendingSyncItem, error)
	// SavePending overwrites the queue of unconfirmed debits.
	SavePending(ctx context.Context, items []models.PendingSyncItem) error
	// LoadIdentity returns the cached user identity.
	LoadIdentity(ctx context.Context) (string, error)
	// SaveIdentity caches the user identity.
	SaveIdentity(ctx context.Context, identity string) error
	// Close releases resources.
	Close() error
}

// SQLiteStore implements Store as a key/value table in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

const createStateTable = `
CREATE TABLE IF NOT EXISTS local_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// New opens the SQLite database at dbPath and runs auto-migration.
func New(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	// One writer; keeps SQLite from returning SQLITE_BUSY between goroutines.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(createStateTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate local store: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM local_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return []byte(value), nil
}

func (s *SQLiteStore) put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO local_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, string(value), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

func (s *SQLiteStore) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.put(ctx, key, data)
}

// LoadBalance returns the cached balance.
func (s *SQLiteStore) LoadBalance(ctx context.Context) (models.Balance, error) {
	var b models.Balance
	if err := s.getJSON(ctx, KeyBalance, &b); err != nil {
		return models.Balance{}, err
	}
	if b.Transactions == nil {
		b.Transactions = []models.Transaction{}
	}
	return b, nil
}

// SaveBalance overwrites the cached balance.
func (s *SQLiteStore) SaveBalance(ctx context.Context, b models.Balance) error {
	return s.putJSON(ctx, KeyBalance, b)
}

// LoadPending returns the pending sync queue. A missing queue is empty.
func (s *SQLiteStore) LoadPending(ctx context.Context) ([]models.PendingSyncItem, error) {
	var items []models.PendingSyncItem
	err := s.getJSON(ctx, KeyPending, &items)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

// SavePending overwrites the pending sync queue.
func (s *SQLiteStore) SavePending(ctx context.Context, items []models.PendingSyncItem) error {
	if items == nil {
		items = []models.PendingSyncItem{}
	}
	return s.putJSON(ctx, KeyPending, items)
}

// LoadIdentity returns the cached identity, or "" when none was saved.
func (s *SQLiteStore) LoadIdentity(ctx context.Context) (string, error) {
	data, err := s.get(ctx, KeyIdentity)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveIdentity caches the user identity.
func (s *SQLiteStore) SaveIdentity(ctx context.Context, identity string) error {
	return s.put(ctx, KeyIdentity, []byte(identity))
}

// Clear removes all cached state.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM local_state`); err != nil {
		return fmt.Errorf("clear local store: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
