package pricesync

//go:generate mockgen -package=pricesync -destination=mock_store.go -source=store.go Store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"pricefeed/internal/prices"
)

// Fixed storage keys of the persisted cache.
const (
	KeyPriceCache = "price_cache"
	KeyLastUpdate = "price_cache_last_update"
)

// Persisted is the durable part of the synchronizer state.
type Persisted struct {
	Prices     prices.PriceMap
	LastUpdate time.Time
}

// Store persists the price cache across sessions. Load returns a zero
// Persisted when nothing was saved yet.
type Store interface {
	Load(ctx context.Context) (Persisted, error)
	Save(ctx context.Context, p Persisted) error
}

func encode(p Persisted) (map[string]string, error) {
	b, err := json.Marshal(p.Prices)
	if err != nil {
		return nil, err
	}
	kv := map[string]string{KeyPriceCache: string(b)}
	if !p.LastUpdate.IsZero() {
		kv[KeyLastUpdate] = p.LastUpdate.UTC().Format(time.RFC3339Nano)
	}
	return kv, nil
}

func decode(kv map[string]string) (Persisted, error) {
	var p Persisted
	blob, ok := kv[KeyPriceCache]
	if !ok || blob == "" {
		return p, nil
	}
	var pm prices.PriceMap
	if err := json.Unmarshal([]byte(blob), &pm); err != nil {
		return Persisted{}, &prices.PersistenceError{Op: "load", Err: fmt.Errorf("%s: %w", KeyPriceCache, err)}
	}
	p.Prices, _ = pm.Validate()
	if ts := kv[KeyLastUpdate]; ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			p.LastUpdate = t
		}
	}
	return p, nil
}

// MemoryStore keeps the cache in process memory.
type MemoryStore struct {
	mu sync.Mutex
	kv map[string]string
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{kv: map[string]string{}} }

func (m *MemoryStore) Load(context.Context) (Persisted, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return decode(m.kv)
}

func (m *MemoryStore) Save(_ context.Context, p Persisted) error {
	kv, err := encode(p)
	if err != nil {
		return &prices.PersistenceError{Op: "save", Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range kv {
		m.kv[k] = v
	}
	return nil
}

// Put stores a raw value under key.
func (m *MemoryStore) Put(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = value
}

// SQLiteStore keeps the cache in a key/value table of a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "data/pricefeed.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=3000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pragma busy_timeout: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Load(ctx context.Context) (Persisted, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM kv WHERE key IN (?, ?)`, KeyPriceCache, KeyLastUpdate)
	if err != nil {
		return Persisted{}, &prices.PersistenceError{Op: "load", Err: err}
	}
	defer rows.Close()
	kv := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return Persisted{}, &prices.PersistenceError{Op: "load", Err: err}
		}
		kv[k] = v
	}
	if err := rows.Err(); err != nil {
		return Persisted{}, &prices.PersistenceError{Op: "load", Err: err}
	}
	return decode(kv)
}

func (s *SQLiteStore) Save(ctx context.Context, p Persisted) error {
	kv, err := encode(p)
	if err != nil {
		return &prices.PersistenceError{Op: "save", Err: err}
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &prices.PersistenceError{Op: "save", Err: err}
	}
	now := time.Now().Unix()
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			k, v, now); err != nil {
			_ = tx.Rollback()
			return &prices.PersistenceError{Op: "save", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &prices.PersistenceError{Op: "save", Err: err}
	}
	return nil
}

// Put stores a raw value under key.
func (s *SQLiteStore) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	return err
}
