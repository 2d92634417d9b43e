package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chorus-chat/chorus/internal/protocol"
)

const memorySchema = `
CREATE TABLE IF NOT EXISTS memory_items (
	scope_key  TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	ts         TIMESTAMPTZ NOT NULL,
	scope      TEXT        NOT NULL,
	category   TEXT        NOT NULL,
	subject    TEXT        NOT NULL,
	value      TEXT        NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	ttl_days   INTEGER,
	item       JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (scope_key, id)
);
CREATE INDEX IF NOT EXISTS memory_items_scope_key_idx ON memory_items (scope_key, ts DESC);
`

// PostgresStore persists memory items in Postgres. Candidate rows are
// fetched by scope key and ranked in process with the same scorer the local
// store uses, so both backends order results identically.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("memory: parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("memory: connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, memorySchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory: ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Search implements Store: rows for the scope key are loaded and scored in
// process, then ordered by score desc, ts desc, id asc.
func (s *PostgresStore) Search(ctx context.Context, scopeKey, query string, limit int) (*QueryResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT item FROM memory_items WHERE scope_key = $1 ORDER BY ts DESC, id ASC LIMIT 500`,
		scopeKey)
	if err != nil {
		return nil, fmt.Errorf("memory: postgres search: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Item, error) {
		var raw []byte
		if err := row.Scan(&raw); err != nil {
			return nil, err
		}
		var item Item
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, err
		}
		return &item, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory: postgres search: %w", err)
	}

	staging := NewLocalStore()
	for _, item := range items {
		staging.insertLocked(scopeKey, item)
	}
	return staging.Search(ctx, scopeKey, query, limit)
}

// Upsert implements Store with an ON CONFLICT replace keyed by (scope_key, id).
func (s *PostgresStore) Upsert(ctx context.Context, scopeKey string, item *Item) error {
	if item.ScopeKey != scopeKey {
		return nil
	}
	ts, err := protocol.ParseTS(item.TS)
	if err != nil {
		ts = time.Now().UTC()
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("memory: encode item: %w", err)
	}
	var ttl *int
	if item.TTLDays != nil {
		ttl = item.TTLDays
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO memory_items (scope_key, id, ts, scope, category, subject, value, confidence, ttl_days, item, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
ON CONFLICT (scope_key, id) DO UPDATE SET
	ts = EXCLUDED.ts,
	scope = EXCLUDED.scope,
	category = EXCLUDED.category,
	subject = EXCLUDED.subject,
	value = EXCLUDED.value,
	confidence = EXCLUDED.confidence,
	ttl_days = EXCLUDED.ttl_days,
	item = EXCLUDED.item,
	updated_at = now()`,
		scopeKey, item.ID, ts, item.Scope, item.Category, item.Subject,
		item.Value, item.Confidence, ttl, raw)
	if err != nil {
		return fmt.Errorf("memory: postgres upsert: %w", err)
	}
	return nil
}

// Dump implements Store. The stats surface only needs a bounded snapshot, so
// a short timeout guards the query.
func (s *PostgresStore) Dump() map[string][]*Item {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT scope_key, item FROM memory_items ORDER BY ts DESC LIMIT 1000`)
	if err != nil {
		return map[string][]*Item{}
	}
	out := map[string][]*Item{}
	type row struct {
		scopeKey string
		raw      []byte
	}
	collected, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (row, error) {
		var entry row
		err := r.Scan(&entry.scopeKey, &entry.raw)
		return entry, err
	})
	if err != nil {
		return out
	}
	for _, entry := range collected {
		var item Item
		if err := json.Unmarshal(entry.raw, &item); err != nil {
			continue
		}
		bucket := personaBucket(entry.scopeKey)
		out[bucket] = append(out[bucket], &item)
	}
	return out
}

// Describe implements Store.
func (s *PostgresStore) Describe() string { return "postgres" }
