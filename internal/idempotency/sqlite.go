package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/michaelasham/wa-hub-sub000/internal/log"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	key                 TEXT PRIMARY KEY,
	instance_name       TEXT NOT NULL DEFAULT '',
	queue_item_id       TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL,
	sent_at             INTEGER,
	provider_message_id TEXT NOT NULL DEFAULT '',
	error               TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_idempotency_instance ON idempotency_records(instance_name);
CREATE INDEX IF NOT EXISTS idx_idempotency_updated ON idempotency_records(updated_at);
`

// SQLiteStore keeps records in a local SQLite database. Timestamps are
// stored as Unix milliseconds. A single connection serializes writers
// at the database layer; the mutex serializes read-modify-write pairs.
type SQLiteStore struct {
	mu     sync.Mutex
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite idempotency store: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply idempotency schema: %w", err)
	}

	logger := log.WithComponent("idempotency")
	logger.Debug().Str(log.FieldPath, path).Msg("sqlite idempotency store ready")

	return &SQLiteStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (Record, bool, error) {
	return s.get(ctx, key)
}

func (s *SQLiteStore) IsSent(ctx context.Context, key string) (bool, error) {
	rec, ok, err := s.get(ctx, key)
	if err != nil {
		return false, err
	}
	return ok && rec.Status == StatusSent, nil
}

func (s *SQLiteStore) IsQueued(ctx context.Context, key string, stale time.Duration) (bool, error) {
	rec, ok, err := s.get(ctx, key)
	if err != nil {
		return false, err
	}
	return ok && rec.Status == StatusQueued && s.now().Sub(rec.CreatedAt) < stale, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(ctx, rec)
}

func (s *SQLiteStore) MarkSent(ctx context.Context, key, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(ctx, Record{Key: key, Status: StatusSent, ProviderMessageID: providerID, SentAt: s.now()})
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(ctx, Record{Key: key, Status: StatusFailed, Error: reason})
}

func (s *SQLiteStore) MarkSkipped(ctx context.Context, key, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(ctx, Record{Key: key, Status: StatusSkipped, Error: reason})
}

func (s *SQLiteStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("idempotency cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) DeleteByInstance(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE instance_name = ?`, name)
	if err != nil {
		return 0, fmt.Errorf("delete idempotency records for instance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM idempotency_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count idempotency records: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) applyLocked(ctx context.Context, rec Record) error {
	existing, ok, err := s.get(ctx, rec.Key)
	if err != nil {
		return err
	}
	now := s.now()
	if ok {
		rec = merge(existing, rec, now)
	} else {
		rec = newRecord(rec, now)
	}
	return s.put(ctx, rec)
}

func (s *SQLiteStore) get(ctx context.Context, key string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, instance_name, queue_item_id, status, created_at, updated_at, sent_at, provider_message_id, error
		FROM idempotency_records WHERE key = ?`, key)

	var rec Record
	var created, updated int64
	var sent sql.NullInt64
	var status string
	err := row.Scan(&rec.Key, &rec.InstanceName, &rec.QueueItemID, &status, &created, &updated, &sent, &rec.ProviderMessageID, &rec.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load idempotency record: %w", err)
	}
	rec.Status = Status(status)
	rec.CreatedAt = time.UnixMilli(created)
	rec.UpdatedAt = time.UnixMilli(updated)
	if sent.Valid {
		rec.SentAt = time.UnixMilli(sent.Int64)
	}
	return rec, true, nil
}

func (s *SQLiteStore) put(ctx context.Context, rec Record) error {
	var sent any
	if !rec.SentAt.IsZero() {
		sent = rec.SentAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO idempotency_records
			(key, instance_name, queue_item_id, status, created_at, updated_at, sent_at, provider_message_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.InstanceName, rec.QueueItemID, string(rec.Status),
		rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), sent,
		rec.ProviderMessageID, rec.Error)
	if err != nil {
		return fmt.Errorf("store idempotency record: %w", err)
	}
	return nil
}
