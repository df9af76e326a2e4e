package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/orderstream/internal/services/consumer/storage"
	"github.com/louisbranch/orderstream/internal/services/consumer/storage/sqlite/migrations"
)

// AttemptStore provides SQLite-backed consumer attempt persistence.
type AttemptStore struct {
	sqlDB *sql.DB
}

// OpenAttempts opens the attempt journal database and applies migrations.
func OpenAttempts(path string) (*AttemptStore, error) {
	sqlDB, err := openDB(path, migrations.AttemptsRoot)
	if err != nil {
		return nil, err
	}
	return &AttemptStore{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *AttemptStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// RecordAttempt persists one consumer processing attempt.
func (s *AttemptStore) RecordAttempt(ctx context.Context, attempt storage.AttemptRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	attempt.EntryID = strings.TrimSpace(attempt.EntryID)
	attempt.Stream = strings.TrimSpace(attempt.Stream)
	attempt.Consumer = strings.TrimSpace(attempt.Consumer)
	attempt.Outcome = strings.TrimSpace(attempt.Outcome)
	attempt.LastError = strings.TrimSpace(attempt.LastError)
	if attempt.EntryID == "" {
		return fmt.Errorf("entry id is required")
	}
	if attempt.Stream == "" {
		return fmt.Errorf("stream is required")
	}
	if attempt.Consumer == "" {
		return fmt.Errorf("consumer is required")
	}
	if attempt.Outcome == "" {
		return fmt.Errorf("outcome is required")
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO consumer_attempts (
	entry_id,
	stream,
	consumer,
	outcome,
	delivery_count,
	last_error,
	created_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
`,
		attempt.EntryID,
		attempt.Stream,
		attempt.Consumer,
		attempt.Outcome,
		attempt.DeliveryCount,
		attempt.LastError,
		toMillis(attempt.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

// ListAttempts lists newest-first attempt records.
func (s *AttemptStore) ListAttempts(ctx context.Context, limit int) ([]storage.AttemptRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	return s.queryAttempts(ctx, `
SELECT id, entry_id, stream, consumer, outcome, delivery_count, last_error, created_at
FROM consumer_attempts
ORDER BY created_at DESC, id DESC
LIMIT ?
`, limit)
}

// ListEntryAttempts lists the attempts recorded for one stream entry, oldest first.
func (s *AttemptStore) ListEntryAttempts(ctx context.Context, stream, entryID string) ([]storage.AttemptRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	return s.queryAttempts(ctx, `
SELECT id, entry_id, stream, consumer, outcome, delivery_count, last_error, created_at
FROM consumer_attempts
WHERE stream = ? AND entry_id = ?
ORDER BY id
`, stream, entryID)
}

func (s *AttemptStore) queryAttempts(ctx context.Context, query string, args ...any) ([]storage.AttemptRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var records []storage.AttemptRecord
	for rows.Next() {
		var record storage.AttemptRecord
		var createdAt int64
		if err := rows.Scan(
			&record.ID,
			&record.EntryID,
			&record.Stream,
			&record.Consumer,
			&record.Outcome,
			&record.DeliveryCount,
			&record.LastError,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		record.CreatedAt = fromMillis(createdAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return records, nil
}

var _ storage.AttemptStore = (*AttemptStore)(nil)
