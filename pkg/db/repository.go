package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/commandbus/pkg/cqrs"
)

const repoLogPrefix = "db:repository"

// MaxRecent caps the number of rows Recent returns.
const MaxRecent = 500

// Repository reads and writes the dispatch journal. It implements cqrs.JournalWriter.
type Repository struct {
	pool *pgxpool.Pool
}

var _ cqrs.JournalWriter = (*Repository)(nil)

// NewRepository creates a Repository on pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// InsertEntry stores one journal entry.
func (r *Repository) InsertEntry(ctx context.Context, e *cqrs.JournalEntry) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO dispatch_journal (id, name, kind, user_id, started_at, duration_us, ok, error_code)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, NULLIF($8, ''))`,
		e.ID, e.Name, e.Kind, e.UserID, e.StartedAt.UTC(), e.Duration.Microseconds(), e.Ok, e.ErrorCode)
	if err != nil {
		return fmt.Errorf("%s - InsertEntry %s failed: %w", repoLogPrefix, e.Name, err)
	}
	return nil
}

// Recent returns up to limit entries, newest first. limit is clamped to [1, MaxRecent].
func (r *Repository) Recent(ctx context.Context, limit int) ([]cqrs.JournalEntry, error) {
	limit = clampLimit(limit)
	slog.Debug(fmt.Sprintf("%s - Recent limit=%d", repoLogPrefix, limit))

	rows, err := r.pool.Query(ctx,
		`SELECT id, name, kind, COALESCE(user_id, ''), started_at, duration_us, ok, COALESCE(error_code, '')
		 FROM dispatch_journal
		 ORDER BY started_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - Recent failed: %w", repoLogPrefix, err)
	}

	entries, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		return nil, fmt.Errorf("%s - Recent scan failed: %w", repoLogPrefix, err)
	}
	return entries, nil
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanEntry(row pgx.CollectableRow) (cqrs.JournalEntry, error) {
	var (
		e          cqrs.JournalEntry
		durationUs int64
	)
	err := row.Scan(&e.ID, &e.Name, &e.Kind, &e.UserID, &e.StartedAt, &durationUs, &e.Ok, &e.ErrorCode)
	e.Duration = time.Duration(durationUs) * time.Microsecond
	return e, err
}

func clampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > MaxRecent {
		return MaxRecent
	}
	return limit
}
