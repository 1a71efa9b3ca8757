package cqrs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/commandbus/pkg/audit"
	"github.com/morezero/commandbus/pkg/result"
)

const journalLogPrefix = "cqrs:journal"

const journalWriteTimeout = 2 * time.Second

// JournalEntry records the outcome of one dispatch.
type JournalEntry struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Kind      string        `json:"kind"`
	UserID    string        `json:"userId,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"durationNs"`
	Ok        bool          `json:"ok"`
	ErrorCode string        `json:"errorCode,omitempty"`
}

// JournalWriter persists journal entries.
type JournalWriter interface {
	InsertEntry(ctx context.Context, entry *JournalEntry) error
}

// Journal records every dispatch through w. Write failures are logged and never alter the Result.
func Journal(w JournalWriter, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, info HandlerInfo, req any) result.Result[any] {
			entry := &JournalEntry{
				ID:   uuid.NewString(),
				Name: info.Name,
				Kind: info.Kind,
			}
			if a, ok := audit.FromContext(ctx); ok {
				entry.UserID, _ = a.UserID()
				entry.StartedAt = a.UTCNow()
			}
			start := time.Now()
			if entry.StartedAt.IsZero() {
				entry.StartedAt = start.UTC()
			}

			res := next(ctx, info, req)

			entry.Duration = time.Since(start)
			entry.Ok = res.IsSuccess()
			if !entry.Ok {
				entry.ErrorCode = res.Err().Code
			}

			writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalWriteTimeout)
			defer cancel()
			if err := w.InsertEntry(writeCtx, entry); err != nil {
				logger.Warn(fmt.Sprintf("%s - failed to record dispatch of %s", journalLogPrefix, info.Name),
					slog.String("error", err.Error()))
			}
			return res
		}
	}
}
