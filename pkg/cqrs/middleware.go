package cqrs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/commandbus/pkg/result"
	"github.com/morezero/commandbus/pkg/retry"
)

const middlewareLogPrefix = "cqrs:middleware"

// Logging logs every dispatch with its outcome and duration.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next Invoker) Invoker {
		return func(ctx context.Context, info HandlerInfo, req any) result.Result[any] {
			start := time.Now()
			res := next(ctx, info, req)
			attrs := []any{
				slog.String("name", info.Name),
				slog.String("kind", info.Kind),
				slog.Duration("duration", time.Since(start)),
			}
			if res.IsSuccess() {
				logger.DebugContext(ctx, fmt.Sprintf("%s - dispatched", middlewareLogPrefix), attrs...)
				return res
			}
			e := res.Err()
			attrs = append(attrs, slog.String("code", e.Code), slog.String("message", e.Message))
			if e.Diagnostic != "" {
				attrs = append(attrs, slog.String("diagnostic", e.Diagnostic))
			}
			if e.Code == result.CodeUnhandledFault {
				logger.ErrorContext(ctx, fmt.Sprintf("%s - dispatch faulted", middlewareLogPrefix), attrs...)
			} else {
				logger.InfoContext(ctx, fmt.Sprintf("%s - dispatch failed", middlewareLogPrefix), attrs...)
			}
			return res
		}
	}
}

// Retry re-invokes a handler whose Result is UNHANDLED_HANDLER_FAULT, backing off between
// attempts. Declared failures and cancellations are returned immediately, and a context that
// ends while waiting to retry turns the last fault into CANCELLED.
// Only use it with idempotent handlers.
func Retry(cfg retry.Config) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, info HandlerInfo, req any) result.Result[any] {
			var res result.Result[any]
			retry.Do(ctx, cfg, func(attempt int) bool {
				if attempt > 0 {
					slog.Debug(fmt.Sprintf("%s - retrying %s", middlewareLogPrefix, info.Name),
						slog.Int("attempt", attempt))
				}
				res = next(ctx, info, req)
				return res.IsFailure() && res.Err().Code == result.CodeUnhandledFault
			})
			if err := ctx.Err(); err != nil && res.IsFailure() && res.Err().Code == result.CodeUnhandledFault {
				return result.Fail[any](result.Cancelled(err))
			}
			return res
		}
	}
}

// Timeout bounds each dispatch with a deadline. A handler that honours its context and
// returns a cancellation error is reported as CANCELLED.
func Timeout(d time.Duration) Middleware {
	return func(next Invoker) Invoker {
		return func(ctx context.Context, info HandlerInfo, req any) result.Result[any] {
			if d <= 0 {
				return next(ctx, info, req)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, info, req)
		}
	}
}
