// Package system provides the built-in handlers every commandbus node registers:
// system.health, system.describe, bus.publish and journal.recent.
package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/morezero/commandbus/pkg/audit"
	"github.com/morezero/commandbus/pkg/bus"
	"github.com/morezero/commandbus/pkg/cqrs"
	"github.com/morezero/commandbus/pkg/result"
)

const logPrefix = "system:handlers"

const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"

	defaultHealthTimeout = 5 * time.Second
	defaultRecentLimit   = 20
)

// Publisher is the part of the message bus that bus.publish needs.
type Publisher interface {
	PublishMessage(ctx context.Context, msg bus.Message) error
}

// JournalReader lists recent dispatch journal entries.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]cqrs.JournalEntry, error)
}

// Pinger checks a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnStatus reports transport connectivity. *nats.Conn satisfies it.
type ConnStatus interface {
	IsConnected() bool
}

// Params wires the built-ins. Nil fields disable the matching check or feature.
type Params struct {
	Audit         audit.Provider
	Bus           Publisher
	Journal       JournalReader
	Database      Pinger
	Comms         ConnStatus
	HealthTimeout time.Duration
	Logger        *slog.Logger
}

// Service implements the built-in handlers.
type Service struct {
	p        Params
	registry atomic.Pointer[cqrs.Registry]
}

// Register adds the built-in handlers to b. Call Bind with the built registry so that
// system.describe can list it.
func Register(b *cqrs.RegistryBuilder, p Params) (*Service, error) {
	if p.Audit == nil {
		p.Audit = audit.NewContextProvider(nil)
	}
	if p.HealthTimeout <= 0 {
		p.HealthTimeout = defaultHealthTimeout
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	s := &Service{p: p}

	if err := cqrs.Register[Health, HealthOutput](b, cqrs.HandlerFunc[Health, HealthOutput](s.health),
		cqrs.WithDescription("Reports database and NATS connectivity")); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	if err := cqrs.Register[Describe, DescribeOutput](b, cqrs.HandlerFunc[Describe, DescribeOutput](s.describe),
		cqrs.WithDescription("Lists the registered handlers")); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	if err := cqrs.Register[Publish, result.Unit](b, cqrs.HandlerFunc[Publish, result.Unit](s.publish),
		cqrs.WithDescription("Publishes a message on the bus as the calling user")); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	if err := cqrs.Register[RecentJournal, []cqrs.JournalEntry](b, cqrs.HandlerFunc[RecentJournal, []cqrs.JournalEntry](s.recent),
		cqrs.WithDescription("Lists the latest dispatch journal entries")); err != nil {
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	return s, nil
}

// Bind sets the registry reported by system.describe.
func (s *Service) Bind(reg *cqrs.Registry) {
	s.registry.Store(reg)
}

// Health is the system.health query.
type Health struct {
	cqrs.Query[HealthOutput]
}

func (Health) RequestName() string { return "system.health" }

// HealthOutput is the result of system.health. Checks holds one entry per configured dependency.
type HealthOutput struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

// Healthy reports whether every check passed.
func (h HealthOutput) Healthy() bool { return h.Status == statusHealthy }

func (s *Service) health(ctx context.Context, _ Health) result.Result[HealthOutput] {
	return result.Ok(s.Check(ctx))
}

// Check runs every configured health check within the health timeout.
func (s *Service) Check(ctx context.Context) HealthOutput {
	checks := make(map[string]bool, 2)

	if s.p.Database != nil {
		pingCtx, cancel := context.WithTimeout(ctx, s.p.HealthTimeout)
		err := s.p.Database.Ping(pingCtx)
		cancel()
		if err != nil {
			s.p.Logger.Warn(fmt.Sprintf("%s - database health check failed: %v", logPrefix, err))
		}
		checks["database"] = err == nil
	}
	if s.p.Comms != nil {
		checks["comms"] = s.p.Comms.IsConnected()
	}

	status := statusHealthy
	for _, ok := range checks {
		if !ok {
			status = statusUnhealthy
		}
	}
	return HealthOutput{
		Status:    status,
		Checks:    checks,
		Timestamp: s.p.Audit.Current(ctx).UTCNow().Format(time.RFC3339),
	}
}

// Describe is the system.describe query.
type Describe struct {
	cqrs.Query[DescribeOutput]
}

func (Describe) RequestName() string { return "system.describe" }

// DescribeOutput lists registered handlers sorted by name.
type DescribeOutput struct {
	Handlers []cqrs.HandlerInfo `json:"handlers"`
	Count    int                `json:"count"`
}

func (s *Service) describe(context.Context, Describe) result.Result[DescribeOutput] {
	reg := s.registry.Load()
	if reg == nil {
		return result.Ok(DescribeOutput{Handlers: []cqrs.HandlerInfo{}})
	}
	handlers := reg.Handlers()
	return result.Ok(DescribeOutput{Handlers: handlers, Count: len(handlers)})
}

// Publish is the bus.publish action.
type Publish struct {
	cqrs.Action
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

func (Publish) RequestName() string { return "bus.publish" }

// Validate requires a message type.
func (p Publish) Validate() error {
	if p.Type == "" {
		return result.Validation("type is required")
	}
	return nil
}

func (s *Service) publish(ctx context.Context, req Publish) result.Result[result.Unit] {
	if s.p.Bus == nil {
		return result.Failf[result.Unit](result.CodeNotFound, "no message bus configured")
	}
	a := s.p.Audit.Current(ctx)
	err := s.p.Bus.PublishMessage(ctx, bus.Message{
		Type:        req.Type,
		Payload:     req.Payload,
		PublishedAt: a.UTCNow(),
		Actor:       a.Actor(),
	})
	switch {
	case err == nil:
		return result.OkUnit()
	case errors.Is(err, bus.ErrEmptyType):
		return result.Fail[result.Unit](result.Validation(err.Error()))
	case errors.Is(err, bus.ErrClosed):
		return result.Fail[result.Unit](result.Cancelled(err))
	}
	return result.FromError[result.Unit](err)
}

// RecentJournal is the journal.recent query.
type RecentJournal struct {
	cqrs.Query[[]cqrs.JournalEntry]
	// Limit defaults to 20.
	Limit int `json:"limit,omitempty"`
}

func (RecentJournal) RequestName() string { return "journal.recent" }

// Validate rejects negative limits.
func (r RecentJournal) Validate() error {
	if r.Limit < 0 {
		return result.Validation("limit must not be negative")
	}
	return nil
}

func (s *Service) recent(ctx context.Context, req RecentJournal) result.Result[[]cqrs.JournalEntry] {
	if s.p.Journal == nil {
		return result.Ok([]cqrs.JournalEntry{})
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultRecentLimit
	}
	entries, err := s.p.Journal.Recent(ctx, limit)
	if err != nil {
		return result.FromError[[]cqrs.JournalEntry](err)
	}
	if entries == nil {
		entries = []cqrs.JournalEntry{}
	}
	return result.Ok(entries)
}
