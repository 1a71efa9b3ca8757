package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/commandbus/pkg/audit"
	"github.com/morezero/commandbus/pkg/commsutil"
	"github.com/morezero/commandbus/pkg/cqrs"
	"github.com/morezero/commandbus/pkg/result"
	"github.com/morezero/commandbus/pkg/semver"
)

const logPrefix = "gateway:dispatch"

// DefaultRequestTimeout bounds a request when the caller sends no shorter limit.
const DefaultRequestTimeout = 30 * time.Second

// DefaultMaxConcurrent is how many requests Serve handles at once.
const DefaultMaxConcurrent = 64

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock sets the clock used to stamp audit contexts.
func WithClock(c audit.Clock) Option {
	return func(g *Gateway) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithLogger sets the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRequestTimeout sets the upper bound for a single request. Callers may ask for less.
func WithRequestTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithMaxConcurrent bounds how many requests Serve handles at once. When every slot is busy the
// NATS callback waits, leaving further requests in the subscription's pending buffer.
func WithMaxConcurrent(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.maxConcurrent = n
		}
	}
}

// WithQueueGroup makes Serve join a NATS queue group so replicas share the subject.
func WithQueueGroup(queue string) Option {
	return func(g *Gateway) { g.queue = queue }
}

// Gateway translates wire requests into dispatches.
type Gateway struct {
	dispatcher *cqrs.Dispatcher
	clock      audit.Clock
	logger     *slog.Logger
	timeout    time.Duration
	queue      string

	maxConcurrent int
	slots         chan struct{}
	inflight      sync.WaitGroup
}

// New creates a Gateway in front of d.
func New(d *cqrs.Dispatcher, opts ...Option) *Gateway {
	g := &Gateway{
		dispatcher: d,
		clock:      audit.SystemClock,
		logger:     slog.Default(),
		timeout:    DefaultRequestTimeout,

		maxConcurrent: DefaultMaxConcurrent,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.slots = make(chan struct{}, g.maxConcurrent)
	return g
}

// Handle resolves, decodes and dispatches req and maps the Result to a Response.
// Fault diagnostics never leave the process.
func (g *Gateway) Handle(ctx context.Context, req *Request) *Response {
	if req == nil {
		return failure("", result.Validation("empty request"))
	}
	g.logger.Debug(fmt.Sprintf("%s - name=%s id=%s", logPrefix, req.Name, req.ID))

	ref, err := semver.ParseRequestRef(req.Name)
	if err != nil {
		return failure(req.ID, result.Validation(fmt.Sprintf("invalid request name %q", req.Name)))
	}

	binding, err := g.dispatcher.Registry().Resolve(ref.Name)
	if err != nil {
		return failure(req.ID, result.HandlerNotFound(ref.Name))
	}

	ok, err := binding.Accepts(ref.Range)
	if err != nil {
		return failure(req.ID, result.Validation(fmt.Sprintf("invalid version range %q", ref.Range)))
	}
	if !ok {
		e := result.HandlerNotFound(ref.String())
		e.Message = fmt.Sprintf("%s is at version %s, which does not satisfy %s", ref.Name, binding.Info.Version, ref.Range)
		return failure(req.ID, e)
	}

	if req.Type != "" {
		kind, known := cqrs.ParseKind(req.Type)
		if !known {
			return failure(req.ID, result.Validation(fmt.Sprintf("unknown request type %q", req.Type)))
		}
		if kind != binding.Kind() {
			return failure(req.ID, result.Validation(
				fmt.Sprintf("%s is a %s, not a %s", ref.Name, binding.Kind(), kind)))
		}
	}

	payload, err := binding.Decode(params(req.Params))
	if err != nil {
		g.logger.Debug(fmt.Sprintf("%s - %v", logPrefix, err))
		return failure(req.ID, result.Validation(fmt.Sprintf("invalid params for %s", ref.Name)))
	}

	res := g.dispatcher.SendAny(audit.WithContext(ctx, g.auditContext(req.Ctx)), payload)
	v, e := res.Get()
	if e != nil {
		return failure(req.ID, *e)
	}
	return &Response{ID: req.ID, Ok: true, Result: v}
}

// Serve answers requests on subject until the subscription is drained or ctx is done.
// Requests are handled concurrently, up to the WithMaxConcurrent limit.
// The returned subscription belongs to the caller; call Wait after unsubscribing.
func (g *Gateway) Serve(ctx context.Context, nc *comms.Conn, subject string) (*comms.Subscription, error) {
	handler := func(msg *comms.Msg) {
		var req Request
		if err := commsutil.DecodePayload(msg.Data, &req); err != nil {
			g.logger.Warn(fmt.Sprintf("%s - failed to decode request: %v", logPrefix, err))
			g.respond(msg, failure("", result.Validation("failed to decode request")))
			return
		}

		select {
		case g.slots <- struct{}{}:
		case <-ctx.Done():
			g.respond(msg, failure(req.ID, result.Cancelled(ctx.Err())))
			return
		}
		g.inflight.Add(1)
		go func() {
			defer func() {
				<-g.slots
				g.inflight.Done()
			}()
			reqCtx, cancel := context.WithTimeout(ctx, g.requestTimeout(req.Ctx))
			defer cancel()
			g.respond(msg, g.Handle(reqCtx, &req))
		}()
	}

	var (
		sub *comms.Subscription
		err error
	)
	if g.queue != "" {
		sub, err = nc.QueueSubscribe(subject, g.queue, handler)
	} else {
		sub, err = nc.Subscribe(subject, handler)
	}
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, subject, err)
	}
	g.logger.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, subject))
	return sub, nil
}

// Wait blocks until requests started by Serve have been answered or ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s - wait for in-flight requests: %w", logPrefix, ctx.Err())
	}
}

func (g *Gateway) respond(msg *comms.Msg, resp *Response) {
	if msg.Reply == "" {
		return
	}
	if err := commsutil.Respond(msg, resp); err != nil {
		g.logger.Error(fmt.Sprintf("%s - %v", logPrefix, err))
	}
}

// requestTimeout picks the caller's deadlineMs, then timeoutMs, when shorter than the gateway limit.
func (g *Gateway) requestTimeout(cc *CallerContext) time.Duration {
	if cc == nil {
		return g.timeout
	}
	ms := cc.DeadlineMs
	if ms <= 0 {
		ms = cc.TimeoutMs
	}
	if ms > 0 {
		if d := time.Duration(ms) * time.Millisecond; d < g.timeout {
			return d
		}
	}
	return g.timeout
}

func (g *Gateway) auditContext(cc *CallerContext) audit.Context {
	if cc == nil || cc.UserID == "" {
		return audit.Anonymous(g.clock)
	}
	return audit.New(cc.UserID, cc.UserName, g.clock)
}

// params treats a missing or JSON null body as no params.
func params(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return trimmed
}

func failure(id string, e result.Error) *Response {
	return &Response{
		ID: id,
		Ok: false,
		Error: &ErrorDetail{
			Code:      e.Code,
			Message:   e.Message,
			Retryable: retryable(e.Code),
		},
	}
}

func retryable(code string) bool {
	return code == result.CodeUnhandledFault || code == result.CodeCancelled
}
