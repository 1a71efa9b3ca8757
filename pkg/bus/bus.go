// Package bus delivers named messages to subscribers asynchronously.
//
// Each subscription owns one worker goroutine and one FIFO queue, so a subscriber sees messages
// of a type in the order they were published. A failing subscriber never affects the publisher or
// the other subscribers. A subscriber whose queue stays full for longer than the overflow wait
// loses that message, which is reported as a DeliveryFault wrapping ErrQueueFull.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/commandbus/pkg/retry"
)

const logPrefix = "bus:local"

const (
	defaultQueueSize    = 256
	defaultOverflowWait = 250 * time.Millisecond
	// MatchAll subscribes to every message type.
	MatchAll = "*"
)

var (
	// ErrClosed is returned by Publish and Subscribe after Close.
	ErrClosed = errors.New("bus: closed")
	// ErrEmptyType is returned by Publish when the message type is empty.
	ErrEmptyType = errors.New("bus: message type is empty")
	// ErrCancelled is returned by Publish when its context ends before the message is handed off.
	ErrCancelled = errors.New("bus: publish cancelled")
	// ErrQueueFull is the DeliveryFault error for a message dropped because a subscriber's queue stayed full.
	ErrQueueFull = errors.New("bus: subscriber queue full")
)

// Message is one published notification. Payload is opaque to the bus.
type Message struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Payload     string    `json:"payload"`
	PublishedAt time.Time `json:"publishedAt"`
	// Actor is the user that caused the publish, if known.
	Actor string `json:"actor,omitempty"`
	// Origin names the transport a message was received from; empty for local publishes.
	Origin string `json:"origin,omitempty"`
}

// Subscriber receives messages. A returned error counts as a delivery fault.
type Subscriber interface {
	Deliver(ctx context.Context, msg Message) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, msg Message) error

// Deliver calls f.
func (f SubscriberFunc) Deliver(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// DeliveryFault describes a message a subscriber failed to process after all retries.
type DeliveryFault struct {
	Subscription string
	Message      Message
	Attempts     int
	Err          error
}

// FaultReporter is told about every delivery that ultimately failed.
type FaultReporter interface {
	ReportFault(ctx context.Context, fault DeliveryFault)
}

// FaultReporterFunc adapts a function to FaultReporter.
type FaultReporterFunc func(ctx context.Context, fault DeliveryFault)

// ReportFault calls f.
func (f FaultReporterFunc) ReportFault(ctx context.Context, fault DeliveryFault) {
	f(ctx, fault)
}

// PanicError wraps a value recovered from a panicking subscriber.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("subscriber panicked: %v", e.Value)
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger for delivery faults.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithQueueSize sets the per-subscription queue capacity.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithOverflowWait sets how long Publish waits, after serving every other subscription, for room
// in a full queue before dropping the message for that subscription.
func WithOverflowWait(d time.Duration) Option {
	return func(b *Bus) {
		if d > 0 {
			b.overflowWait = d
		}
	}
}

// WithFaultReporter registers a reporter for failed deliveries.
func WithFaultReporter(r FaultReporter) Option {
	return func(b *Bus) {
		b.reporter = r
	}
}

// WithRetry sets the delivery retry policy. The default is no retries.
func WithRetry(cfg retry.Config) Option {
	return func(b *Bus) {
		b.retry = cfg
	}
}

// Bus is an in-process publish/subscribe hub. It is safe for concurrent use.
type Bus struct {
	logger       *slog.Logger
	queueSize    int
	overflowWait time.Duration
	retry        retry.Config
	reporter     FaultReporter

	// ctx is passed to subscribers and cancelled when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// New creates a running Bus.
func New(opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger:       slog.Default(),
		queueSize:    defaultQueueSize,
		overflowWait: defaultOverflowWait,
		retry:        retry.None(),
		ctx:          ctx,
		cancel:       cancel,
		subs:         make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is a registered subscriber with its own queue and worker.
type Subscription struct {
	id      uint64
	pattern string
	name    string
	sub     Subscriber
	queue   chan Message
	stop    chan struct{}
	bus     *Bus
	once    sync.Once
}

// Name returns the subscription's name.
func (s *Subscription) Name() string { return s.name }

// Pattern returns the type pattern the subscription matches.
func (s *Subscription) Pattern() string { return s.pattern }

// Unsubscribe stops intake for this subscription. Messages already queued are still delivered.
func (s *Subscription) Unsubscribe() {
	// Removal under the write lock waits out every publisher that can still see s, so nothing is
	// queued after the worker's final drain.
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	s.halt()
}

func (s *Subscription) halt() {
	s.once.Do(func() { close(s.stop) })
}

func (s *Subscription) matches(msgType string) bool {
	switch {
	case s.pattern == MatchAll:
		return true
	case strings.HasSuffix(s.pattern, ".*"):
		return strings.HasPrefix(msgType, strings.TrimSuffix(s.pattern, "*"))
	default:
		return s.pattern == msgType
	}
}

// Subscribe registers sub for messages whose type equals pattern. Pattern "*" matches every
// type and "orders.*" matches every type starting with "orders.".
func (b *Bus) Subscribe(pattern, name string, sub Subscriber) (*Subscription, error) {
	if pattern == "" {
		return nil, fmt.Errorf("%s - subscription pattern cannot be empty", logPrefix)
	}
	if sub == nil {
		return nil, fmt.Errorf("%s - subscriber cannot be nil", logPrefix)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	if name == "" {
		name = fmt.Sprintf("%s#%d", pattern, b.nextID)
	}
	s := &Subscription{
		id:      b.nextID,
		pattern: pattern,
		name:    name,
		sub:     sub,
		queue:   make(chan Message, b.queueSize),
		stop:    make(chan struct{}),
		bus:     b,
	}
	b.subs[s.id] = s

	b.wg.Add(1)
	go b.run(s)

	b.logger.Debug(fmt.Sprintf("%s - subscribed %s to %s", logPrefix, name, pattern))
	return s, nil
}

// Publish builds a message and hands it to every matching subscription.
func (b *Bus) Publish(ctx context.Context, msgType, payload string) error {
	return b.PublishMessage(ctx, Message{Type: msgType, Payload: payload})
}

// PublishMessage hands msg to every matching subscription. ID and PublishedAt are filled in
// when empty. It never waits for delivery.
//
// Subscriptions with room are served first. Full queues are then given up to the overflow wait;
// a subscription still full after it loses the message and a DeliveryFault is reported. If ctx
// ends during that wait, subscriptions already served keep the message and ErrCancelled is returned.
func (b *Bus) PublishMessage(ctx context.Context, msg Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	if msg.Type == "" {
		return ErrEmptyType
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.PublishedAt.IsZero() {
		msg.PublishedAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	targets := b.matching(msg.Type)
	var full []*Subscription
	for _, s := range targets {
		select {
		case s.queue <- msg:
		default:
			full = append(full, s)
		}
	}
	if len(full) == 0 {
		return nil
	}

	timer := time.NewTimer(b.overflowWait)
	defer timer.Stop()
	expired := false
	for i, s := range full {
		if !expired {
			select {
			case s.queue <- msg:
				continue
			case <-timer.C:
				expired = true
			case <-ctx.Done():
				b.logger.Warn(fmt.Sprintf("%s - publish of %s cancelled", logPrefix, msg.Type),
					slog.String("id", msg.ID),
					slog.Int("delivered", len(targets)-len(full)+i),
					slog.Int("subscriptions", len(targets)),
				)
				return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			}
		}
		// One last non-blocking try once the wait is spent.
		select {
		case s.queue <- msg:
		default:
			b.overflow(s, msg)
		}
	}
	return nil
}

func (b *Bus) overflow(s *Subscription, msg Message) {
	b.logger.Error(fmt.Sprintf("%s - queue of %s full, dropping %s", logPrefix, s.name, msg.Type),
		slog.String("id", msg.ID),
		slog.Int("capacity", cap(s.queue)),
	)
	if b.reporter != nil {
		b.reporter.ReportFault(b.ctx, DeliveryFault{
			Subscription: s.name,
			Message:      msg,
			Err:          ErrQueueFull,
		})
	}
}

// matching returns subscriptions for msgType in subscription order. Caller holds mu.
func (b *Bus) matching(msgType string) []*Subscription {
	var out []*Subscription
	for _, s := range b.subs {
		if s.matches(msgType) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SubscriptionInfo describes an active subscription.
type SubscriptionInfo struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
	Queued  int    `json:"queued"`
}

// Subscriptions lists active subscriptions in registration order.
func (b *Bus) Subscriptions() []SubscriptionInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	out := make([]SubscriptionInfo, len(subs))
	for i, s := range subs {
		out[i] = SubscriptionInfo{Name: s.name, Pattern: s.pattern, Queued: len(s.queue)}
	}
	return out
}

// Close stops intake, lets workers drain their queues, and waits for them or for ctx.
// When ctx ends first, in-progress deliveries see their context cancelled.
func (b *Bus) Close(ctx context.Context) error {
	// Publishers blocked on a full queue hold the read lock for at most the overflow wait.
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	for _, s := range subs {
		s.halt()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
		b.logger.Info(fmt.Sprintf("%s - closed", logPrefix))
		return nil
	case <-ctx.Done():
		b.cancel()
		return fmt.Errorf("%s - close: %w", logPrefix, ctx.Err())
	}
}

func (b *Bus) run(s *Subscription) {
	defer b.wg.Done()
	for {
		select {
		case msg := <-s.queue:
			b.deliver(s, msg)
		case <-s.stop:
			for {
				select {
				case msg := <-s.queue:
					b.deliver(s, msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(s *Subscription, msg Message) {
	var lastErr error
	attempts := retry.Do(b.ctx, b.retry, func(attempt int) bool {
		lastErr = invoke(b.ctx, s.sub, msg)
		if lastErr == nil {
			return false
		}
		b.logger.Warn(fmt.Sprintf("%s - subscriber %s failed", logPrefix, s.name),
			slog.String("type", msg.Type),
			slog.String("id", msg.ID),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)
		return true
	})
	if lastErr == nil {
		return
	}

	b.logger.Error(fmt.Sprintf("%s - giving up on delivery to %s", logPrefix, s.name),
		slog.String("type", msg.Type),
		slog.String("id", msg.ID),
		slog.Int("attempts", attempts),
		slog.String("error", lastErr.Error()),
	)
	if b.reporter != nil {
		b.reporter.ReportFault(b.ctx, DeliveryFault{
			Subscription: s.name,
			Message:      msg,
			Attempts:     attempts,
			Err:          lastErr,
		})
	}
}

func invoke(ctx context.Context, sub Subscriber, msg Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &PanicError{Value: rec}
		}
	}()
	return sub.Deliver(ctx, msg)
}
