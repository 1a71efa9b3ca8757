// Package redisbridge carries bus messages over Redis pub/sub channels.
package redisbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/morezero/commandbus/pkg/bus"
)

const (
	forwarderLogPrefix = "redisbridge:forwarder"
	sourceLogPrefix    = "redisbridge:source"

	// DefaultChannelPrefix is used when no prefix is configured.
	DefaultChannelPrefix = "commandbus:events:"

	// OriginPrefix is prepended to the channel in Message.Origin for messages received from Redis.
	OriginPrefix = "redis:"
)

// envelope is the JSON body published on a channel.
type envelope struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Payload     string    `json:"payload"`
	PublishedAt time.Time `json:"publishedAt"`
	Actor       string    `json:"actor,omitempty"`
	Node        string    `json:"node,omitempty"`
}

// Option configures a Forwarder or Source.
type Option func(*options)

type options struct {
	prefix string
	node   string
	logger *slog.Logger
}

// WithChannelPrefix sets the channel prefix.
func WithChannelPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithNode stamps forwarded messages with node and makes a Source skip them.
func WithNode(node string) Option {
	return func(o *options) { o.node = node }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{prefix: DefaultChannelPrefix, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Forwarder is a bus.Subscriber that publishes each message to channel <prefix><type>.
type Forwarder struct {
	client redis.UniversalClient
	opts   options
}

// NewForwarder creates a Forwarder.
func NewForwarder(client redis.UniversalClient, opts ...Option) *Forwarder {
	return &Forwarder{client: client, opts: buildOptions(opts)}
}

// Channel returns the channel a message type is published on.
func (f *Forwarder) Channel(msgType string) string {
	return f.opts.prefix + msgType
}

// Deliver implements bus.Subscriber. Messages that arrived from a transport are not forwarded.
func (f *Forwarder) Deliver(ctx context.Context, msg bus.Message) error {
	if msg.Origin != "" {
		return nil
	}
	data, err := json.Marshal(envelope{
		ID:          msg.ID,
		Type:        msg.Type,
		Payload:     msg.Payload,
		PublishedAt: msg.PublishedAt,
		Actor:       msg.Actor,
		Node:        f.opts.node,
	})
	if err != nil {
		return fmt.Errorf("%s - failed to encode %s: %w", forwarderLogPrefix, msg.ID, err)
	}

	channel := f.Channel(msg.Type)
	if err := f.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", forwarderLogPrefix, channel, err)
	}
	f.opts.logger.DebugContext(ctx, fmt.Sprintf("%s - forwarded %s to %s", forwarderLogPrefix, msg.ID, channel))
	return nil
}

// Publisher is the part of bus.Bus a Source needs.
type Publisher interface {
	PublishMessage(ctx context.Context, msg bus.Message) error
}

// Source pattern-subscribes to <prefix>* and republishes messages into a local bus.
type Source struct {
	client redis.UniversalClient
	target Publisher
	opts   options

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewSource creates a Source.
func NewSource(client redis.UniversalClient, target Publisher, opts ...Option) *Source {
	return &Source{client: client, target: target, opts: buildOptions(opts)}
}

// Start subscribes and begins republishing in a background goroutine.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pubsub != nil {
		return nil
	}

	pattern := s.opts.prefix + "*"
	pubsub := s.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", sourceLogPrefix, pattern, err)
	}
	s.pubsub = pubsub
	s.done = make(chan struct{})

	go s.run(pubsub.Channel(), s.done)
	s.opts.logger.Info(fmt.Sprintf("%s - Subscribed to %s", sourceLogPrefix, pattern))
	return nil
}

// Stop closes the subscription and waits for the background goroutine.
func (s *Source) Stop() error {
	s.mu.Lock()
	pubsub, done := s.pubsub, s.done
	s.pubsub, s.done = nil, nil
	s.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	<-done
	if err != nil {
		return fmt.Errorf("%s - close: %w", sourceLogPrefix, err)
	}
	return nil
}

func (s *Source) run(ch <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for m := range ch {
		msg, ok := s.decode(m)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.target.PublishMessage(ctx, msg); err != nil {
			s.opts.logger.Error(fmt.Sprintf("%s - failed to republish %s: %v", sourceLogPrefix, msg.Type, err))
		}
		cancel()
	}
}

func (s *Source) decode(m *redis.Message) (bus.Message, bool) {
	var env envelope
	if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
		s.opts.logger.Warn(fmt.Sprintf("%s - dropping undecodable message on %s: %v", sourceLogPrefix, m.Channel, err))
		return bus.Message{}, false
	}
	if s.opts.node != "" && env.Node == s.opts.node {
		return bus.Message{}, false
	}
	msgType := env.Type
	if msgType == "" {
		msgType = strings.TrimPrefix(m.Channel, s.opts.prefix)
	}
	if msgType == "" {
		return bus.Message{}, false
	}
	return bus.Message{
		ID:          env.ID,
		Type:        msgType,
		Payload:     env.Payload,
		PublishedAt: env.PublishedAt,
		Actor:       env.Actor,
		Origin:      OriginPrefix + m.Channel,
	}, true
}
