// Package natsbridge carries bus messages over COMMS (NATS) subjects in both directions.
package natsbridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/commandbus/pkg/bus"
	"github.com/morezero/commandbus/pkg/commsutil"
)

const (
	forwarderLogPrefix = "natsbridge:forwarder"
	sourceLogPrefix    = "natsbridge:source"
)

// OriginPrefix is prepended to the subject in Message.Origin for messages received from COMMS.
const OriginPrefix = "nats:"

// Forwarder is a bus.Subscriber that publishes each message to <prefix>.<type>.
// Messages that themselves arrived from a transport are not forwarded again.
type Forwarder struct {
	nc     *comms.Conn
	prefix string
	node   string
}

// NewForwarder creates a Forwarder publishing under prefix. node identifies this process so a
// Source on the same node can ignore its own messages; it may be empty.
func NewForwarder(nc *comms.Conn, prefix, node string) *Forwarder {
	if prefix == "" {
		prefix = commsutil.SubjectEventPrefix
	}
	return &Forwarder{nc: nc, prefix: prefix, node: node}
}

// Deliver implements bus.Subscriber.
func (f *Forwarder) Deliver(_ context.Context, msg bus.Message) error {
	if msg.Origin != "" {
		return nil
	}

	subject := commsutil.BuildEventSubject(f.prefix, msg.Type)
	out := comms.NewMsg(subject)
	out.Data = []byte(msg.Payload)
	out.Header.Set(commsutil.HeaderMessageID, msg.ID)
	out.Header.Set(commsutil.HeaderMessageType, msg.Type)
	out.Header.Set(commsutil.HeaderPublishedAt, msg.PublishedAt.UTC().Format(time.RFC3339Nano))
	if msg.Actor != "" {
		out.Header.Set(commsutil.HeaderActor, msg.Actor)
	}
	if f.node != "" {
		out.Header.Set(commsutil.HeaderNode, f.node)
	}

	if err := f.nc.PublishMsg(out); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", forwarderLogPrefix, subject, err)
	}
	slog.Debug(fmt.Sprintf("%s - forwarded %s to %s", forwarderLogPrefix, msg.ID, subject))
	return nil
}

// Publisher is the part of bus.Bus a Source needs.
type Publisher interface {
	PublishMessage(ctx context.Context, msg bus.Message) error
}

// Source subscribes to every subject under a prefix and republishes the messages into a
// local bus.
type Source struct {
	nc      *comms.Conn
	target  Publisher
	prefix  string
	node    string
	timeout time.Duration

	mu  sync.Mutex
	sub *comms.Subscription
}

// NewSource creates a Source. Messages stamped with the same node are skipped.
func NewSource(nc *comms.Conn, target Publisher, prefix, node string) *Source {
	if prefix == "" {
		prefix = commsutil.SubjectEventPrefix
	}
	return &Source{
		nc:      nc,
		target:  target,
		prefix:  prefix,
		node:    node,
		timeout: 5 * time.Second,
	}
}

// Start subscribes to <prefix>.>.
func (s *Source) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	subject := commsutil.WildcardSubject(s.prefix)
	sub, err := s.nc.Subscribe(subject, s.handle)
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to %s: %w", sourceLogPrefix, subject, err)
	}
	s.sub = sub
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", sourceLogPrefix, subject))
	return nil
}

// Stop unsubscribes. It is safe to call more than once.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Unsubscribe()
	s.sub = nil
	if err != nil {
		return fmt.Errorf("%s - unsubscribe: %w", sourceLogPrefix, err)
	}
	return nil
}

func (s *Source) handle(m *comms.Msg) {
	if s.node != "" && m.Header.Get(commsutil.HeaderNode) == s.node {
		return
	}

	msg, ok := toMessage(s.prefix, m)
	if !ok {
		slog.Warn(fmt.Sprintf("%s - ignoring message on %s with no type", sourceLogPrefix, m.Subject))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.target.PublishMessage(ctx, msg); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to republish %s: %v", sourceLogPrefix, msg.Type, err))
	}
}

func toMessage(prefix string, m *comms.Msg) (bus.Message, bool) {
	msg := bus.Message{
		Payload: string(m.Data),
		Origin:  OriginPrefix + m.Subject,
	}
	if m.Header != nil {
		msg.ID = m.Header.Get(commsutil.HeaderMessageID)
		msg.Type = m.Header.Get(commsutil.HeaderMessageType)
		msg.Actor = m.Header.Get(commsutil.HeaderActor)
		if ts := m.Header.Get(commsutil.HeaderPublishedAt); ts != "" {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				msg.PublishedAt = t
			}
		}
	}
	if msg.Type == "" {
		t, ok := commsutil.EventTypeFromSubject(prefix, m.Subject)
		if !ok {
			return bus.Message{}, false
		}
		msg.Type = t
	}
	return msg, true
}
