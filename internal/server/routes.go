package server

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/morezero/commandbus/pkg/bootstrap"
	"github.com/morezero/commandbus/pkg/bus"
	"github.com/morezero/commandbus/pkg/bus/natsbridge"
	"github.com/morezero/commandbus/pkg/bus/redisbridge"
)

const routesLogPrefix = "server:routes"

// transports holds the connections routes may forward to. Nil means not configured.
type transports struct {
	nc          *comms.Conn
	redis       redis.UniversalClient
	natsPrefix  string
	redisPrefix string
	node        string
	logger      *slog.Logger
}

// inboundSource is a running transport subscription feeding the bus.
type inboundSource interface {
	Stop() error
}

// wiredRoutes is what wireRoutes started; stop releases it in reverse order.
type wiredRoutes struct {
	subs    []*bus.Subscription
	sources []inboundSource
}

func (w *wiredRoutes) stop() {
	w.stopSources()
	for _, s := range w.subs {
		s.Unsubscribe()
	}
}

// stopSources stops inbound traffic and leaves the forwarders to drain with the bus.
func (w *wiredRoutes) stopSources() {
	for i := len(w.sources) - 1; i >= 0; i-- {
		if err := w.sources[i].Stop(); err != nil {
			slog.Warn(fmt.Sprintf("%s - stop inbound source: %v", routesLogPrefix, err))
		}
	}
	w.sources = nil
}

// wireRoutes subscribes one forwarder per route and starts one source per inbound entry.
// On error everything already started is released.
func wireRoutes(ctx context.Context, b *bus.Bus, cfg *bootstrap.RouteConfig, t transports) (*wiredRoutes, error) {
	if t.logger == nil {
		t.logger = slog.Default()
	}
	w := &wiredRoutes{}

	for _, r := range cfg.Routes {
		sub, err := subscriberFor(r, t)
		if err != nil {
			w.stop()
			return nil, err
		}
		s, err := b.Subscribe(r.Pattern, r.SubscriptionName(), sub)
		if err != nil {
			w.stop()
			return nil, fmt.Errorf("%s - subscribe route %s: %w", routesLogPrefix, r.SubscriptionName(), err)
		}
		w.subs = append(w.subs, s)
		slog.Info(fmt.Sprintf("%s - Route %s: %s -> %s", routesLogPrefix, r.SubscriptionName(), r.Pattern, r.Transport))
	}

	for _, in := range cfg.Inbound {
		src, err := startSource(ctx, b, in, t)
		if err != nil {
			w.stop()
			return nil, err
		}
		w.sources = append(w.sources, src)
	}
	return w, nil
}

func subscriberFor(r bootstrap.Route, t transports) (bus.Subscriber, error) {
	switch r.Transport {
	case bootstrap.TransportLog:
		return bus.LogSubscriber(t.logger), nil
	case bootstrap.TransportNATS:
		if t.nc == nil {
			return nil, fmt.Errorf("%s - route %s needs NATS", routesLogPrefix, r.SubscriptionName())
		}
		return natsbridge.NewForwarder(t.nc, orDefault(r.Target, t.natsPrefix), t.node), nil
	case bootstrap.TransportRedis:
		if t.redis == nil {
			return nil, fmt.Errorf("%s - route %s needs REDIS_URL", routesLogPrefix, r.SubscriptionName())
		}
		return redisbridge.NewForwarder(t.redis,
			redisbridge.WithChannelPrefix(orDefault(r.Target, t.redisPrefix)),
			redisbridge.WithNode(t.node),
			redisbridge.WithLogger(t.logger),
		), nil
	}
	return nil, fmt.Errorf("%s - route %s has unknown transport %q", routesLogPrefix, r.SubscriptionName(), r.Transport)
}

func startSource(ctx context.Context, b *bus.Bus, in bootstrap.Inbound, t transports) (inboundSource, error) {
	switch in.Transport {
	case bootstrap.TransportNATS:
		if t.nc == nil {
			return nil, fmt.Errorf("%s - nats inbound needs a NATS connection", routesLogPrefix)
		}
		src := natsbridge.NewSource(t.nc, b, orDefault(in.Prefix, t.natsPrefix), t.node)
		if err := src.Start(); err != nil {
			return nil, fmt.Errorf("%s - start nats inbound: %w", routesLogPrefix, err)
		}
		return src, nil
	case bootstrap.TransportRedis:
		if t.redis == nil {
			return nil, fmt.Errorf("%s - redis inbound needs REDIS_URL", routesLogPrefix)
		}
		src := redisbridge.NewSource(t.redis, b,
			redisbridge.WithChannelPrefix(orDefault(in.Prefix, t.redisPrefix)),
			redisbridge.WithNode(t.node),
			redisbridge.WithLogger(t.logger),
		)
		if err := src.Start(ctx); err != nil {
			return nil, fmt.Errorf("%s - start redis inbound: %w", routesLogPrefix, err)
		}
		return src, nil
	}
	return nil, fmt.Errorf("%s - unsupported inbound transport %q", routesLogPrefix, in.Transport)
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
