// Package server orchestrates all components: NATS client, optional Postgres journal and Redis,
// message bus routes, handler registry, dispatcher, gateway and HTTP health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/morezero/commandbus/internal/config"
	"github.com/morezero/commandbus/internal/system"
	"github.com/morezero/commandbus/pkg/audit"
	"github.com/morezero/commandbus/pkg/bootstrap"
	"github.com/morezero/commandbus/pkg/bus"
	"github.com/morezero/commandbus/pkg/commsutil"
	"github.com/morezero/commandbus/pkg/cqrs"
	"github.com/morezero/commandbus/pkg/db"
	"github.com/morezero/commandbus/pkg/gateway"
	"github.com/morezero/commandbus/pkg/retry"
)

const logPrefix = "server:server"

// HandlerRegistrar adds application handlers next to the built-ins.
// The provider reads the audit context of the request being handled.
type HandlerRegistrar func(b *cqrs.RegistryBuilder, provider audit.Provider) error

// Option configures Run.
type Option func(*runOptions)

type runOptions struct {
	registrars []HandlerRegistrar
	middleware []cqrs.Middleware
}

// WithHandlers registers application handlers.
func WithHandlers(r ...HandlerRegistrar) Option {
	return func(o *runOptions) { o.registrars = append(o.registrars, r...) }
}

// WithMiddleware adds dispatcher middleware inside the built-in logging and journal links.
func WithMiddleware(mw ...cqrs.Middleware) Option {
	return func(o *runOptions) { o.middleware = append(o.middleware, mw...) }
}

// Server is the commandbus orchestrator.
type Server struct {
	cfg    *config.Config
	node   string
	logger *slog.Logger

	nc         *comms.Conn
	pool       *pgxpool.Pool
	redis      *redis.Client
	bus        *bus.Bus
	routes     *wiredRoutes
	registry   *cqrs.Registry
	system     *system.Service
	dispatcher *cqrs.Dispatcher
	gateway    *gateway.Gateway
	gatewaySub *comms.Subscription
	httpServer *http.Server

	ready atomic.Bool
}

// Run starts the server, blocks until SIGINT or SIGTERM, then shuts down gracefully.
func Run(opts ...Option) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	slog.Info(fmt.Sprintf("%s - Starting commandbus", logPrefix))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	o := &runOptions{}
	for _, opt := range opts {
		opt(o)
	}

	s := &Server{cfg: cfg, node: nodeID(cfg), logger: logger}
	if err := s.start(ctx, o); err != nil {
		s.shutdown()
		return err
	}

	<-ctx.Done()
	slog.Info(fmt.Sprintf("%s - Received shutdown signal, shutting down", logPrefix))
	return s.shutdown()
}

func (s *Server) start(ctx context.Context, o *runOptions) error {
	cfg := s.cfg

	// Step 1: Load bus routes
	routeCfg, err := bootstrap.LoadRouteConfig(cfg.BusRoutesFile)
	if err != nil {
		return fmt.Errorf("%s - failed to load route config: %w", logPrefix, err)
	}

	// Step 2: Connect to NATS
	nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	s.nc = nc

	// Step 3: Optional database for the dispatch journal
	var repo *db.Repository
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.WithMaxConns(cfg.DBMaxConns), db.WithApplicationName(s.node))
		if err != nil {
			return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
		}
		s.pool = pool

		if cfg.RunMigrations {
			migrations, err := db.LoadMigrations(cfg.MigrationPath)
			if err != nil {
				return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
			}
			if err := db.RunMigrations(ctx, pool, migrations); err != nil {
				return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
			}
		}
		repo = db.NewRepository(pool)
	} else {
		slog.Info(fmt.Sprintf("%s - DATABASE_URL not set, dispatch journal disabled", logPrefix))
	}

	// Step 4: Optional Redis for redis routes
	if cfg.RedisURL != "" {
		client, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		s.redis = client
	}

	// Step 5: Message bus and routes
	busRetry := retry.None()
	if cfg.BusDeliveryRetries > 0 {
		busRetry = retry.DefaultConfig()
		busRetry.MaxRetries = cfg.BusDeliveryRetries
	}
	s.bus = bus.New(
		bus.WithLogger(s.logger),
		bus.WithQueueSize(cfg.BusQueueSize),
		bus.WithRetry(busRetry),
	)

	t := transports{
		nc:          nc,
		natsPrefix:  cfg.EventSubjectPrefix,
		redisPrefix: cfg.RedisChannelPrefix,
		node:        s.node,
		logger:      s.logger,
	}
	if s.redis != nil {
		t.redis = s.redis
	}
	routes, err := wireRoutes(ctx, s.bus, routeCfg, t)
	if err != nil {
		return err
	}
	s.routes = routes

	// Step 6: Registry with built-in and application handlers
	provider := audit.NewContextProvider(audit.SystemClock)
	builder := cqrs.NewRegistryBuilder()
	params := system.Params{
		Audit:         provider,
		Bus:           s.bus,
		Comms:         nc,
		HealthTimeout: cfg.HealthCheckTimeout,
		Logger:        s.logger,
	}
	if repo != nil {
		params.Journal = repo
		params.Database = repo
	}
	svc, err := system.Register(builder, params)
	if err != nil {
		return err
	}
	for _, register := range o.registrars {
		if err := register(builder, provider); err != nil {
			return fmt.Errorf("%s - failed to register handlers: %w", logPrefix, err)
		}
	}
	s.registry = builder.Build()
	svc.Bind(s.registry)
	s.system = svc
	slog.Info(fmt.Sprintf("%s - Registered %d handlers", logPrefix, s.registry.Len()))

	// Step 7: Dispatcher and gateway
	var journal cqrs.JournalWriter
	if repo != nil {
		journal = repo
	}
	s.dispatcher = cqrs.NewDispatcher(s.registry,
		cqrs.WithLogger(s.logger),
		cqrs.WithMiddleware(dispatchMiddleware(cfg, journal, s.logger, o.middleware)...),
	)
	gw := gateway.New(s.dispatcher,
		gateway.WithLogger(s.logger),
		gateway.WithRequestTimeout(cfg.RequestTimeout),
		gateway.WithQueueGroup(cfg.QueueGroup),
		gateway.WithMaxConcurrent(cfg.MaxConcurrent),
	)
	s.gateway = gw
	sub, err := gw.Serve(ctx, nc, cfg.DispatchSubject)
	if err != nil {
		return err
	}
	s.gatewaySub = sub

	// Step 8: HTTP health and index
	s.httpServer = &http.Server{
		Addr: cfg.HTTPListenAddr(),
		Handler: newMux(httpDeps{
			node:          s.node,
			subject:       cfg.DispatchSubject,
			registry:      s.registry,
			bus:           s.bus,
			health:        s.system,
			healthTimeout: cfg.HealthCheckTimeout,
			ready:         s.ready.Load,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	s.ready.Store(true)
	slog.Info(fmt.Sprintf("%s - Commandbus node %s is ready", logPrefix, s.node))
	return nil
}

// shutdown releases whatever start acquired, in reverse dependency order, within the
// configured shutdown timeout. It returns the first error seen.
func (s *Server) shutdown() error {
	s.ready.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if s.gatewaySub != nil {
		if err := s.gatewaySub.Unsubscribe(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.gateway != nil {
		if err := s.gateway.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.dispatcher != nil {
		s.dispatcher.Shutdown()
		if err := s.dispatcher.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.routes != nil {
		s.routes.stopSources()
	}
	if s.bus != nil {
		if err := s.bus.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.nc != nil {
		if err := commsutil.Drain(s.nc, s.cfg.ShutdownTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}

	if len(errs) > 0 {
		slog.Warn(fmt.Sprintf("%s - Shutdown finished with errors: %v", logPrefix, errors.Join(errs...)))
		return errs[0]
	}
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// dispatchMiddleware orders the chain outermost first: logging, journal, retry, then extra.
func dispatchMiddleware(cfg *config.Config, journal cqrs.JournalWriter, logger *slog.Logger, extra []cqrs.Middleware) []cqrs.Middleware {
	mw := []cqrs.Middleware{cqrs.Logging(logger)}
	if journal != nil {
		mw = append(mw, cqrs.Journal(journal, logger))
	}
	if cfg.DispatchRetries > 0 {
		rc := retry.DefaultConfig()
		rc.MaxRetries = cfg.DispatchRetries
		mw = append(mw, cqrs.Retry(rc))
	}
	return append(mw, extra...)
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid REDIS_URL: %w", logPrefix, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%s - failed to ping redis: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Connected to Redis at %s", logPrefix, opts.Addr))
	return client, nil
}

func nodeID(cfg *config.Config) string {
	if cfg.NodeID != "" {
		return cfg.NodeID
	}
	return cfg.COMMSName + "-" + uuid.NewString()[:8]
}
