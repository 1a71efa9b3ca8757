package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/morezero/commandbus/internal/config"
	"github.com/morezero/commandbus/internal/system"
	"github.com/morezero/commandbus/pkg/bootstrap"
	"github.com/morezero/commandbus/pkg/bus"
	"github.com/morezero/commandbus/pkg/commsutil"
	"github.com/morezero/commandbus/pkg/cqrs"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func testDeps(t *testing.T, p system.Params, ready bool) httpDeps {
	t.Helper()
	b := cqrs.NewRegistryBuilder()
	svc, err := system.Register(b, p)
	require.NoError(t, err)
	reg := b.Build()
	svc.Bind(reg)

	return httpDeps{
		node:          "node-test",
		subject:       commsutil.SubjectDispatch,
		registry:      reg,
		health:        svc,
		healthTimeout: time.Second,
		ready:         func() bool { return ready },
	}
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name   string
		db     error
		status int
		want   string
	}{
		{"healthy", nil, http.StatusOK, "healthy"},
		{"unhealthy", errors.New("refused"), http.StatusServiceUnavailable, "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newMux(testDeps(t, system.Params{Database: stubPinger{err: tt.db}}, true))

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var out system.HealthOutput
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
			assert.Equal(t, tt.want, out.Status)
			assert.Equal(t, tt.db == nil, out.Checks["database"])
		})
	}
}

func TestReadyHandler(t *testing.T) {
	for _, ready := range []bool{true, false} {
		mux := newMux(testDeps(t, system.Params{}, ready))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

		if ready {
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), `"ready"`)
		} else {
			assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.Contains(t, rec.Body.String(), "not ready")
		}
	}
}

func TestIndexHandler(t *testing.T) {
	d := testDeps(t, system.Params{}, true)
	d.bus = bus.New()
	t.Cleanup(func() { _ = d.bus.Close(context.Background()) })
	_, err := d.bus.Subscribe("*", "log-all", bus.LogSubscriber(nil))
	require.NoError(t, err)

	mux := newMux(d)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	for _, want := range []string{"node-test", "system.health", "system.describe", "bus.publish", "journal.recent", "log-all"} {
		assert.Contains(t, body, want)
	}
}

func TestIndexHandler_OnlyRoot(t *testing.T) {
	mux := newMux(testDeps(t, system.Params{}, true))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDispatchMiddleware(t *testing.T) {
	cfg := &config.Config{}
	assert.Len(t, dispatchMiddleware(cfg, nil, nil, nil), 1, "logging only")

	cfg.DispatchRetries = 2
	assert.Len(t, dispatchMiddleware(cfg, nil, nil, nil), 2, "logging and retry")

	extra := []cqrs.Middleware{cqrs.Timeout(time.Second)}
	assert.Len(t, dispatchMiddleware(cfg, nil, nil, extra), 3)
}

func TestNodeID(t *testing.T) {
	assert.Equal(t, "fixed", nodeID(&config.Config{NodeID: "fixed", COMMSName: "commandbus"}))

	generated := nodeID(&config.Config{COMMSName: "commandbus"})
	assert.True(t, strings.HasPrefix(generated, "commandbus-"))
	assert.Len(t, generated, len("commandbus-")+8)
}

func startTestServer(t *testing.T, port int) *comms.Conn {
	t.Helper()
	ns, err := commsserver.NewServer(&commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(10*time.Second), "server failed to start")

	nc, err := comms.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return nc
}

func TestWireRoutes_NATSForwardAndInbound(t *testing.T) {
	nc := startTestServer(t, 14260)
	local := bus.New()
	t.Cleanup(func() { _ = local.Close(context.Background()) })

	cfg := &bootstrap.RouteConfig{
		Routes: []bootstrap.Route{
			{Pattern: "orders.*", Transport: bootstrap.TransportNATS, Target: "out.events"},
			{Pattern: "*", Transport: bootstrap.TransportLog},
		},
		Inbound: []bootstrap.Inbound{{Transport: bootstrap.TransportNATS, Prefix: "in.events"}},
	}
	w, err := wireRoutes(context.Background(), local, cfg, transports{nc: nc, node: "node-a"})
	require.NoError(t, err)
	t.Cleanup(w.stop)
	assert.Len(t, w.subs, 2)
	assert.Len(t, w.sources, 1)

	// Local publish reaches NATS.
	forwarded, err := nc.SubscribeSync("out.events.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())
	require.NoError(t, local.Publish(context.Background(), "orders.placed", `{"id":1}`))

	msg, err := forwarded.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "out.events.orders.placed", msg.Subject)
	assert.Equal(t, `{"id":1}`, string(msg.Data))

	// NATS publish from another node reaches the local bus.
	received := make(chan bus.Message, 1)
	_, err = local.Subscribe("partner.ping", "capture", bus.SubscriberFunc(func(_ context.Context, m bus.Message) error {
		received <- m
		return nil
	}))
	require.NoError(t, err)

	out := comms.NewMsg("in.events.partner.ping")
	out.Data = []byte("hi")
	out.Header.Set(commsutil.HeaderNode, "node-b")
	require.NoError(t, nc.PublishMsg(out))

	select {
	case m := <-received:
		assert.Equal(t, "partner.ping", m.Type)
		assert.Equal(t, "hi", m.Payload)
		assert.NotEmpty(t, m.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound message not delivered")
	}
}

func TestWireRoutes_MissingTransport(t *testing.T) {
	local := bus.New()
	t.Cleanup(func() { _ = local.Close(context.Background()) })

	tests := []struct {
		name string
		cfg  *bootstrap.RouteConfig
	}{
		{"redis route without client", &bootstrap.RouteConfig{Routes: []bootstrap.Route{{Pattern: "*", Transport: bootstrap.TransportRedis}}}},
		{"nats route without conn", &bootstrap.RouteConfig{Routes: []bootstrap.Route{{Pattern: "*", Transport: bootstrap.TransportNATS}}}},
		{"redis inbound without client", &bootstrap.RouteConfig{Inbound: []bootstrap.Inbound{{Transport: bootstrap.TransportRedis}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := wireRoutes(context.Background(), local, tt.cfg, transports{})
			assert.Error(t, err)
		})
	}
	assert.Empty(t, local.Subscriptions(), "failed wiring should release its subscriptions")
}

func TestWireRoutes_FailureReleasesEarlierRoutes(t *testing.T) {
	local := bus.New()
	t.Cleanup(func() { _ = local.Close(context.Background()) })

	cfg := &bootstrap.RouteConfig{Routes: []bootstrap.Route{
		{Pattern: "*", Transport: bootstrap.TransportLog},
		{Pattern: "*", Transport: bootstrap.TransportRedis},
	}}
	_, err := wireRoutes(context.Background(), local, cfg, transports{})
	require.Error(t, err)
	assert.Empty(t, local.Subscriptions())
}
