package server

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/morezero/commandbus/internal/system"
	"github.com/morezero/commandbus/pkg/bus"
	"github.com/morezero/commandbus/pkg/cqrs"
)

// indexPageTemplate is the HTML for the node's home page (white bg, black/blue text).
const indexPageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <title>Commandbus – {{.Node}}</title>
  <style>
    * { box-sizing: border-box; }
    body { background: #fff; color: #000; font-family: system-ui, sans-serif; margin: 0; padding: 2rem; line-height: 1.5; }
    h1, h2 { color: #0066cc; }
    .status-healthy { color: #0066cc; font-weight: bold; }
    .status-unhealthy { color: #cc0000; font-weight: bold; }
    table { border-collapse: collapse; width: 100%; max-width: 1000px; margin-top: 0.5rem; }
    th, td { text-align: left; padding: 0.5rem 0.75rem; border: 1px solid #ccc; }
    th { background: #f0f4f8; color: #0066cc; }
    .stat { font-weight: bold; color: #0066cc; }
    .meta { color: #333; font-size: 0.9rem; }
    .error { color: #cc0000; }
    section { margin-bottom: 2rem; }
  </style>
</head>
<body>
  <h1>Commandbus</h1>
  <p class="meta">Node {{.Node}} · dispatch subject <code>{{.Subject}}</code></p>

  <section>
    <h2>Health</h2>
    <p>Status: <span class="status-{{.Health.Status}}">{{.Health.Status}}</span></p>
    {{range $name, $ok := .Health.Checks}}
    <p>{{$name}}: {{if $ok}}<span class="stat">OK</span>{{else}}<span class="error">Failed</span>{{end}}</p>
    {{end}}
    <p>Timestamp: {{.Health.Timestamp}}</p>
  </section>

  <section>
    <h2>Handlers</h2>
    <p>Registered: <span class="stat">{{len .Handlers}}</span></p>
    <table>
      <thead>
        <tr><th>Name</th><th>Kind</th><th>Version</th><th>Request</th><th>Response</th><th>Description</th></tr>
      </thead>
      <tbody>
        {{range .Handlers}}
        <tr>
          <td>{{.Name}}</td>
          <td>{{.Kind}}</td>
          <td>{{.Version}}</td>
          <td><code>{{.RequestType}}</code></td>
          <td><code>{{.ResponseType}}</code></td>
          <td>{{.Description}}</td>
        </tr>
        {{end}}
      </tbody>
    </table>
  </section>

  <section>
    <h2>Bus subscriptions</h2>
    {{if not .Subscriptions}}
    <p>No subscriptions.</p>
    {{else}}
    <table>
      <thead><tr><th>Name</th><th>Pattern</th><th>Queued</th></tr></thead>
      <tbody>
        {{range .Subscriptions}}
        <tr><td>{{.Name}}</td><td>{{.Pattern}}</td><td>{{.Queued}}</td></tr>
        {{end}}
      </tbody>
    </table>
    {{end}}
  </section>
</body>
</html>
`

type indexData struct {
	Node          string
	Subject       string
	Health        system.HealthOutput
	Handlers      []cqrs.HandlerInfo
	Subscriptions []bus.SubscriptionInfo
}

// httpDeps is what the HTTP handlers read.
type httpDeps struct {
	node          string
	subject       string
	registry      *cqrs.Registry
	bus           *bus.Bus
	health        *system.Service
	healthTimeout time.Duration
	ready         func() bool
}

func newMux(d httpDeps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", handleIndex(d))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), d.healthTimeout)
		defer cancel()
		h := d.health.Check(ctx)
		status := http.StatusOK
		if !h.Healthy() {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !d.ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	return mux
}

func handleIndex(d httpDeps) http.HandlerFunc {
	tmpl := template.Must(template.New("index").Parse(indexPageTemplate))
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), d.healthTimeout)
		defer cancel()

		data := indexData{
			Node:     d.node,
			Subject:  d.subject,
			Health:   d.health.Check(ctx),
			Handlers: d.registry.Handlers(),
		}
		if d.bus != nil {
			data.Subscriptions = d.bus.Subscriptions()
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := tmpl.Execute(w, data); err != nil {
			slog.Error(fmt.Sprintf("%s - index template execute: %v", logPrefix, err))
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - json encode: %v", logPrefix, err))
	}
}
