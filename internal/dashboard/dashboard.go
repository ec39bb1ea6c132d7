// Package dashboard serves the chainlog web UI and REST API.
//
// The dashboard is mounted on /dashboard and /api/ on the same port:
//
//   - Web UI:     GET  /dashboard        — Single-page HTML dashboard
//   - WebSocket:  GET  /dashboard/ws     — Live feed (entries + findings)
//   - REST API:   GET  /api/status       — Engine status
//     GET  /api/entries      — Query audit entries
//     GET  /api/verify       — Integrity report for a window or the whole log
//     POST /api/append       — Record a new audit entry
//
// The web UI is a minimal embedded HTML page (no build step, no framework).
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/chainlog/chainlog/internal/audit"
	"github.com/chainlog/chainlog/internal/auditor"
)

// Options holds the dependencies injected into the dashboard.
type Options struct {
	Log     *audit.Log
	Version string
}

// Dashboard serves the web UI and REST API, and broadcasts live activity
// to WebSocket clients. It implements auditor.Notifier so scheduled audit
// findings appear on the live feed too.
type Dashboard struct {
	log     *audit.Log
	version string
	started time.Time
	wsHub   *wsHub
}

// New creates a new Dashboard with the given dependencies.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		log:     opts.Log,
		version: opts.Version,
		started: time.Now().UTC(),
		wsHub:   newWSHub(),
	}

	// Start the WebSocket broadcast hub.
	go d.wsHub.run()

	return d
}

// ServeHTTP handles requests to /dashboard and /dashboard/.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// WebSocketHandler returns an http.Handler for the /dashboard/ws endpoint.
// Clients connect here to receive appended entries and audit findings in
// real time.
func (d *Dashboard) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.handleWebSocket(w, r)
	})
}

// APIHandler returns an http.Handler for the /api/ REST endpoints.
func (d *Dashboard) APIHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/status", d.handleAPIStatus)
	mux.HandleFunc("/api/entries", d.handleAPIEntries)
	mux.HandleFunc("/api/verify", d.handleAPIVerify)
	mux.HandleFunc("/api/append", d.handleAPIAppend)

	return mux
}

// liveMessage is the envelope for WebSocket broadcasts.
type liveMessage struct {
	Type string `json:"type"` // "entry" or "finding"
	Data any    `json:"data"`
}

// BroadcastEntry sends a freshly appended entry to all connected WebSocket
// clients. Non-blocking — if no clients are connected, it is dropped.
func (d *Dashboard) BroadcastEntry(e *audit.Entry) {
	d.broadcast(liveMessage{Type: "entry", Data: e})
}

// CriticalFinding implements auditor.Notifier: scheduled audit findings are
// pushed onto the live feed in addition to the structured log.
func (d *Dashboard) CriticalFinding(ctx context.Context, f auditor.Finding) {
	auditor.LogNotifier{}.CriticalFinding(ctx, f)
	d.broadcast(liveMessage{Type: "finding", Data: f})
}

func (d *Dashboard) broadcast(msg liveMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("failed to marshal broadcast message", "error", err)
		return
	}
	d.wsHub.broadcast(data)
}

// --- REST API Handlers ---

// handleAPIStatus returns engine status information.
// GET /api/status
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	tail, err := d.log.Store().MostRecent(r.Context())
	if err != nil {
		slog.Error("status query failed", "error", err)
		http.Error(w, "status query failed", http.StatusInternalServerError)
		return
	}

	status := map[string]any{
		"status":  "running",
		"version": d.version,
		"uptime":  time.Since(d.started).Round(time.Second).String(),
	}
	if tail != nil {
		status["chain_tail_id"] = tail.ID
		status["chain_tail_ts"] = tail.Timestamp
		status["chain_tail_linked"] = tail.Linked()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleAPIEntries returns audit entries matching the query filters.
// GET /api/entries?limit=50&entity_type=strategy&entity_id=strat-1&event_type=risk_breach&correlation_id=...&since=1h
func (d *Dashboard) handleAPIEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	params := audit.QueryParams{
		EntityType:    r.URL.Query().Get("entity_type"),
		EntityID:      r.URL.Query().Get("entity_id"),
		EventType:     audit.EventType(r.URL.Query().Get("event_type")),
		UserID:        r.URL.Query().Get("user_id"),
		CorrelationID: r.URL.Query().Get("correlation_id"),
		Limit:         limit,
	}

	if since := r.URL.Query().Get("since"); since != "" {
		dur, err := time.ParseDuration(since)
		if err != nil {
			http.Error(w, "invalid since duration", http.StatusBadRequest)
			return
		}
		params.Since = time.Now().UTC().Add(-dur)
	}

	entries, err := d.log.Query(r.Context(), params)
	if err != nil {
		slog.Error("entry query failed", "error", err)
		http.Error(w, "entry query failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

// handleAPIVerify runs an integrity audit and returns the report.
// GET /api/verify                 — whole log
// GET /api/verify?window=24h      — trailing window
// GET /api/verify?entity_type=strategy&entity_id=strat-1 — content-only
//
// Tamper findings are reported in the body with HTTP 200: a tampered log
// is a successful verification, not a server error.
func (d *Dashboard) handleAPIVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()

	if entityType := q.Get("entity_type"); entityType != "" {
		entityID := q.Get("entity_id")
		if entityID == "" {
			http.Error(w, "entity_id required with entity_type", http.StatusBadRequest)
			return
		}
		report, err := d.log.VerifyEntity(r.Context(), entityType, entityID)
		if err != nil {
			slog.Error("entity verification failed", "error", err)
			http.Error(w, "verification failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	var report audit.FullReport
	var err error
	if window := q.Get("window"); window != "" {
		dur, perr := time.ParseDuration(window)
		if perr != nil {
			http.Error(w, "invalid window duration", http.StatusBadRequest)
			return
		}
		end := time.Now().UTC()
		report, err = d.log.VerifyRange(r.Context(), end.Add(-dur), end)
	} else {
		report, err = d.log.VerifyAll(r.Context())
	}
	if err != nil {
		slog.Error("verification failed", "error", err)
		http.Error(w, "verification failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// appendBody is the JSON body for POST /api/append.
type appendBody struct {
	EventType     string         `json:"event_type"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	UserID        string         `json:"user_id"`
	BeforeState   map[string]any `json:"before_state"`
	AfterState    map[string]any `json:"after_state"`
	Metadata      map[string]any `json:"metadata"`
	CorrelationID string         `json:"correlation_id"`
}

// handleAPIAppend records a new audit entry.
// POST /api/append
//
// The client IP is taken from the connection, not the body, and is hashed
// before storage.
func (d *Dashboard) handleAPIAppend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}

	var body appendBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = host
	}

	entry, err := d.log.Append(r.Context(), audit.AppendRequest{
		EventType:     audit.EventType(body.EventType),
		EntityType:    body.EntityType,
		EntityID:      body.EntityID,
		UserID:        body.UserID,
		BeforeState:   body.BeforeState,
		AfterState:    body.AfterState,
		Metadata:      body.Metadata,
		CorrelationID: body.CorrelationID,
		ClientIP:      clientIP,
		UserAgent:     r.UserAgent(),
	})
	if err != nil {
		if errors.Is(err, audit.ErrInvalidInput) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("append via API failed", "error", err)
		http.Error(w, "append failed", http.StatusInternalServerError)
		return
	}

	d.BroadcastEntry(entry)
	writeJSON(w, http.StatusCreated, entry)
}

// --- Helpers ---

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// dashboardHTML is the embedded HTML for the dashboard. Minimal single-page
// UI that shows chain status, recent entries, and the live feed. Refreshes
// via periodic fetch + WebSocket.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>chainlog</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0d1117; color: #c9d1d9; padding: 2rem; }
  h1 { font-size: 1.3rem; margin-bottom: 1rem; }
  h2 { font-size: 1rem; margin: 1.5rem 0 0.5rem; color: #8b949e; }
  .ok { color: #3fb950; }
  .bad { color: #f85149; }
  table { width: 100%; border-collapse: collapse; font-size: 0.85rem; }
  th, td { text-align: left; padding: 0.35rem 0.6rem; border-bottom: 1px solid #21262d; }
  code { font-family: ui-monospace, monospace; font-size: 0.8rem; color: #79c0ff; }
  #feed div { padding: 0.25rem 0; border-bottom: 1px solid #21262d; font-size: 0.8rem; }
</style>
</head>
<body>
<h1>chainlog — tamper-evident audit log</h1>
<div id="status">loading…</div>
<h2>Integrity</h2>
<div id="verify">—</div>
<h2>Recent entries</h2>
<table><thead><tr><th>ts</th><th>event</th><th>entity</th><th>user</th><th>chain</th></tr></thead>
<tbody id="entries"></tbody></table>
<h2>Live feed</h2>
<div id="feed"></div>
<script>
async function refresh() {
  const s = await (await fetch('/api/status')).json();
  document.getElementById('status').innerHTML =
    'status: <span class="ok">' + s.status + '</span> · version ' + s.version +
    ' · uptime ' + s.uptime + (s.chain_tail_id ? ' · tail <code>' + s.chain_tail_id + '</code>' : '');
  const v = await (await fetch('/api/verify?window=24h')).json();
  document.getElementById('verify').innerHTML = v.valid
    ? '<span class="ok">valid</span> — ' + v.verified_entries + '/' + v.total_entries + ' entries verified (24h window)'
    : '<span class="bad">TAMPER DETECTED</span> — broken at index ' + v.broken_chain_at +
      ', tampered: ' + JSON.stringify(v.tampered_entries) +
      ', integrity failures: ' + JSON.stringify(v.integrity_failures);
  const entries = await (await fetch('/api/entries?limit=20')).json();
  document.getElementById('entries').innerHTML = (entries || []).map(e =>
    '<tr><td>' + e.ts + '</td><td>' + e.event_type + '</td><td>' + e.entity_type + '/' + e.entity_id +
    '</td><td>' + (e.user_id || 'system') + '</td><td><code>' + (e.chain_hash || 'unlinked').slice(0, 24) + '</code></td></tr>'
  ).join('');
}
refresh();
setInterval(refresh, 10000);

const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/dashboard/ws');
ws.onmessage = (ev) => {
  const msg = JSON.parse(ev.data);
  const feed = document.getElementById('feed');
  const div = document.createElement('div');
  if (msg.type === 'entry') {
    div.textContent = msg.data.ts + ' ' + msg.data.event_type + ' ' + msg.data.entity_type + '/' + msg.data.entity_id;
  } else {
    div.innerHTML = '<span class="bad">finding</span> ' + JSON.stringify(msg.data.report);
  }
  feed.prepend(div);
  while (feed.children.length > 50) feed.removeChild(feed.lastChild);
};
</script>
</body>
</html>
`
