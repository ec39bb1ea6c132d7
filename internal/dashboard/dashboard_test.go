package dashboard

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	_ "github.com/glebarez/go-sqlite"

	"github.com/chainlog/chainlog/internal/audit"
)

func newTestDashboard(t *testing.T) (*Dashboard, *audit.Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	log, err := audit.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return New(Options{Log: log, Version: "test"}), log, path
}

// corruptMetadata rewrites a stored entry's metadata through a second
// connection, simulating an attacker editing the database file directly.
func corruptMetadata(t *testing.T, path, id string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open tamper connection: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec(`UPDATE entries SET metadata = '{"forged":true}' WHERE id = ?`, id); err != nil {
		t.Fatalf("tamper update: %v", err)
	}
}

func postAppend(t *testing.T, api http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/append", strings.NewReader(body))
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	return rec
}

func TestAPIAppendAndEntries(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	api := d.APIHandler()

	rec := postAppend(t, api, `{
		"event_type": "strategy_created",
		"entity_type": "strategy",
		"entity_id": "strat-1",
		"user_id": "alice",
		"after_state": {"name": "momentum"}
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("append status = %d, want 201: %s", rec.Code, rec.Body)
	}

	var created audit.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created entry: %v", err)
	}
	if created.ID == "" || !created.Linked() {
		t.Fatalf("created entry not fully linked: %+v", created)
	}
	if created.IPAddressHash == "" || strings.Contains(created.IPAddressHash, ".") {
		t.Errorf("client IP not hashed: %q", created.IPAddressHash)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/entries?entity_type=strategy", nil)
	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("entries status = %d", rec.Code)
	}
	var entries []audit.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode entries: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != created.ID {
		t.Fatalf("entries = %+v, want the created entry", entries)
	}
}

func TestAPIAppendRejectsInvalidInput(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	api := d.APIHandler()

	tests := []struct {
		name string
		body string
	}{
		{"unknown event type", `{"event_type": "nope", "entity_type": "strategy", "entity_id": "s1"}`},
		{"missing entity id", `{"event_type": "system", "entity_type": "strategy"}`},
		{"malformed json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := postAppend(t, api, tt.body); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestAPIVerifyReportsTamper(t *testing.T) {
	d, log, path := newTestDashboard(t)
	api := d.APIHandler()

	for i := 0; i < 3; i++ {
		rec := postAppend(t, api, `{
			"event_type": "risk_breach",
			"entity_type": "risk_limit",
			"entity_id": "limit-1"
		}`)
		if rec.Code != http.StatusCreated {
			t.Fatalf("append status = %d", rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/verify", nil)
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d", rec.Code)
	}
	var report audit.FullReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !report.Valid || report.VerifiedEntries != 3 {
		t.Fatalf("clean log reported invalid: %+v", report)
	}

	// Corrupt a stored entry behind the engine's back, then verify again.
	entries, err := log.Tail(context.Background(), 3)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	corruptMetadata(t, path, entries[1].ID)

	rec = httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/verify", nil))
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Valid {
		t.Fatal("tampered log reported valid")
	}
	if len(report.IntegrityFailures) == 0 {
		t.Errorf("tampered entry missing from integrity failures: %+v", report)
	}
}

func TestAPIStatus(t *testing.T) {
	d, _, _ := newTestDashboard(t)
	api := d.APIHandler()

	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status["status"] != "running" || status["version"] != "test" {
		t.Errorf("unexpected status payload: %v", status)
	}
}

func TestDashboardServesHTML(t *testing.T) {
	d, _, _ := newTestDashboard(t)

	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "chainlog") {
		t.Error("dashboard page missing title")
	}
}
