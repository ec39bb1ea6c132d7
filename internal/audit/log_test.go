package audit

import (
	"bytes"
	"context"
	"reflect"
	"strings"
	"testing"
	"time"
)

// tamperMetadata rewrites an entry's stored metadata behind the engine's
// back, simulating direct database tampering.
func tamperMetadata(t *testing.T, store *SQLiteStore, id string) {
	t.Helper()
	if _, err := store.db.Exec(`UPDATE entries SET metadata = '{"forged":true}' WHERE id = ?`, id); err != nil {
		t.Fatalf("tampering entry: %v", err)
	}
}

func TestLog_VerifyRange_ThreeEntries(t *testing.T) {
	log, _ := openTestLog(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Minute)
	for _, id := range []string{"strat-a", "strat-b", "strat-c"} {
		if _, err := log.Append(ctx, strategyRequest(id)); err != nil {
			t.Fatal(err)
		}
	}

	report, err := log.VerifyRange(ctx, start, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	if !report.Valid {
		t.Errorf("expected valid report, got %+v", report)
	}
	if report.TotalEntries != 3 || report.VerifiedEntries != 3 {
		t.Errorf("expected 3/3, got %d/%d", report.VerifiedEntries, report.TotalEntries)
	}
	if report.BrokenChainAt != nil {
		t.Errorf("expected no break, got %d", *report.BrokenChainAt)
	}
	if len(report.TamperedEntries) != 0 || len(report.IntegrityFailures) != 0 {
		t.Errorf("expected no findings, got %+v", report)
	}
}

func TestLog_VerifyRange_DetectsStoredTampering(t *testing.T) {
	log, store := openTestLog(t)
	ctx := context.Background()

	start := time.Now().UTC().Add(-time.Minute)
	var victim *Entry
	for i, id := range []string{"strat-a", "strat-b", "strat-c"} {
		e, err := log.Append(ctx, strategyRequest(id))
		if err != nil {
			t.Fatal(err)
		}
		if i == 1 {
			victim = e
		}
	}

	tamperMetadata(t, store, victim.ID)

	report, err := log.VerifyRange(ctx, start, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	if report.Valid {
		t.Error("tampered window should not be valid")
	}
	if !reflect.DeepEqual(report.IntegrityFailures, []string{victim.ID}) {
		t.Errorf("expected %s in integrity failures, got %v", victim.ID, report.IntegrityFailures)
	}
}

func TestLog_VerifyAll_Idempotent(t *testing.T) {
	log, store := openTestLog(t)
	ctx := context.Background()

	e, err := log.Append(ctx, strategyRequest("strat-a"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append(ctx, strategyRequest("strat-b")); err != nil {
		t.Fatal(err)
	}
	tamperMetadata(t, store, e.ID)

	first, err := log.VerifyAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := log.VerifyAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("verification should be idempotent: %+v vs %+v", first, second)
	}
}

func TestLog_VerifyMany(t *testing.T) {
	log, store := openTestLog(t)
	ctx := context.Background()

	var ids []string
	for _, id := range []string{"strat-a", "strat-b", "strat-c"} {
		e, err := log.Append(ctx, strategyRequest(id))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, e.ID)
	}
	tamperMetadata(t, store, ids[2])

	// Unordered, with one tampered and one missing id.
	report, err := log.VerifyMany(ctx, []string{ids[2], ids[0], "missing-id", ids[1]})
	if err != nil {
		t.Fatal(err)
	}

	if report.Verified != 2 {
		t.Errorf("expected 2 verified, got %d", report.Verified)
	}
	want := []string{ids[2], "missing-id"}
	if !reflect.DeepEqual(report.Failed, want) {
		t.Errorf("expected failed %v, got %v", want, report.Failed)
	}
}

func TestLog_VerifyEntity_ContentOnly(t *testing.T) {
	log, store := openTestLog(t)
	ctx := context.Background()

	// Interleave two entities so strat-1's entries are never each other's
	// global chain predecessors. Entity verification is content-only, so
	// this must still come back clean.
	var strat1 []*Entry
	for i := 0; i < 6; i++ {
		entityID := "strat-1"
		if i%2 == 1 {
			entityID = "dep-1"
		}
		req := strategyRequest(entityID)
		if entityID == "dep-1" {
			req.EventType = EventDeploymentStarted
			req.EntityType = "deployment"
		}
		e, err := log.Append(ctx, req)
		if err != nil {
			t.Fatal(err)
		}
		if entityID == "strat-1" {
			strat1 = append(strat1, e)
		}
	}

	report, err := log.VerifyEntity(ctx, "strategy", "strat-1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Verified != len(strat1) || len(report.Failed) != 0 {
		t.Errorf("interleaved entity should verify clean, got %+v", report)
	}

	tamperMetadata(t, store, strat1[1].ID)

	report, err = log.VerifyEntity(ctx, "strategy", "strat-1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(report.Failed, []string{strat1[1].ID}) {
		t.Errorf("expected %s failed, got %+v", strat1[1].ID, report.Failed)
	}
}

func TestLog_Export(t *testing.T) {
	log, _ := openTestLog(t)
	ctx := context.Background()

	for _, id := range []string{"strat-a", "strat-b"} {
		if _, err := log.Append(ctx, strategyRequest(id)); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("jsonl", func(t *testing.T) {
		var buf bytes.Buffer
		if err := log.Export(ctx, &buf, "jsonl"); err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Errorf("expected 2 jsonl lines, got %d", len(lines))
		}
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		if err := log.Export(ctx, &buf, "csv"); err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 3 {
			t.Errorf("expected header + 2 rows, got %d lines", len(lines))
		}
		if !strings.HasPrefix(lines[0], "id,ts,event_type") {
			t.Errorf("unexpected csv header: %q", lines[0])
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		var buf bytes.Buffer
		if err := log.Export(ctx, &buf, "xml"); err == nil {
			t.Error("unsupported format should error")
		}
	})
}
