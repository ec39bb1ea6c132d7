package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Log is the engine facade consumed by the CLI, the dashboard, and the
// scheduled auditor. It owns the store and wires the linker (the only
// writer) to the verifier (read-only).
type Log struct {
	store    Store
	linker   *Linker
	verifier *Verifier
}

// Open opens the audit log over a SQLite entry store at the given path.
func Open(path string) (*Log, error) {
	store, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	slog.Info("audit log opened", "path", path)
	return NewLog(store), nil
}

// NewLog builds a log over an existing store. Useful for tests that supply
// their own store.
func NewLog(store Store) *Log {
	return &Log{
		store:    store,
		linker:   NewLinker(store),
		verifier: NewVerifier(store),
	}
}

// Store exposes the underlying entry store for read-side consumers.
func (l *Log) Store() Store { return l.store }

// Verifier exposes the read-only verifier.
func (l *Log) Verifier() *Verifier { return l.verifier }

// Close releases the underlying store.
func (l *Log) Close() error {
	return l.store.Close()
}

// Append records a new decision and extends the hash chain. See
// Linker.Append for the serialization and failure semantics.
func (l *Log) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	return l.linker.Append(ctx, req)
}

// VerifyOne checks a single entry's content hash and chain link.
func (l *Log) VerifyOne(ctx context.Context, e *Entry) (OneResult, error) {
	return l.verifier.VerifyOne(ctx, e)
}

// VerifyMany runs independent content-only checks over an id set.
func (l *Log) VerifyMany(ctx context.Context, ids []string) (MultiReport, error) {
	return l.verifier.VerifyMultiple(ctx, ids)
}

// VerifyRange runs a full chain-and-content audit over a time window,
// fetching entries in ascending creation order.
func (l *Log) VerifyRange(ctx context.Context, start, end time.Time) (FullReport, error) {
	entries, err := l.store.RangeByTimestamp(ctx, start, end)
	if err != nil {
		return FullReport{}, fmt.Errorf("fetching window for verification: %w", err)
	}
	return l.verifier.VerifyChainAndContent(entries), nil
}

// VerifyAll runs a full chain-and-content audit over the whole log.
func (l *Log) VerifyAll(ctx context.Context) (FullReport, error) {
	entries, err := l.store.All(ctx)
	if err != nil {
		return FullReport{}, fmt.Errorf("fetching log for verification: %w", err)
	}
	return l.verifier.VerifyChainAndContent(entries), nil
}

// VerifyEntity spot-checks every entry recorded for one entity.
//
// This is deliberately content-only. Chain hashes link each entry to its
// global predecessor, and an entity's entries are interleaved with
// unrelated ones, so consecutive entity-filtered pairs are almost never
// true chain neighbors. Chain verification is offered whole-log or
// time-windowed instead.
func (l *Log) VerifyEntity(ctx context.Context, entityType, entityID string) (MultiReport, error) {
	entries, err := l.store.ByEntity(ctx, entityType, entityID)
	if err != nil {
		return MultiReport{}, fmt.Errorf("fetching entries for %s/%s: %w", entityType, entityID, err)
	}

	var report MultiReport
	for i := range entries {
		if l.verifier.VerifyContent(&entries[i]) {
			report.Verified++
		} else {
			report.Failed = append(report.Failed, entries[i].ID)
		}
	}
	return report, nil
}

// Tail returns the n most recent entries.
func (l *Log) Tail(ctx context.Context, n int) ([]Entry, error) {
	return l.store.Tail(ctx, n)
}

// Query returns entries matching the given filters.
func (l *Log) Query(ctx context.Context, params QueryParams) ([]Entry, error) {
	return l.store.Query(ctx, params)
}

// Export writes all entries to w in the given format.
// Supported formats: "jsonl" (default), "json", "csv".
func (l *Log) Export(ctx context.Context, w io.Writer, format string) error {
	entries, err := l.store.All(ctx)
	if err != nil {
		return fmt.Errorf("reading entries for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		if err := cw.Write([]string{"id", "ts", "event_type", "entity_type", "entity_id", "user_id", "correlation_id", "content_hash", "chain_hash"}); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				e.ID,
				e.Timestamp.Format(time.RFC3339Nano),
				string(e.EventType),
				e.EntityType,
				e.EntityID,
				e.UserID,
				e.CorrelationID,
				e.ContentHash,
				e.ChainHash,
			}); err != nil {
				return err
			}
		}
		return nil

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}
