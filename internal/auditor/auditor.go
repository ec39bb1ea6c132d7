// Package auditor runs scheduled and on-demand integrity audits over the
// audit log.
//
// Each run verifies the chain and content of every entry in a trailing time
// window, and optionally runs full-history content sweeps over entity types
// matching configured glob patterns (e.g. "risk_*" for rules that warrant
// checking beyond the window). Any non-valid result is a critical finding
// surfaced to the configured Notifier.
//
// The auditor is strictly a read-side consumer: it never contends with the
// append critical section, and it treats tamper findings as data, never as
// errors.
package auditor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/chainlog/chainlog/internal/audit"
)

// Finding is one audit run's outcome when something did not verify.
type Finding struct {
	WindowStart   time.Time        `json:"window_start"`
	WindowEnd     time.Time        `json:"window_end"`
	Report        audit.FullReport `json:"report"`
	SweepFailures []string         `json:"sweep_failures,omitempty"` // full-history content failures
}

// Critical reports whether the finding must be escalated.
func (f *Finding) Critical() bool {
	return !f.Report.Valid || len(f.SweepFailures) > 0
}

// Notifier receives critical findings. Turning findings into alerts
// (pager, email, compliance feed) is the collaborator's concern.
type Notifier interface {
	CriticalFinding(ctx context.Context, f Finding)
}

// LogNotifier is the default Notifier: it writes findings to the structured
// log and nothing else.
type LogNotifier struct{}

func (LogNotifier) CriticalFinding(_ context.Context, f Finding) {
	slog.Error("audit integrity finding",
		"window_start", f.WindowStart,
		"window_end", f.WindowEnd,
		"tampered", f.Report.TamperedEntries,
		"integrity_failures", f.Report.IntegrityFailures,
		"sweep_failures", f.SweepFailures,
	)
}

// Options configures the audit schedule.
type Options struct {
	// Interval between scheduled runs.
	Interval time.Duration

	// Window is the trailing time span each run verifies.
	Window time.Duration

	// SweepEntityTypes are glob patterns selecting entity types that get a
	// full-history content sweep on every run, beyond the trailing window.
	// Empty means no sweep.
	SweepEntityTypes []string
}

// Auditor periodically re-verifies the audit log.
type Auditor struct {
	log      *audit.Log
	notifier Notifier

	mu         sync.Mutex
	interval   time.Duration
	window     time.Duration
	sweepGlobs []glob.Glob
}

// New creates an auditor over the given log. A nil notifier falls back to
// LogNotifier. Glob patterns are compiled once here, not per run.
func New(auditLog *audit.Log, notifier Notifier, opts Options) (*Auditor, error) {
	if notifier == nil {
		notifier = LogNotifier{}
	}

	a := &Auditor{
		log:      auditLog,
		notifier: notifier,
	}
	if err := a.Reload(opts); err != nil {
		return nil, err
	}
	return a, nil
}

// Reload replaces the schedule options. Called by the config watcher on
// hot reload; takes effect on the next tick.
func (a *Auditor) Reload(opts Options) error {
	if opts.Interval <= 0 {
		return fmt.Errorf("auditor interval must be positive, got %v", opts.Interval)
	}
	if opts.Window <= 0 {
		return fmt.Errorf("auditor window must be positive, got %v", opts.Window)
	}

	globs := make([]glob.Glob, 0, len(opts.SweepEntityTypes))
	for _, p := range opts.SweepEntityTypes {
		g, err := glob.Compile(p)
		if err != nil {
			return fmt.Errorf("invalid sweep entity type pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}

	a.mu.Lock()
	a.interval = opts.Interval
	a.window = opts.Window
	a.sweepGlobs = globs
	a.mu.Unlock()
	return nil
}

// Run executes scheduled audits until the context is cancelled.
func (a *Auditor) Run(ctx context.Context) error {
	slog.Info("integrity auditor started", "interval", a.currentInterval())

	for {
		timer := time.NewTimer(a.currentInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		finding, err := a.RunOnce(ctx)
		if err != nil {
			slog.Error("scheduled audit failed", "error", err)
			continue
		}
		if finding.Critical() {
			a.notifier.CriticalFinding(ctx, finding)
		}
	}
}

// RunOnce executes one audit pass: chain-and-content verification over the
// trailing window, in ascending chronological order, plus any configured
// entity type sweeps. Returns the finding; the caller decides escalation
// (Run escalates critical findings automatically).
func (a *Auditor) RunOnce(ctx context.Context) (Finding, error) {
	a.mu.Lock()
	window := a.window
	globs := a.sweepGlobs
	a.mu.Unlock()

	end := time.Now().UTC()
	start := end.Add(-window)

	report, err := a.log.VerifyRange(ctx, start, end)
	if err != nil {
		return Finding{}, fmt.Errorf("verifying window: %w", err)
	}

	finding := Finding{
		WindowStart: start,
		WindowEnd:   end,
		Report:      report,
	}

	if len(globs) > 0 {
		finding.SweepFailures, err = a.sweep(ctx, globs)
		if err != nil {
			return Finding{}, err
		}
	}

	slog.Info("audit run complete",
		"window", window,
		"entries", report.TotalEntries,
		"verified", report.VerifiedEntries,
		"valid", report.Valid,
	)
	return finding, nil
}

// sweep runs a full-history content check over entries whose entity type
// matches any configured pattern. Content-only: entries of one entity type
// are interleaved with unrelated ones in the global chain, so linkage is
// not checked here.
func (a *Auditor) sweep(ctx context.Context, globs []glob.Glob) ([]string, error) {
	entries, err := a.log.Store().All(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading entries for sweep: %w", err)
	}

	verifier := a.log.Verifier()
	var failures []string
	for i := range entries {
		e := &entries[i]
		if !matchesAny(globs, e.EntityType) {
			continue
		}
		if !verifier.VerifyContent(e) {
			failures = append(failures, e.ID)
		}
	}
	return failures, nil
}

func matchesAny(globs []glob.Glob, s string) bool {
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}

func (a *Auditor) currentInterval() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interval
}
