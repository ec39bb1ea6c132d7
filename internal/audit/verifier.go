package audit

import (
	"context"
	"fmt"
)

// OneResult is the outcome of verifying a single entry in isolation.
type OneResult struct {
	ContentValid bool `json:"content_valid"`
	LinkValid    bool `json:"link_valid"`
}

// ChainReport is the outcome of a chain walk over an ordered entry
// sequence. TamperedEntries collects every entry whose linkage failed, not
// just the first — one verification pass surfaces every inconsistency on
// record.
type ChainReport struct {
	Valid           bool     `json:"valid"`
	TotalEntries    int      `json:"total_entries"`
	VerifiedEntries int      `json:"verified_entries"`
	BrokenChainAt   *int     `json:"broken_chain_at"` // index of the first broken link, nil if none
	TamperedEntries []string `json:"tampered_entries"`
}

// MultiReport is the outcome of independent content-only spot checks over
// an arbitrary id set.
type MultiReport struct {
	Verified int      `json:"verified"`
	Failed   []string `json:"failed"`
}

// FullReport combines a chain walk with a content pass over every entry.
// TamperedEntries holds linkage failures, IntegrityFailures content
// failures; Valid is true only when both passes are clean.
type FullReport struct {
	ChainReport
	IntegrityFailures []string `json:"integrity_failures"`
}

// Verifier recomputes hashes over stored entries and compares them against
// the stored values. It is strictly read-only and never returns an error
// for a tamper finding — tampering is a reportable result, not a fault.
// Only storage access can fail.
//
// Verification is safe under any amount of concurrency; nothing here takes
// a lock.
type Verifier struct {
	store Store
}

// NewVerifier creates a verifier reading from the given entry store.
func NewVerifier(store Store) *Verifier {
	return &Verifier{store: store}
}

// VerifyContent recomputes the entry's content hash from its stored fields
// and compares it to the stored value.
func (v *Verifier) VerifyContent(e *Entry) bool {
	expected := ContentHash(e.EventType, e.EntityType, e.EntityID, e.Timestamp,
		e.BeforeState, e.AfterState, e.Metadata)
	return e.ContentHash == expected
}

// VerifyLink recomputes the entry's chain hash from its own fields plus the
// predecessor's stored chain hash (or the sentinel when prev is nil) and
// compares it to the stored value.
//
// A half-linked entry (no chain hash yet) is trivially valid: "not yet
// linked" is an expected transient state, distinct from a failed link.
func (v *Verifier) VerifyLink(e, prev *Entry) bool {
	if !e.Linked() {
		return true
	}

	prevChain := ChainSentinel
	if prev != nil {
		prevChain = prev.ChainHash
	}

	expected := ChainHash(e.ID, e.EventType, e.EntityType, e.EntityID,
		e.Timestamp, e.ContentHash, prevChain)
	return e.ChainHash == expected
}

// VerifyChain walks an ordered sequence and checks every link. An empty
// sequence is trivially valid.
//
// Two rules per entry decide linkage:
//
//  1. The entry's stored chain hash must match a recomputation from its own
//     fields plus its predecessor's stored chain hash (sentinel for the
//     first entry).
//  2. An entry whose predecessor failed rule 1 is also flagged: its link
//     references a chain hash the predecessor would no longer produce.
//
// A broken link does not stop the walk. Every subsequent entry is still
// checked against its own stored predecessor hash — never a corrected one —
// so the report reflects exactly what is on record, and independent
// tampering later in the sequence is localized separately.
//
// Unlinked entries are never failures; when the predecessor is unlinked the
// entry's own link check is skipped too, since there is no predecessor
// chain hash on record to check against.
func (v *Verifier) VerifyChain(entries []Entry) ChainReport {
	report := ChainReport{
		Valid:        true,
		TotalEntries: len(entries),
	}

	prevSelfFailed := false
	for i := range entries {
		e := &entries[i]

		var prev *Entry
		if i > 0 {
			prev = &entries[i-1]
		}

		selfFailed := false
		switch {
		case !e.Linked():
			// Half-linked: not a failure, nothing to check.
		case prev != nil && !prev.Linked():
			// No predecessor chain hash on record; skip.
		default:
			selfFailed = !v.VerifyLink(e, prev)
		}

		if selfFailed || prevSelfFailed {
			report.Valid = false
			report.TamperedEntries = append(report.TamperedEntries, e.ID)
			if report.BrokenChainAt == nil {
				at := i
				report.BrokenChainAt = &at
			}
		} else {
			report.VerifiedEntries++
		}

		prevSelfFailed = selfFailed
	}

	return report
}

// VerifyMultiple runs an independent content-only check over an arbitrary,
// possibly non-contiguous id set. No chain linkage is checked — this is the
// spot-check operation, not a sequence audit.
//
// Ids with no stored entry are reported as failed: the log is append-only,
// so a missing entry is itself a finding.
func (v *Verifier) VerifyMultiple(ctx context.Context, ids []string) (MultiReport, error) {
	entries, err := v.store.ByIDs(ctx, ids)
	if err != nil {
		return MultiReport{}, fmt.Errorf("fetching entries for verification: %w", err)
	}

	found := make(map[string]*Entry, len(entries))
	for i := range entries {
		found[entries[i].ID] = &entries[i]
	}

	var report MultiReport
	for _, id := range ids {
		e, ok := found[id]
		if !ok || !v.VerifyContent(e) {
			report.Failed = append(report.Failed, id)
			continue
		}
		report.Verified++
	}
	return report, nil
}

// VerifyChainAndContent runs a full chain walk plus a content check over
// every entry, reporting linkage failures and content failures separately.
func (v *Verifier) VerifyChainAndContent(entries []Entry) FullReport {
	report := FullReport{
		ChainReport: v.VerifyChain(entries),
	}

	for i := range entries {
		if !v.VerifyContent(&entries[i]) {
			report.IntegrityFailures = append(report.IntegrityFailures, entries[i].ID)
		}
	}

	report.Valid = report.ChainReport.Valid && len(report.IntegrityFailures) == 0
	return report
}

// VerifyOne verifies a single entry's content hash and its link to its true
// global predecessor, fetched from the store by creation order.
func (v *Verifier) VerifyOne(ctx context.Context, e *Entry) (OneResult, error) {
	prev, err := v.store.Prev(ctx, e.ID)
	if err != nil {
		return OneResult{}, fmt.Errorf("fetching predecessor of %s: %w", e.ID, err)
	}

	return OneResult{
		ContentValid: v.VerifyContent(e),
		LinkValid:    v.VerifyLink(e, prev),
	}, nil
}
