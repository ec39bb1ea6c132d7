// Package audit implements the tamper-evident, append-only audit engine.
//
// Every recorded decision becomes an Entry with two digests: a content hash
// over the entry's own fields, and a chain hash that also covers the
// previous entry's chain hash. Together they make the log tamper-evident:
// altering a stored record breaks its content hash, and inserting, removing,
// or reordering records breaks the chain from that point forward.
//
// The package is organized around four pieces:
//
//   - hash.go:     pure digest computation over canonicalized fields
//   - store.go:    the durable Entry Store contract (sqlite.go implements it)
//   - linker.go:   the serialized append path that extends the chain
//   - verifier.go: read-only recomputation and tamper localization
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// ChainSentinel is the fixed placeholder used as "previous chain hash" for
// the very first entry in the log's lifetime. It is a reserved string, never
// a real digest.
const ChainSentinel = "sha256:genesis"

// ContentHash computes the integrity digest over an entry's own immutable
// fields. The inputs are canonicalized into one deterministic serialization
// (fixed field order, RFC 3339 UTC timestamp, the literal "null" for absent
// structured fields) so that two logically identical entries always hash
// identically and any single-bit change in any field changes the digest.
//
// Returns a prefixed hash string: "sha256:<hex>".
func ContentHash(eventType EventType, entityType, entityID string, ts time.Time, before, after, metadata map[string]any) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s",
		eventType, entityType, entityID,
		canonicalTime(ts),
		canonicalJSON(before), canonicalJSON(after), canonicalJSON(metadata))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// ChainHash computes the linkage digest for an entry. It covers the entry's
// identity, its content hash, and the previous entry's chain hash (or
// ChainSentinel for the first entry), so tampering anywhere upstream changes
// every downstream chain hash.
func ChainHash(id string, eventType EventType, entityType, entityID string, ts time.Time, contentHash, prevChainHash string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s",
		id, eventType, entityType, entityID,
		canonicalTime(ts),
		contentHash, prevChainHash)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}

// HashIP irreversibly hashes a client IP address for storage. The raw
// address is never persisted or logged.
func HashIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// canonicalTime renders a timestamp in the single representation used for
// hashing: RFC 3339 with nanoseconds, always UTC.
func canonicalTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

// normalizeState rewrites a snapshot through its JSON encoding.
// encoding/json decodes every number as float64 and every nested value as a
// map, so a snapshot normalized before hashing serializes to the same bytes
// as the same snapshot reloaded from the store. Nil stays nil.
func normalizeState(m map[string]any) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// canonicalJSON serializes a structured snapshot deterministically.
// encoding/json sorts map keys, so map-based state always marshals to the
// same bytes. Absent snapshots canonicalize to the literal "null".
func canonicalJSON(m map[string]any) string {
	if m == nil {
		return "null"
	}
	data, err := json.Marshal(m)
	if err != nil {
		// Snapshots come from json-decoded or literal map values, which
		// always marshal. Fall back to a fixed marker rather than panic.
		return "unserializable"
	}
	return string(data)
}
