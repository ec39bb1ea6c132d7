package audit

import (
	"context"
	"errors"
	"time"
)

// Errors returned by the store and the append path. Tamper findings are
// never errors — they are data in the Verifier's reports.
var (
	// ErrInvalidInput marks an append request rejected before persistence.
	ErrInvalidInput = errors.New("invalid append input")

	// ErrNotFound is returned when a lookup matches no entry.
	ErrNotFound = errors.New("audit entry not found")

	// ErrAlreadyLinked is returned by AttachChainHash when the entry's
	// chain hash was already set. The chain hash transitions from absent
	// to set exactly once; a second attach is a bug in the caller.
	ErrAlreadyLinked = errors.New("chain hash already attached")
)

// CreateFields is the field set the store persists at entry creation.
// The store assigns ID and the entry's creation-order position; ChainHash
// is deliberately absent (attached later by the linker).
//
// Timestamp is stamped by the linker inside the append critical section —
// the content hash covers it, so it must exist before Create — and the
// serialization of that critical section is what makes assigned timestamps
// monotonically increasing. A zero Timestamp means "store assigns now".
type CreateFields struct {
	EventType     EventType
	EntityType    string
	EntityID      string
	UserID        string
	Timestamp     time.Time
	BeforeState   map[string]any
	AfterState    map[string]any
	Metadata      map[string]any
	CorrelationID string
	ContentHash   string
	IPAddressHash string
	UserAgent     string
}

// QueryParams filters entry listings. Zero values mean "no filter".
type QueryParams struct {
	EntityType    string
	EntityID      string
	EventType     EventType
	UserID        string
	CorrelationID string
	Since         time.Time
	Limit         int
}

// Store is the durable Entry Store the engine depends on. Implementations
// must key entries by creation order and keep creation-order reads
// consistent with timestamp order (timestamps are assigned under the same
// serialization as chain linking, so both orders agree).
//
// All read methods that return multiple entries return them in ascending
// creation order unless documented otherwise.
type Store interface {
	// Create persists a new entry with its content hash set and no chain
	// hash, assigning ID and Timestamp. Returns the stored entry.
	Create(ctx context.Context, fields CreateFields) (*Entry, error)

	// AttachChainHash sets the entry's chain hash. This is the single
	// permitted mutation of a stored entry, and it must succeed at most
	// once per entry (ErrAlreadyLinked on a second attempt, ErrNotFound
	// if the id is unknown).
	AttachChainHash(ctx context.Context, id, chainHash string) error

	// InTx runs fn against a view of the store inside one transaction,
	// committing when fn returns nil and rolling back otherwise. The
	// transaction must hold the store's write lock from the first read, so
	// a chain tail read inside fn cannot go stale before fn's writes
	// commit — regardless of other handles or processes sharing the store.
	InTx(ctx context.Context, fn func(Store) error) error

	// MostRecent returns the most recently created entry, or nil if the
	// log is empty.
	MostRecent(ctx context.Context) (*Entry, error)

	// Prev returns the entry created immediately before the one with the
	// given id, nil if that entry is the first in the log, or ErrNotFound
	// if the id is unknown.
	Prev(ctx context.Context, id string) (*Entry, error)

	// RangeByTimestamp returns entries with start <= ts < end.
	RangeByTimestamp(ctx context.Context, start, end time.Time) ([]Entry, error)

	// ByIDs returns the entries for the given ids. Unknown ids are
	// silently absent from the result.
	ByIDs(ctx context.Context, ids []string) ([]Entry, error)

	// ByEntity returns all entries concerning one specific entity.
	ByEntity(ctx context.Context, entityType, entityID string) ([]Entry, error)

	// Query returns entries matching the given filters, most recent first.
	Query(ctx context.Context, params QueryParams) ([]Entry, error)

	// Tail returns the n most recently created entries, most recent first.
	Tail(ctx context.Context, n int) ([]Entry, error)

	// All returns every entry in ascending creation order. Used by
	// whole-log verification and export.
	All(ctx context.Context) ([]Entry, error)

	// Close releases the store's resources.
	Close() error
}
