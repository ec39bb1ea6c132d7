package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Linker turns append requests into durably stored, chained entries.
//
// "Read the current chain tail, compute, attach" is a read-modify-write over
// a single shared resource — the tail of the chain — and two interleaved
// appends would both read the same predecessor hash and silently fork the
// chain. The whole append path therefore runs inside one store transaction
// that holds the write lock from the tail read to the chain-hash attach, so
// the tail cannot advance underneath an in-flight append even when other
// handles or processes share the same store file. The mutex additionally
// serializes appends from this process, so goroutines queue here instead of
// contending on the store's lock. Verification is read-only and needs no
// locking.
type Linker struct {
	mu    sync.Mutex
	store Store
}

// NewLinker creates a linker over the given entry store.
func NewLinker(store Store) *Linker {
	return &Linker{store: store}
}

// Append validates the request, persists a new entry, and extends the hash
// chain. On success the returned entry is fully chained: content hash and
// chain hash both set.
//
// Failure semantics: a failed append rolls the transaction back and records
// nothing; the caller may retry. A half-linked entry — content hash set,
// chain hash absent — can still exist at the tail (a crash in a store
// without transactional writes, data written by an older version); the next
// append repairs it before extending.
func (l *Linker) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Snapshots are normalized through their JSON encoding before hashing,
	// so the value hashed here is identical to the value later reloaded
	// from the store. Hashing the caller's live map would bake in types a
	// JSON round trip cannot preserve (int64 above 2^53, struct values)
	// and the entry would fail content verification untampered.
	before, err := normalizeState(req.BeforeState)
	if err != nil {
		return nil, fmt.Errorf("%w: before state: %v", ErrInvalidInput, err)
	}
	after, err := normalizeState(req.AfterState)
	if err != nil {
		return nil, fmt.Errorf("%w: after state: %v", ErrInvalidInput, err)
	}
	metadata, err := normalizeState(req.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidInput, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var entry *Entry
	err = l.store.InTx(ctx, func(tx Store) error {
		prevChain, err := l.tailChain(ctx, tx)
		if err != nil {
			return err
		}

		// Timestamps are stamped here, inside the critical section, so
		// they are monotonically increasing in chain order.
		ts := time.Now().UTC()

		correlationID := req.CorrelationID
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		contentHash := ContentHash(req.EventType, req.EntityType, req.EntityID, ts,
			before, after, metadata)

		e, err := tx.Create(ctx, CreateFields{
			EventType:     req.EventType,
			EntityType:    req.EntityType,
			EntityID:      req.EntityID,
			UserID:        req.UserID,
			Timestamp:     ts,
			BeforeState:   before,
			AfterState:    after,
			Metadata:      metadata,
			CorrelationID: correlationID,
			ContentHash:   contentHash,
			IPAddressHash: HashIP(req.ClientIP),
			UserAgent:     req.UserAgent,
		})
		if err != nil {
			return fmt.Errorf("appending audit entry: %w", err)
		}

		chainHash := ChainHash(e.ID, e.EventType, e.EntityType,
			e.EntityID, e.Timestamp, e.ContentHash, prevChain)

		if err := tx.AttachChainHash(ctx, e.ID, chainHash); err != nil {
			return fmt.Errorf("linking audit entry %s: %w", e.ID, err)
		}

		e.ChainHash = chainHash
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// tailChain reads the chain hash of the current tail inside the append
// transaction, repairing a half-linked tail left behind by a crash between
// create and attach. The tail is always read from the store, never cached:
// another handle on the same store may have extended the chain since this
// linker's last append.
func (l *Linker) tailChain(ctx context.Context, tx Store) (string, error) {
	tail, err := tx.MostRecent(ctx)
	if err != nil {
		return "", fmt.Errorf("reading chain tail: %w", err)
	}

	switch {
	case tail == nil:
		// Empty log: the first entry chains from the sentinel.
		return ChainSentinel, nil
	case tail.Linked():
		return tail.ChainHash, nil
	}
	return l.repairTail(ctx, tx, tail)
}

// repairTail attaches the missing chain hash to a half-linked tail entry.
// Serialized appends repair the tail before extending, so at most one
// trailing entry can be half-linked; a longer unlinked run means the store
// was modified outside this engine and is refused.
func (l *Linker) repairTail(ctx context.Context, tx Store, tail *Entry) (string, error) {
	recent, err := tx.Tail(ctx, 2)
	if err != nil {
		return "", fmt.Errorf("reading chain tail predecessor: %w", err)
	}

	prevChain := ChainSentinel
	if len(recent) > 1 {
		prev := recent[1]
		if !prev.Linked() {
			return "", fmt.Errorf("entry %s: unlinked run at chain tail, refusing to extend", prev.ID)
		}
		prevChain = prev.ChainHash
	}

	chainHash := ChainHash(tail.ID, tail.EventType, tail.EntityType,
		tail.EntityID, tail.Timestamp, tail.ContentHash, prevChain)

	if err := tx.AttachChainHash(ctx, tail.ID, chainHash); err != nil {
		return "", fmt.Errorf("repairing half-linked entry %s: %w", tail.ID, err)
	}

	slog.Info("repaired half-linked chain tail", "id", tail.ID)
	return chainHash, nil
}
