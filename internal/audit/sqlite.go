package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/google/uuid"
)

// tsLayout is the persisted timestamp representation: fixed-width RFC 3339
// with nanoseconds, always UTC. Fixed width keeps lexicographic order equal
// to chronological order, so SQLite text comparisons on ts are correct.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore is the durable Entry Store backed by SQLite
// (github.com/glebarez/go-sqlite, pure Go, no cgo).
//
// Creation order is the rowid sequence: seq is an AUTOINCREMENT primary key
// assigned at insert, so "most recent by creation order" is simply MAX(seq).
// WAL mode is used so verification reads never block the append path.
type SQLiteStore struct {
	db *sql.DB
	q  dbtx
}

// dbtx is the querying surface shared by *sql.DB and *sql.Conn, so the store
// methods run identically outside and inside InTx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLite opens (or creates) the entry store database at path.
// Creates the entries table and indexes if they don't exist.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening entry store %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq            INTEGER PRIMARY KEY AUTOINCREMENT,
			id             TEXT NOT NULL UNIQUE,
			event_type     TEXT NOT NULL,
			entity_type    TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			user_id        TEXT NOT NULL DEFAULT '',
			ts             TEXT NOT NULL,
			before_state   TEXT NOT NULL DEFAULT 'null',
			after_state    TEXT NOT NULL DEFAULT 'null',
			metadata       TEXT NOT NULL DEFAULT 'null',
			correlation_id TEXT NOT NULL,
			content_hash   TEXT NOT NULL,
			chain_hash     TEXT NOT NULL DEFAULT '',
			ip_hash        TEXT NOT NULL DEFAULT '',
			user_agent     TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_entity ON entries(entity_type, entity_id);
		CREATE INDEX IF NOT EXISTS idx_correlation ON entries(correlation_id);
		CREATE INDEX IF NOT EXISTS idx_ts ON entries(ts);
		CREATE INDEX IF NOT EXISTS idx_event_type ON entries(event_type);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating entry store schema: %w", err)
	}

	return &SQLiteStore{db: db, q: db}, nil
}

// InTx runs fn against a view of the store inside a single transaction,
// committing when fn returns nil and rolling back otherwise. BEGIN IMMEDIATE
// takes the database write lock up front, so a chain tail read inside fn
// cannot go stale before fn's writes commit — including against writers in
// other processes sharing the same file.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(Store) error) error {
	if _, ok := s.q.(*sql.DB); !ok {
		// Already inside a transaction.
		return fn(s)
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("starting store transaction: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return fmt.Errorf("starting store transaction: %w", err)
	}

	txErr := fn(&SQLiteStore{db: s.db, q: conn})
	if txErr == nil {
		_, err := conn.ExecContext(ctx, `COMMIT`)
		if err == nil {
			return nil
		}
		txErr = fmt.Errorf("committing store transaction: %w", err)
	}

	// Roll back with a fresh context so a canceled ctx cannot leave the
	// write lock held on the pooled connection.
	conn.ExecContext(context.WithoutCancel(ctx), `ROLLBACK`)
	return txErr
}

// Create persists a new entry, assigning its id and timestamp.
// The chain hash column stays empty until AttachChainHash.
func (s *SQLiteStore) Create(ctx context.Context, fields CreateFields) (*Entry, error) {
	ts := fields.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	e := &Entry{
		ID:            uuid.NewString(),
		EventType:     fields.EventType,
		EntityType:    fields.EntityType,
		EntityID:      fields.EntityID,
		UserID:        fields.UserID,
		Timestamp:     ts.UTC(),
		BeforeState:   fields.BeforeState,
		AfterState:    fields.AfterState,
		Metadata:      fields.Metadata,
		CorrelationID: fields.CorrelationID,
		ContentHash:   fields.ContentHash,
		IPAddressHash: fields.IPAddressHash,
		UserAgent:     fields.UserAgent,
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO entries (id, event_type, entity_type, entity_id, user_id, ts,
		                      before_state, after_state, metadata, correlation_id,
		                      content_hash, chain_hash, ip_hash, user_agent)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?, ?)`,
		e.ID, string(e.EventType), e.EntityType, e.EntityID, e.UserID,
		e.Timestamp.Format(tsLayout),
		marshalState(e.BeforeState), marshalState(e.AfterState), marshalState(e.Metadata),
		e.CorrelationID, e.ContentHash, e.IPAddressHash, e.UserAgent,
	)
	if err != nil {
		return nil, fmt.Errorf("creating audit entry: %w", err)
	}

	return e, nil
}

// AttachChainHash sets the chain hash on a stored entry, exactly once.
// The WHERE chain_hash = '' guard enforces the single-transition rule at
// the storage layer, not just in the linker.
func (s *SQLiteStore) AttachChainHash(ctx context.Context, id, chainHash string) error {
	res, err := s.q.ExecContext(ctx,
		`UPDATE entries SET chain_hash = ? WHERE id = ? AND chain_hash = ''`,
		chainHash, id,
	)
	if err != nil {
		return fmt.Errorf("attaching chain hash to %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("attaching chain hash to %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	// Nothing updated — distinguish "unknown id" from "already linked".
	var existing string
	err = s.q.QueryRowContext(ctx, `SELECT chain_hash FROM entries WHERE id = ?`, id).Scan(&existing)
	if err == sql.ErrNoRows {
		return fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("attaching chain hash to %s: %w", id, err)
	}
	return fmt.Errorf("entry %s: %w", id, ErrAlreadyLinked)
}

// MostRecent returns the most recently created entry, or nil if empty.
func (s *SQLiteStore) MostRecent(ctx context.Context) (*Entry, error) {
	rows, err := s.q.QueryContext(ctx, selectColumns+` ORDER BY seq DESC LIMIT 1`)
	if err != nil {
		return nil, fmt.Errorf("reading chain tail: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// Prev returns the entry created immediately before the one with the given
// id, nil if that entry is the first in the log.
func (s *SQLiteStore) Prev(ctx context.Context, id string) (*Entry, error) {
	var seq int64
	err := s.q.QueryRowContext(ctx, `SELECT seq FROM entries WHERE id = ?`, id).Scan(&seq)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("locating entry %s: %w", id, err)
	}

	rows, err := s.q.QueryContext(ctx,
		selectColumns+` WHERE seq < ? ORDER BY seq DESC LIMIT 1`, seq)
	if err != nil {
		return nil, fmt.Errorf("reading predecessor of %s: %w", id, err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// RangeByTimestamp returns entries with start <= ts < end, ascending by
// creation order.
func (s *SQLiteStore) RangeByTimestamp(ctx context.Context, start, end time.Time) ([]Entry, error) {
	rows, err := s.q.QueryContext(ctx,
		selectColumns+` WHERE ts >= ? AND ts < ? ORDER BY seq ASC`,
		start.UTC().Format(tsLayout), end.UTC().Format(tsLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("querying time range: %w", err)
	}
	return scanEntries(rows)
}

// ByIDs returns the entries for the given ids in ascending creation order.
// Unknown ids are absent from the result.
func (s *SQLiteStore) ByIDs(ctx context.Context, ids []string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.q.QueryContext(ctx,
		selectColumns+` WHERE id IN (`+placeholders+`) ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries by id: %w", err)
	}
	return scanEntries(rows)
}

// ByEntity returns all entries for one entity in ascending creation order.
func (s *SQLiteStore) ByEntity(ctx context.Context, entityType, entityID string) ([]Entry, error) {
	rows, err := s.q.QueryContext(ctx,
		selectColumns+` WHERE entity_type = ? AND entity_id = ? ORDER BY seq ASC`,
		entityType, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying entries for %s/%s: %w", entityType, entityID, err)
	}
	return scanEntries(rows)
}

// Query returns entries matching the given filters, most recent first.
func (s *SQLiteStore) Query(ctx context.Context, params QueryParams) ([]Entry, error) {
	query := selectColumns + ` WHERE 1=1`
	var args []any

	if params.EntityType != "" {
		query += " AND entity_type = ?"
		args = append(args, params.EntityType)
	}
	if params.EntityID != "" {
		query += " AND entity_id = ?"
		args = append(args, params.EntityID)
	}
	if params.EventType != "" {
		query += " AND event_type = ?"
		args = append(args, string(params.EventType))
	}
	if params.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, params.UserID)
	}
	if params.CorrelationID != "" {
		query += " AND correlation_id = ?"
		args = append(args, params.CorrelationID)
	}
	if !params.Since.IsZero() {
		query += " AND ts >= ?"
		args = append(args, params.Since.UTC().Format(tsLayout))
	}

	query += " ORDER BY seq DESC"

	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	return scanEntries(rows)
}

// Tail returns the n most recently created entries, most recent first.
func (s *SQLiteStore) Tail(ctx context.Context, n int) ([]Entry, error) {
	return s.Query(ctx, QueryParams{Limit: n})
}

// All returns every entry in ascending creation order.
func (s *SQLiteStore) All(ctx context.Context) ([]Entry, error) {
	rows, err := s.q.QueryContext(ctx, selectColumns+` ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("reading all entries: %w", err)
	}
	return scanEntries(rows)
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT id, event_type, entity_type, entity_id, user_id, ts,
	before_state, after_state, metadata, correlation_id,
	content_hash, chain_hash, ip_hash, user_agent FROM entries`

// scanEntries drains rows into entries, closing rows when done.
func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var ts, before, after, metadata string
		err := rows.Scan(
			&e.ID, &e.EventType, &e.EntityType, &e.EntityID, &e.UserID, &ts,
			&before, &after, &metadata, &e.CorrelationID,
			&e.ContentHash, &e.ChainHash, &e.IPAddressHash, &e.UserAgent,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}

		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("entry %s: parsing timestamp %q: %w", e.ID, ts, err)
		}
		e.BeforeState = unmarshalState(before)
		e.AfterState = unmarshalState(after)
		e.Metadata = unmarshalState(metadata)

		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// marshalState serializes a snapshot for storage. Absent snapshots are
// stored as the literal "null" so the stored text matches the hashing
// canonicalization exactly.
func marshalState(m map[string]any) string {
	if m == nil {
		return "null"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "unserializable"
	}
	return string(data)
}

// unmarshalState parses a stored snapshot. "null" round-trips to nil.
func unmarshalState(s string) map[string]any {
	if s == "" || s == "null" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
