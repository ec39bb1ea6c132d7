package audit

import (
	"fmt"
	"time"
)

// EventType classifies what happened. The set is closed — Append rejects
// anything not listed here before touching storage.
type EventType string

const (
	EventStrategyCreated    EventType = "strategy_created"
	EventStrategyUpdated    EventType = "strategy_updated"
	EventStrategyDeleted    EventType = "strategy_deleted"
	EventDeploymentStarted  EventType = "deployment_started"
	EventDeploymentStopped  EventType = "deployment_stopped"
	EventRiskBreach         EventType = "risk_breach"
	EventManualIntervention EventType = "manual_intervention"
	EventConfigChange       EventType = "config_change"
	EventSystem             EventType = "system"
)

// eventTypes is the closed set used for append validation.
var eventTypes = map[EventType]bool{
	EventStrategyCreated:    true,
	EventStrategyUpdated:    true,
	EventStrategyDeleted:    true,
	EventDeploymentStarted:  true,
	EventDeploymentStopped:  true,
	EventRiskBreach:         true,
	EventManualIntervention: true,
	EventConfigChange:       true,
	EventSystem:             true,
}

// Valid reports whether t is a member of the closed event type set.
func (t EventType) Valid() bool {
	return eventTypes[t]
}

// Entry is a single audit log record. Every recorded decision carries two
// integrity guarantees:
//
//   - ContentHash covers the entry's own immutable fields and detects
//     in-place tampering of a single record.
//   - ChainHash additionally covers the previous entry's chain hash,
//     linking entries into a chain where inserting, removing, or reordering
//     any record breaks verification from that point on.
//
// An entry with an empty ChainHash is half-linked: it was durably created
// but the process stopped before the chain hash was attached. That is an
// expected transient state, not corruption — the Verifier classifies it as
// "not yet linked", never as tampered.
//
// All fields other than ChainHash are immutable from the moment Create
// returns. ChainHash transitions from empty to set exactly once.
type Entry struct {
	ID            string         `json:"id"`
	EventType     EventType      `json:"event_type"`
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	UserID        string         `json:"user_id,omitempty"` // empty = system-initiated
	Timestamp     time.Time      `json:"ts"`
	BeforeState   map[string]any `json:"before_state,omitempty"`
	AfterState    map[string]any `json:"after_state,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CorrelationID string         `json:"correlation_id"`
	ContentHash   string         `json:"content_hash"`
	ChainHash     string         `json:"chain_hash,omitempty"`
	IPAddressHash string         `json:"ip_address_hash,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
}

// Linked reports whether the entry's chain hash has been attached.
// A false result means the entry is half-linked (created, not yet chained).
func (e *Entry) Linked() bool {
	return e.ChainHash != ""
}

// AppendRequest is the caller-supplied input to Append. The store assigns
// ID and Timestamp; the linker computes both hashes.
type AppendRequest struct {
	EventType     EventType
	EntityType    string
	EntityID      string
	UserID        string
	BeforeState   map[string]any
	AfterState    map[string]any
	Metadata      map[string]any
	CorrelationID string // fresh random ID assigned when empty
	ClientIP      string // hashed before storage, never persisted raw
	UserAgent     string
}

// Validate rejects malformed append input before anything is persisted.
func (r *AppendRequest) Validate() error {
	if r.EventType == "" {
		return fmt.Errorf("%w: event type is required", ErrInvalidInput)
	}
	if !r.EventType.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidInput, r.EventType)
	}
	if r.EntityType == "" {
		return fmt.Errorf("%w: entity type is required", ErrInvalidInput)
	}
	if r.EntityID == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidInput)
	}
	return nil
}
