package audit

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dataguardlabs/dataguard/internal/domain/errors"
)

// EventType identifies what happened to a record or rule.
type EventType string

const (
	EventRecordCreated    EventType = "record.created"
	EventRecordAccessed   EventType = "record.accessed"
	EventRecordShared     EventType = "record.shared"
	EventGrantRevoked     EventType = "record.grant_revoked"
	EventRecordDeleted    EventType = "record.deleted"
	EventRecordResealed   EventType = "record.resealed"
	EventAccessDenied     EventType = "security.access_denied"
	EventDLPBlocked       EventType = "security.dlp_blocked"
	EventDecryptionFailed EventType = "security.decryption_failed"
	EventRuleCreated      EventType = "rule.created"
	EventRuleUpdated      EventType = "rule.updated"
	EventMasterKeyRotated EventType = "crypto.master_key_rotated"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventRecordCreated, EventRecordAccessed, EventRecordShared,
		EventGrantRevoked, EventRecordDeleted, EventRecordResealed,
		EventAccessDenied, EventDLPBlocked, EventDecryptionFailed,
		EventRuleCreated, EventRuleUpdated, EventMasterKeyRotated:
		return true
	}
	return false
}

// SecurityRelevant reports whether the event type documents a denial,
// block or tamper signal rather than ordinary record activity.
func (t EventType) SecurityRelevant() bool {
	switch t {
	case EventAccessDenied, EventDLPBlocked, EventDecryptionFailed:
		return true
	}
	return false
}

// Outcome is the result of the audited action.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeDenied  Outcome = "denied"
	OutcomeFailure Outcome = "failure"
)

func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomeDenied || o == OutcomeFailure
}

// Event is an immutable, append-only audit log entry keyed by record id.
// There is no update or delete operation on this entity; tampering is
// detectable through the per-record hash chain.
type Event struct {
	ID        uuid.UUID `json:"id"`
	RecordID  uuid.UUID `json:"record_id"`
	Timestamp time.Time `json:"timestamp"`

	Type    EventType `json:"type"`
	ActorID string    `json:"actor_id"`
	Action  string    `json:"action"`
	Outcome Outcome   `json:"outcome"`

	// Context carries opaque request attributes (ip, userAgent,
	// departmentId, ...) copied from the triggering call.
	Context map[string]string `json:"context,omitempty"`

	PreviousHash string `json:"previous_hash"`
	EventHash    string `json:"event_hash"`

	sealed bool
}

// NewEvent builds an event with validation in the constructor. The event is
// mutable until Seal links it into the record's hash chain.
func NewEvent(recordID uuid.UUID, eventType EventType, actorID, action string, outcome Outcome) (*Event, error) {
	if recordID == uuid.Nil {
		return nil, errors.NewValidationError("MISSING_RECORD_ID", "record ID is required")
	}
	if !eventType.Valid() {
		return nil, errors.NewValidationError("INVALID_EVENT_TYPE",
			fmt.Sprintf("unknown event type %q", eventType))
	}
	if actorID == "" {
		return nil, errors.NewValidationError("MISSING_ACTOR_ID", "actor ID is required")
	}
	if action == "" {
		return nil, errors.NewValidationError("MISSING_ACTION", "action is required")
	}
	if !outcome.Valid() {
		return nil, errors.NewValidationError("INVALID_OUTCOME",
			fmt.Sprintf("unknown outcome %q", outcome))
	}

	return &Event{
		ID:       uuid.New(),
		RecordID: recordID,
		// Microsecond precision so the hash survives a round trip
		// through TIMESTAMPTZ, which does not keep nanoseconds.
		Timestamp: time.Now().UTC().Truncate(time.Microsecond),
		Type:      eventType,
		ActorID:   actorID,
		Action:    action,
		Outcome:   outcome,
		Context:   map[string]string{},
	}, nil
}

// WithContext copies ctx onto the event and returns it for chaining.
func (e *Event) WithContext(ctx map[string]string) *Event {
	for k, v := range ctx {
		e.Context[k] = v
	}
	return e
}

// Seal links the event to its predecessor and computes the event hash over
// the immutable fields. Further mutation attempts are rejected.
func (e *Event) Seal(previousHash string) (string, error) {
	if e.sealed {
		return "", errors.NewConflictError("event already sealed")
	}
	e.PreviousHash = previousHash

	hashData := map[string]interface{}{
		"id":            e.ID.String(),
		"record_id":     e.RecordID.String(),
		"timestamp":     e.Timestamp.UnixMicro(),
		"type":          string(e.Type),
		"actor_id":      e.ActorID,
		"action":        e.Action,
		"outcome":       string(e.Outcome),
		"previous_hash": e.PreviousHash,
	}
	jsonBytes, err := json.Marshal(hashData)
	if err != nil {
		return "", errors.NewInternalError("failed to marshal event hash data").WithCause(err)
	}

	sum := sha256.Sum256(jsonBytes)
	e.EventHash = fmt.Sprintf("%x", sum)
	e.sealed = true
	return e.EventHash, nil
}

// Sealed reports whether the event hash has been computed.
func (e *Event) Sealed() bool {
	return e.sealed
}

// recomputeHash recalculates the hash without mutating the event. Used by
// chain verification.
func (e *Event) recomputeHash() string {
	hashData := map[string]interface{}{
		"id":            e.ID.String(),
		"record_id":     e.RecordID.String(),
		"timestamp":     e.Timestamp.UnixMicro(),
		"type":          string(e.Type),
		"actor_id":      e.ActorID,
		"action":        e.Action,
		"outcome":       string(e.Outcome),
		"previous_hash": e.PreviousHash,
	}
	jsonBytes, err := json.Marshal(hashData)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(jsonBytes)
	return fmt.Sprintf("%x", sum)
}
