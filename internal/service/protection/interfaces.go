package protection

import (
	"context"

	"github.com/google/uuid"

	"github.com/dataguardlabs/dataguard/internal/domain/audit"
	"github.com/dataguardlabs/dataguard/internal/domain/record"
)

// RecordStore is the persistence contract for protected records and their
// embedded audit trail.
//
// The store must provide per-record atomic read-modify-write: concurrent
// UpdateRecord calls on the same record must serialize (CAS with retry or a
// per-record lock) so no grant or event append is lost. Events handed to the
// store are sealed into the record's hash chain and committed in the same
// atomic write as the state change they document.
//
// Stores surface outages as StoreUnavailable, the only retryable error class.
type RecordStore interface {
	// CreateRecord persists a new record together with its creation event.
	// It enforces owner-scoped content uniqueness: an active record with
	// the same owner and integrity hash fails with DuplicateContentError.
	CreateRecord(ctx context.Context, rec *record.ProtectedRecord, created *audit.Event) error

	// GetRecord loads a record by id, soft-deleted or not.
	GetRecord(ctx context.Context, id uuid.UUID) (*record.ProtectedRecord, error)

	// FindActiveByOwnerAndHash returns the active (non-deleted) record for
	// the owner with the given integrity hash, or ErrRecordNotFound.
	FindActiveByOwnerAndHash(ctx context.Context, ownerID, integrityHash string) (*record.ProtectedRecord, error)

	// UpdateRecord applies a mutation atomically. The closure receives a
	// private copy of the current record; the event it returns is sealed
	// onto the record's chain and committed together with the mutation.
	// A closure error aborts the write and is returned unchanged.
	UpdateRecord(ctx context.Context, id uuid.UUID, apply func(rec *record.ProtectedRecord) (*audit.Event, error)) (*record.ProtectedRecord, error)

	// ListRecords returns all records, for retention reporting and key
	// rotation sweeps.
	ListRecords(ctx context.Context) ([]*record.ProtectedRecord, error)

	// QueryEvents returns the record's audit events in chronological
	// order. There is no mutation API for events.
	QueryEvents(ctx context.Context, recordID uuid.UUID) ([]*audit.Event, error)
}
