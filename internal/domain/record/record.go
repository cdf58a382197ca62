package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dataguardlabs/dataguard/internal/domain/errors"
)

// Classification is the sensitivity label governing which DLP rules and
// retention policy apply to a record.
type Classification string

const (
	ClassificationPublic       Classification = "public"
	ClassificationInternal     Classification = "internal"
	ClassificationConfidential Classification = "confidential"
	ClassificationRestricted   Classification = "restricted"
)

// Valid reports whether c is one of the four known labels.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationPublic, ClassificationInternal,
		ClassificationConfidential, ClassificationRestricted:
		return true
	}
	return false
}

// Rank orders classifications from least to most sensitive.
func (c Classification) Rank() int {
	switch c {
	case ClassificationPublic:
		return 0
	case ClassificationInternal:
		return 1
	case ClassificationConfidential:
		return 2
	case ClassificationRestricted:
		return 3
	default:
		return -1
	}
}

// ProtectedRecord is a stored, encrypted payload together with its access
// grants and append-only audit events.
//
// Ciphertext, IntegrityHash and Classification are immutable after creation.
// Re-encryption means creating a new record and soft-deleting this one,
// never mutating in place.
type ProtectedRecord struct {
	ID             uuid.UUID      `json:"id"`
	OwnerID        string         `json:"owner_id"`
	DataType       string         `json:"data_type"`
	Classification Classification `json:"classification"`

	Ciphertext  []byte `json:"ciphertext"`
	WrappedKey  []byte `json:"-"` // never returned in listings
	AlgorithmID string `json:"algorithm_id"`
	MasterKeyID string `json:"master_key_id"`

	// IntegrityHash is the SHA-256 of the plaintext, computed before
	// encryption. Used for owner-scoped dedup and tamper evidence.
	IntegrityHash string `json:"integrity_hash"`

	RetentionPeriodDays int       `json:"retention_period_days"`
	RetentionExpiry     time.Time `json:"retention_expiry"`

	Grants []AccessGrant `json:"grants"`

	IsDeleted bool      `json:"is_deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Version is the optimistic-concurrency token used by stores to
	// implement per-record compare-and-swap.
	Version int64 `json:"version"`
}

// NewProtectedRecord creates a record from the output of a successful seal.
// All validation happens here; the struct is treated as immutable in the
// fields listed above once persisted.
func NewProtectedRecord(ownerID, dataType string, classification Classification, ciphertext, wrappedKey []byte, algorithmID, masterKeyID, integrityHash string, retentionDays int) (*ProtectedRecord, error) {
	if ownerID == "" {
		return nil, errors.NewValidationError("MISSING_OWNER_ID", "owner ID is required")
	}
	if dataType == "" {
		return nil, errors.NewValidationError("MISSING_DATA_TYPE", "data type is required")
	}
	if !classification.Valid() {
		return nil, errors.NewValidationError("INVALID_CLASSIFICATION",
			fmt.Sprintf("unknown classification %q", classification))
	}
	if len(ciphertext) == 0 {
		return nil, errors.NewValidationError("MISSING_CIPHERTEXT", "ciphertext is required")
	}
	if len(wrappedKey) == 0 {
		return nil, errors.NewValidationError("MISSING_WRAPPED_KEY", "wrapped key is required")
	}
	if integrityHash == "" {
		return nil, errors.NewValidationError("MISSING_INTEGRITY_HASH", "integrity hash is required")
	}
	if retentionDays <= 0 {
		return nil, errors.NewValidationError("INVALID_RETENTION",
			"retention period days must be positive")
	}

	now := time.Now().UTC()
	return &ProtectedRecord{
		ID:                  uuid.New(),
		OwnerID:             ownerID,
		DataType:            dataType,
		Classification:      classification,
		Ciphertext:          ciphertext,
		WrappedKey:          wrappedKey,
		AlgorithmID:         algorithmID,
		MasterKeyID:         masterKeyID,
		IntegrityHash:       integrityHash,
		RetentionPeriodDays: retentionDays,
		RetentionExpiry:     now.AddDate(0, 0, retentionDays),
		Grants:              []AccessGrant{},
		CreatedAt:           now,
		UpdatedAt:           now,
		Version:             1,
	}, nil
}

// IsOwner reports whether actorID owns the record. The owner is implicit
// and never enumerated as a grant.
func (r *ProtectedRecord) IsOwner(actorID string) bool {
	return actorID != "" && actorID == r.OwnerID
}

// ActiveGrantsFor returns the non-expired grants held by granteeId at now.
// Multiple grants for the same grantee coexist and are returned independently.
func (r *ProtectedRecord) ActiveGrantsFor(granteeID string, now time.Time) []AccessGrant {
	var out []AccessGrant
	for _, g := range r.Grants {
		if g.GranteeID == granteeID && !g.Expired(now) {
			out = append(out, g)
		}
	}
	return out
}

// SoftDelete marks the record deleted without touching ciphertext or grants.
func (r *ProtectedRecord) SoftDelete() {
	r.IsDeleted = true
	r.UpdatedAt = time.Now().UTC()
}

// Clone returns a deep copy suitable for copy-on-write store semantics.
func (r *ProtectedRecord) Clone() *ProtectedRecord {
	clone := *r
	clone.Ciphertext = append([]byte(nil), r.Ciphertext...)
	clone.WrappedKey = append([]byte(nil), r.WrappedKey...)
	clone.Grants = make([]AccessGrant, len(r.Grants))
	for i, g := range r.Grants {
		clone.Grants[i] = g.clone()
	}
	return &clone
}
