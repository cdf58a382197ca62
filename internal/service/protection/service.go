// Package protection is the engine's public surface: it screens submissions
// with the DLP rule engine, seals accepted payloads in the crypto vault,
// and controls later access under owner and grant authorization, recording
// every decision in the record's append-only audit trail.
package protection

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dataguardlabs/dataguard/internal/access"
	"github.com/dataguardlabs/dataguard/internal/crypto"
	"github.com/dataguardlabs/dataguard/internal/dlp"
	"github.com/dataguardlabs/dataguard/internal/domain/audit"
	"github.com/dataguardlabs/dataguard/internal/domain/errors"
	"github.com/dataguardlabs/dataguard/internal/domain/record"
	"github.com/dataguardlabs/dataguard/internal/metrics"
	"github.com/dataguardlabs/dataguard/internal/retention"
)

// Config tunes the service's retention defaults per classification.
type Config struct {
	// RetentionDays maps classification to retention period. Classes
	// without an entry fall back to DefaultRetentionDays.
	RetentionDays map[record.Classification]int

	// DefaultRetentionDays applies when no per-class period is set.
	DefaultRetentionDays int
}

func (c Config) retentionDays(class record.Classification) int {
	if days, ok := c.RetentionDays[class]; ok && days > 0 {
		return days
	}
	if c.DefaultRetentionDays > 0 {
		return c.DefaultRetentionDays
	}
	return 365
}

// Service orchestrates the vault, rule engine, access controller and record
// store. All operations are synchronous, bounded-time functions of their
// inputs plus the store; the service holds no mutable state of its own.
type Service struct {
	records RecordStore
	vault   *crypto.Vault
	engine  *dlp.Engine
	access  *access.Controller
	config  Config
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewService wires the engine components together.
func NewService(records RecordStore, vault *crypto.Vault, engine *dlp.Engine, accessCtl *access.Controller, cfg Config, logger *zap.Logger) *Service {
	return &Service{
		records: records,
		vault:   vault,
		engine:  engine,
		access:  accessCtl,
		config:  cfg,
		logger:  logger.Named("protection"),
		tracer:  otel.Tracer("dataguard/protection"),
	}
}

// SubmitResult acknowledges a stored submission.
type SubmitResult struct {
	RecordID        uuid.UUID `json:"record_id"`
	RetentionExpiry time.Time `json:"retention_expiry"`
}

// Submit screens the payload against the DLP rules for the candidate
// classification, encrypts it on success and persists a new protected
// record. A firing block rule aborts the call before any record is created.
// Identical owner plus content on an active record yields
// DuplicateContentError.
func (s *Service) Submit(ctx context.Context, ownerID string, classification record.Classification, plaintext []byte, dataType string, evalCtx dlp.Context) (*SubmitResult, error) {
	ctx, span := s.tracer.Start(ctx, "Submit",
		trace.WithAttributes(attribute.String("classification", string(classification))))
	defer span.End()

	if ownerID == "" {
		return nil, errors.NewValidationError("MISSING_OWNER_ID", "owner ID is required")
	}
	if dataType == "" {
		return nil, errors.NewValidationError("MISSING_DATA_TYPE", "data type is required")
	}
	if !classification.Valid() {
		return nil, errors.NewValidationError("INVALID_CLASSIFICATION",
			"unknown classification "+string(classification))
	}
	if len(plaintext) == 0 {
		return nil, errors.NewValidationError("EMPTY_PLAINTEXT", "plaintext must not be empty")
	}

	evalCtx = s.scopedContext(evalCtx, ownerID, dataType)

	evaluation, err := s.engine.Evaluate(ctx, string(plaintext), evalCtx, classification)
	if err != nil {
		metrics.Submissions.WithLabelValues("error").Inc()
		return nil, err
	}
	if evaluation.Blocked() {
		blocking := evaluation.BlockingRule()
		s.logger.Warn("submission blocked by DLP rule",
			zap.String("owner_id", ownerID),
			zap.String("rule_id", blocking.RuleID.String()),
			zap.String("rule_name", blocking.RuleName))
		metrics.Submissions.WithLabelValues("blocked").Inc()
		return nil, errors.NewDLPBlockedError(blocking.RuleID.String(), blocking.RuleName, string(blocking.Action))
	}

	integrityHash := crypto.IntegrityHash(plaintext)
	if existing, err := s.records.FindActiveByOwnerAndHash(ctx, ownerID, integrityHash); err == nil {
		metrics.Submissions.WithLabelValues("duplicate").Inc()
		return nil, errors.NewDuplicateContentError(existing.ID.String())
	} else if !errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil, err
	}

	sealStart := time.Now()
	sealed, err := s.vault.Seal(plaintext, classification)
	if err != nil {
		metrics.Submissions.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SealDuration.Observe(time.Since(sealStart).Seconds())

	rec, err := record.NewProtectedRecord(ownerID, dataType, classification,
		sealed.Ciphertext, sealed.WrappedKey, sealed.AlgorithmID, sealed.MasterKeyID,
		sealed.IntegrityHash, s.config.retentionDays(classification))
	if err != nil {
		return nil, err
	}

	created, err := audit.NewEvent(rec.ID, audit.EventRecordCreated, ownerID, "submit", audit.OutcomeSuccess)
	if err != nil {
		return nil, err
	}
	created.WithContext(evalCtx.StringMap())

	if err := s.records.CreateRecord(ctx, rec, created); err != nil {
		if errors.IsType(err, errors.ErrorTypeConflict) {
			metrics.Submissions.WithLabelValues("duplicate").Inc()
		} else {
			metrics.Submissions.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	s.logger.Info("record created",
		zap.String("record_id", rec.ID.String()),
		zap.String("classification", string(classification)),
		zap.String("algorithm", rec.AlgorithmID))
	metrics.Submissions.WithLabelValues("stored").Inc()

	return &SubmitResult{RecordID: rec.ID, RetentionExpiry: rec.RetentionExpiry}, nil
}

// Retrieve authorizes the actor, decrypts the payload and appends the
// access to the record's audit trail. Denials and decryption failures are
// audited as security events.
func (s *Service) Retrieve(ctx context.Context, recordID uuid.UUID, actorID string, evalCtx dlp.Context) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "Retrieve",
		trace.WithAttributes(attribute.String("record_id", recordID.String())))
	defer span.End()

	rec, err := s.records.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted {
		return nil, errors.ErrRecordNotFound
	}

	if !s.access.Authorize(rec, actorID, record.PermissionRead, time.Now().UTC()) {
		s.auditDenied(ctx, recordID, actorID, "retrieve", evalCtx)
		return nil, errors.NewAuthorizationError("actor may not read this record")
	}

	openStart := time.Now()
	plaintext, err := s.vault.Open(rec.Ciphertext, rec.WrappedKey, rec.AlgorithmID, rec.MasterKeyID, rec.Classification)
	if err != nil {
		// Fatal for this read: never retried against the same
		// ciphertext, always audited.
		s.auditSecurityFailure(ctx, recordID, actorID, "retrieve", audit.EventDecryptionFailed, evalCtx)
		return nil, err
	}
	metrics.OpenDuration.Observe(time.Since(openStart).Seconds())

	_, err = s.records.UpdateRecord(ctx, recordID, func(r *record.ProtectedRecord) (*audit.Event, error) {
		ev, err := audit.NewEvent(recordID, audit.EventRecordAccessed, actorID, "retrieve", audit.OutcomeSuccess)
		if err != nil {
			return nil, err
		}
		return ev.WithContext(evalCtx.StringMap()), nil
	})
	if err != nil {
		return nil, err
	}

	return plaintext, nil
}

// Share appends a new time-bounded grant. Owner-only: a non-owner caller
// gets AuthorizationError and the attempt is audited.
func (s *Service) Share(ctx context.Context, recordID uuid.UUID, ownerID, granteeID string, permissions []record.Permission, expiresAt *time.Time) error {
	ctx, span := s.tracer.Start(ctx, "Share")
	defer span.End()

	_, err := s.records.UpdateRecord(ctx, recordID, func(r *record.ProtectedRecord) (*audit.Event, error) {
		if err := s.access.ApplyGrant(r, granteeID, permissions, ownerID, expiresAt); err != nil {
			return nil, err
		}
		ev, err := audit.NewEvent(recordID, audit.EventRecordShared, ownerID, "share", audit.OutcomeSuccess)
		if err != nil {
			return nil, err
		}
		ev.Context["grantee_id"] = granteeID
		return ev, nil
	})
	if err != nil {
		if errors.IsSecurityEvent(err) {
			s.auditDenied(ctx, recordID, ownerID, "share", nil)
		}
		return err
	}

	s.logger.Info("access granted",
		zap.String("record_id", recordID.String()),
		zap.String("grantee_id", granteeID))
	return nil
}

// Revoke removes all grants for the grantee. Owner-only, idempotent.
// Revoking one grantee leaves every other grantee's grants intact.
func (s *Service) Revoke(ctx context.Context, recordID uuid.UUID, ownerID, granteeID string) error {
	ctx, span := s.tracer.Start(ctx, "Revoke")
	defer span.End()

	_, err := s.records.UpdateRecord(ctx, recordID, func(r *record.ProtectedRecord) (*audit.Event, error) {
		if err := s.access.ApplyRevoke(r, ownerID, granteeID); err != nil {
			return nil, err
		}
		ev, err := audit.NewEvent(recordID, audit.EventGrantRevoked, ownerID, "revoke", audit.OutcomeSuccess)
		if err != nil {
			return nil, err
		}
		ev.Context["grantee_id"] = granteeID
		return ev, nil
	})
	if err != nil {
		if errors.IsSecurityEvent(err) {
			s.auditDenied(ctx, recordID, ownerID, "revoke", nil)
		}
		return err
	}
	return nil
}

// SoftDelete marks the record deleted. Requires delete permission (owner or
// a non-expired grant containing delete). Ciphertext and audit trail remain.
func (s *Service) SoftDelete(ctx context.Context, recordID uuid.UUID, actorID string) error {
	ctx, span := s.tracer.Start(ctx, "SoftDelete")
	defer span.End()

	_, err := s.records.UpdateRecord(ctx, recordID, func(r *record.ProtectedRecord) (*audit.Event, error) {
		if r.IsDeleted {
			return nil, errors.ErrRecordNotFound
		}
		if !s.access.Authorize(r, actorID, record.PermissionDelete, time.Now().UTC()) {
			return nil, errors.NewAuthorizationError("actor may not delete this record")
		}
		r.SoftDelete()
		return audit.NewEvent(recordID, audit.EventRecordDeleted, actorID, "soft_delete", audit.OutcomeSuccess)
	})
	if err != nil {
		if errors.IsSecurityEvent(err) {
			s.auditDenied(ctx, recordID, actorID, "soft_delete", nil)
		}
		return err
	}
	return nil
}

// Reseal re-encrypts a record under the current master key and algorithm by
// creating a new record and soft-deleting the old one; ciphertext and
// classification are never mutated in place. Owner-only.
func (s *Service) Reseal(ctx context.Context, recordID uuid.UUID, ownerID string) (*SubmitResult, error) {
	ctx, span := s.tracer.Start(ctx, "Reseal")
	defer span.End()

	rec, err := s.records.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.IsDeleted {
		return nil, errors.ErrRecordNotFound
	}
	if !rec.IsOwner(ownerID) {
		s.auditDenied(ctx, recordID, ownerID, "reseal", nil)
		return nil, errors.NewAuthorizationError("only the record owner may reseal")
	}

	plaintext, err := s.vault.Open(rec.Ciphertext, rec.WrappedKey, rec.AlgorithmID, rec.MasterKeyID, rec.Classification)
	if err != nil {
		s.auditSecurityFailure(ctx, recordID, ownerID, "reseal", audit.EventDecryptionFailed, nil)
		return nil, err
	}

	sealed, err := s.vault.Seal(plaintext, rec.Classification)
	if err != nil {
		return nil, err
	}

	// Retire the old record first so the new one does not trip the
	// owner-scoped content uniqueness check.
	_, err = s.records.UpdateRecord(ctx, recordID, func(r *record.ProtectedRecord) (*audit.Event, error) {
		r.SoftDelete()
		return audit.NewEvent(recordID, audit.EventRecordResealed, ownerID, "reseal", audit.OutcomeSuccess)
	})
	if err != nil {
		return nil, err
	}

	next, err := record.NewProtectedRecord(rec.OwnerID, rec.DataType, rec.Classification,
		sealed.Ciphertext, sealed.WrappedKey, sealed.AlgorithmID, sealed.MasterKeyID,
		sealed.IntegrityHash, rec.RetentionPeriodDays)
	if err != nil {
		return nil, err
	}
	created, err := audit.NewEvent(next.ID, audit.EventRecordCreated, ownerID, "reseal", audit.OutcomeSuccess)
	if err != nil {
		return nil, err
	}
	created.Context["replaces_record_id"] = recordID.String()

	if err := s.records.CreateRecord(ctx, next, created); err != nil {
		return nil, err
	}

	s.logger.Info("record resealed",
		zap.String("old_record_id", recordID.String()),
		zap.String("new_record_id", next.ID.String()))
	return &SubmitResult{RecordID: next.ID, RetentionExpiry: next.RetentionExpiry}, nil
}

// RotateMasterKey re-wraps every record key under the active master key
// without touching ciphertext. Records already on the active key are
// skipped. Readers are never blocked: old master key ids stay resolvable.
func (s *Service) RotateMasterKey(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "RotateMasterKey")
	defer span.End()

	records, err := s.records.ListRecords(ctx)
	if err != nil {
		return 0, err
	}

	rotated := 0
	for _, rec := range records {
		if rec.MasterKeyID == s.vault.ActiveMasterKeyID() {
			continue
		}

		_, err := s.records.UpdateRecord(ctx, rec.ID, func(r *record.ProtectedRecord) (*audit.Event, error) {
			if r.MasterKeyID == s.vault.ActiveMasterKeyID() {
				return nil, nil // another rotation got here first
			}
			rewrapped, newID, err := s.vault.RewrapKey(r.WrappedKey, r.MasterKeyID)
			if err != nil {
				return nil, err
			}
			r.WrappedKey = rewrapped
			r.MasterKeyID = newID
			r.UpdatedAt = time.Now().UTC()
			return audit.NewEvent(r.ID, audit.EventMasterKeyRotated, "system", "rotate_master_key", audit.OutcomeSuccess)
		})
		if err != nil {
			return rotated, errors.Wrap(err, "rotating record "+rec.ID.String())
		}
		rotated++
	}

	s.logger.Info("master key rotation complete",
		zap.Int("rotated", rotated),
		zap.String("active_key_id", s.vault.ActiveMasterKeyID()))
	return rotated, nil
}

// EvaluateRule previews a stored rule against a sample payload without
// touching statistics. Administrative use only, enforced by the caller.
func (s *Service) EvaluateRule(ctx context.Context, ruleID uuid.UUID, samplePayload string, sampleCtx dlp.Context) (*dlp.RulePreview, error) {
	r, err := s.engine.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	return dlp.TestRule(r, samplePayload, sampleCtx), nil
}

// RetentionStatus reports the record's position in its retention window.
func (s *Service) RetentionStatus(ctx context.Context, recordID uuid.UUID) (retention.Status, error) {
	rec, err := s.records.GetRecord(ctx, recordID)
	if err != nil {
		return "", err
	}
	return retention.StatusOf(rec, time.Now().UTC()), nil
}

// RetentionReport summarises retention status across all active records.
func (s *Service) RetentionReport(ctx context.Context) (*retention.Report, error) {
	records, err := s.records.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	return retention.BuildReport(records, time.Now().UTC()), nil
}

// Events returns the record's audit trail in chronological order.
func (s *Service) Events(ctx context.Context, recordID uuid.UUID) ([]*audit.Event, error) {
	return s.records.QueryEvents(ctx, recordID)
}

// scopedContext copies the caller's context and injects the fields rule
// scoping consults, without overriding caller-supplied values.
func (s *Service) scopedContext(evalCtx dlp.Context, ownerID, dataType string) dlp.Context {
	out := make(dlp.Context, len(evalCtx)+2)
	for k, v := range evalCtx {
		out[k] = v
	}
	if _, ok := out[dlp.ContextFieldUser]; !ok {
		out[dlp.ContextFieldUser] = ownerID
	}
	if _, ok := out[dlp.ContextFieldDataType]; !ok {
		out[dlp.ContextFieldDataType] = dataType
	}
	return out
}

// auditDenied appends an access-denied security event to the record's trail.
// Best effort: a store failure here must not mask the denial itself.
func (s *Service) auditDenied(ctx context.Context, recordID uuid.UUID, actorID, action string, evalCtx dlp.Context) {
	s.auditSecurityFailure(ctx, recordID, actorID, action, audit.EventAccessDenied, evalCtx)
}

func (s *Service) auditSecurityFailure(ctx context.Context, recordID uuid.UUID, actorID, action string, eventType audit.EventType, evalCtx dlp.Context) {
	_, err := s.records.UpdateRecord(ctx, recordID, func(r *record.ProtectedRecord) (*audit.Event, error) {
		outcome := audit.OutcomeDenied
		if eventType == audit.EventDecryptionFailed {
			outcome = audit.OutcomeFailure
		}
		ev, err := audit.NewEvent(recordID, eventType, actorID, action, outcome)
		if err != nil {
			return nil, err
		}
		if evalCtx != nil {
			ev.WithContext(evalCtx.StringMap())
		}
		return ev, nil
	})
	if err != nil {
		s.logger.Error("appending security audit event failed",
			zap.String("record_id", recordID.String()),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}
