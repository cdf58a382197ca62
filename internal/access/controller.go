// Package access implements owner and grant based authorization over
// protected records. Decisions fail closed: any ambiguity (expired grant,
// missing grant, malformed grant) denies.
package access

import (
	"time"

	"go.uber.org/zap"

	"github.com/dataguardlabs/dataguard/internal/domain/errors"
	"github.com/dataguardlabs/dataguard/internal/domain/record"
	"github.com/dataguardlabs/dataguard/internal/metrics"
)

// Controller authorizes read/write/delete/share actions by owner or
// time-bounded grant. It is stateless; record mutations are expressed as
// pure transformations the caller applies inside the store's atomic
// read-modify-write.
type Controller struct {
	logger *zap.Logger
}

// NewController creates an access controller.
func NewController(logger *zap.Logger) *Controller {
	return &Controller{logger: logger.Named("access")}
}

// Authorize reports whether actorID may perform action on the record at now.
// The owner is always authorized. Otherwise any single non-expired grant for
// the actor whose permission set contains the action authorizes; grants are
// evaluated independently.
func (c *Controller) Authorize(rec *record.ProtectedRecord, actorID string, action record.Permission, now time.Time) bool {
	if rec == nil || actorID == "" || !action.Valid() {
		return false
	}
	if rec.IsOwner(actorID) {
		return true
	}

	for _, g := range rec.ActiveGrantsFor(actorID, now) {
		if g.Allows(action) {
			return true
		}
	}

	c.logger.Warn("authorization denied",
		zap.String("record_id", rec.ID.String()),
		zap.String("actor_id", actorID),
		zap.String("action", string(action)))
	metrics.AuthorizationDenials.WithLabelValues(string(action)).Inc()
	return false
}

// ApplyGrant verifies the owner precondition and appends a new grant without
// merging into existing grants for the same grantee. Intended to run inside
// the store's atomic record update.
func (c *Controller) ApplyGrant(rec *record.ProtectedRecord, granteeID string, permissions []record.Permission, grantedBy string, expiresAt *time.Time) error {
	if !rec.IsOwner(grantedBy) {
		return errors.NewAuthorizationError("only the record owner may grant access")
	}
	if granteeID == rec.OwnerID {
		return errors.NewValidationError("GRANT_TO_OWNER",
			"the owner is implicit and cannot be granted access")
	}
	if expiresAt != nil && !expiresAt.After(time.Now().UTC()) {
		// Accepted but inert immediately; the caller asked for it.
		c.logger.Debug("grant created already expired",
			zap.String("record_id", rec.ID.String()),
			zap.String("grantee_id", granteeID))
	}

	grant, err := record.NewAccessGrant(granteeID, permissions, grantedBy, expiresAt)
	if err != nil {
		return err
	}

	rec.Grants = append(rec.Grants, grant)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyRevoke verifies the owner precondition and removes all grants for the
// grantee. Revoking a grantee with no grants is an idempotent no-op.
func (c *Controller) ApplyRevoke(rec *record.ProtectedRecord, ownerID, granteeID string) error {
	if !rec.IsOwner(ownerID) {
		return errors.NewAuthorizationError("only the record owner may revoke access")
	}

	kept := rec.Grants[:0]
	for _, g := range rec.Grants {
		if g.GranteeID != granteeID {
			kept = append(kept, g)
		}
	}
	rec.Grants = kept
	rec.UpdatedAt = time.Now().UTC()
	return nil
}
