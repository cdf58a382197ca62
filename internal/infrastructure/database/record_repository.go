package database

import (
	"context"
	"encoding/json"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dataguardlabs/dataguard/internal/domain/audit"
	"github.com/dataguardlabs/dataguard/internal/domain/errors"
	"github.com/dataguardlabs/dataguard/internal/domain/record"
	"github.com/dataguardlabs/dataguard/internal/metrics"
)

// uniqueViolation is the Postgres error code raised by the partial unique
// index on (owner_id, integrity_hash) over active records.
const uniqueViolation = "23505"

// casMaxRetries bounds optimistic-concurrency retries per mutation.
const casMaxRetries = 5

// RecordRepository implements the protection.RecordStore contract on
// Postgres. Mutations use optimistic compare-and-swap on the version column;
// the audit event is inserted in the same transaction as the record update.
type RecordRepository struct {
	db *pgxpool.Pool
}

// NewRecordRepository creates a PostgreSQL record repository.
func NewRecordRepository(db *pgxpool.Pool) *RecordRepository {
	return &RecordRepository{db: db}
}

// CreateRecord inserts the record and its creation event in one transaction.
func (r *RecordRepository) CreateRecord(ctx context.Context, rec *record.ProtectedRecord, created *audit.Event) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.NewStoreUnavailableError("beginning transaction").WithCause(err)
	}
	defer tx.Rollback(ctx)

	grants, err := json.Marshal(rec.Grants)
	if err != nil {
		return errors.NewInternalError("marshaling grants").WithCause(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO protected_records (
			id, owner_id, data_type, classification, ciphertext, wrapped_key,
			algorithm_id, master_key_id, integrity_hash, retention_period_days,
			retention_expiry, grants, is_deleted, created_at, updated_at, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, rec.ID, rec.OwnerID, rec.DataType, string(rec.Classification), rec.Ciphertext,
		rec.WrappedKey, rec.AlgorithmID, rec.MasterKeyID, rec.IntegrityHash,
		rec.RetentionPeriodDays, rec.RetentionExpiry, grants, rec.IsDeleted,
		rec.CreatedAt, rec.UpdatedAt, rec.Version)
	if err != nil {
		var pgErr *pgconn.PgError
		if stderrors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return errors.NewDuplicateContentError("")
		}
		return errors.NewStoreUnavailableError("inserting record").WithCause(err)
	}

	if created != nil {
		if _, err := created.Seal(""); err != nil {
			return err
		}
		if err := insertEvent(ctx, tx, created); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.NewStoreUnavailableError("committing record creation").WithCause(err)
	}
	return nil
}

// GetRecord loads a record by id.
func (r *RecordRepository) GetRecord(ctx context.Context, id uuid.UUID) (*record.ProtectedRecord, error) {
	return scanRecord(r.db.QueryRow(ctx, selectRecord+` WHERE id = $1`, id))
}

// FindActiveByOwnerAndHash returns the active record with the owner's
// integrity hash, or ErrRecordNotFound.
func (r *RecordRepository) FindActiveByOwnerAndHash(ctx context.Context, ownerID, integrityHash string) (*record.ProtectedRecord, error) {
	return scanRecord(r.db.QueryRow(ctx,
		selectRecord+` WHERE owner_id = $1 AND integrity_hash = $2 AND NOT is_deleted`,
		ownerID, integrityHash))
}

// UpdateRecord applies the mutation with compare-and-swap on the version
// column, retrying on contention. The closure's audit event commits in the
// same transaction as the record update.
func (r *RecordRepository) UpdateRecord(ctx context.Context, id uuid.UUID, apply func(rec *record.ProtectedRecord) (*audit.Event, error)) (*record.ProtectedRecord, error) {
	for attempt := 0; attempt < casMaxRetries; attempt++ {
		rec, swapped, err := r.tryUpdate(ctx, id, apply)
		if err != nil {
			return nil, err
		}
		if swapped {
			return rec, nil
		}
		metrics.StoreCASRetries.Inc()
	}
	return nil, errors.NewStoreUnavailableError("record update contention exceeded retry budget")
}

func (r *RecordRepository) tryUpdate(ctx context.Context, id uuid.UUID, apply func(rec *record.ProtectedRecord) (*audit.Event, error)) (*record.ProtectedRecord, bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, false, errors.NewStoreUnavailableError("beginning transaction").WithCause(err)
	}
	defer tx.Rollback(ctx)

	rec, err := scanRecord(tx.QueryRow(ctx, selectRecord+` WHERE id = $1`, id))
	if err != nil {
		return nil, false, err
	}
	expectedVersion := rec.Version

	ev, err := apply(rec)
	if err != nil {
		return nil, false, err
	}
	rec.Version = expectedVersion + 1

	grants, err := json.Marshal(rec.Grants)
	if err != nil {
		return nil, false, errors.NewInternalError("marshaling grants").WithCause(err)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE protected_records
		SET wrapped_key = $2, master_key_id = $3, grants = $4, is_deleted = $5,
		    updated_at = $6, version = $7
		WHERE id = $1 AND version = $8
	`, rec.ID, rec.WrappedKey, rec.MasterKeyID, grants, rec.IsDeleted,
		rec.UpdatedAt, rec.Version, expectedVersion)
	if err != nil {
		return nil, false, errors.NewStoreUnavailableError("updating record").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		// Lost the race; caller retries against the fresh row.
		return nil, false, nil
	}

	if ev != nil {
		var prevHash string
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(
				(SELECT event_hash FROM audit_events
				 WHERE record_id = $1 ORDER BY seq DESC LIMIT 1), '')
		`, id).Scan(&prevHash)
		if err != nil {
			return nil, false, errors.NewStoreUnavailableError("reading chain head").WithCause(err)
		}
		if _, err := ev.Seal(prevHash); err != nil {
			return nil, false, err
		}
		if err := insertEvent(ctx, tx, ev); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, errors.NewStoreUnavailableError("committing record update").WithCause(err)
	}
	return rec, true, nil
}

// ListRecords returns every record.
func (r *RecordRepository) ListRecords(ctx context.Context) ([]*record.ProtectedRecord, error) {
	rows, err := r.db.Query(ctx, selectRecord+` ORDER BY created_at`)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("listing records").WithCause(err)
	}
	defer rows.Close()

	var out []*record.ProtectedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// QueryEvents returns the record's audit trail in append order.
func (r *RecordRepository) QueryEvents(ctx context.Context, recordID uuid.UUID) ([]*audit.Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, record_id, ts, type, actor_id, action, outcome, context,
		       previous_hash, event_hash
		FROM audit_events
		WHERE record_id = $1
		ORDER BY seq
	`, recordID)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("querying events").WithCause(err)
	}
	defer rows.Close()

	var out []*audit.Event
	for rows.Next() {
		var ev audit.Event
		var evCtx []byte
		if err := rows.Scan(&ev.ID, &ev.RecordID, &ev.Timestamp, &ev.Type,
			&ev.ActorID, &ev.Action, &ev.Outcome, &evCtx,
			&ev.PreviousHash, &ev.EventHash); err != nil {
			return nil, errors.NewInternalError("scanning event").WithCause(err)
		}
		if len(evCtx) > 0 {
			if err := json.Unmarshal(evCtx, &ev.Context); err != nil {
				return nil, errors.NewInternalError("unmarshaling event context").WithCause(err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

const selectRecord = `
	SELECT id, owner_id, data_type, classification, ciphertext, wrapped_key,
	       algorithm_id, master_key_id, integrity_hash, retention_period_days,
	       retention_expiry, grants, is_deleted, created_at, updated_at, version
	FROM protected_records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*record.ProtectedRecord, error) {
	var rec record.ProtectedRecord
	var classification string
	var grants []byte

	err := row.Scan(&rec.ID, &rec.OwnerID, &rec.DataType, &classification,
		&rec.Ciphertext, &rec.WrappedKey, &rec.AlgorithmID, &rec.MasterKeyID,
		&rec.IntegrityHash, &rec.RetentionPeriodDays, &rec.RetentionExpiry,
		&grants, &rec.IsDeleted, &rec.CreatedAt, &rec.UpdatedAt, &rec.Version)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.ErrRecordNotFound
		}
		return nil, errors.NewStoreUnavailableError("loading record").WithCause(err)
	}

	rec.Classification = record.Classification(classification)
	if len(grants) > 0 {
		if err := json.Unmarshal(grants, &rec.Grants); err != nil {
			return nil, errors.NewInternalError("unmarshaling grants").WithCause(err)
		}
	}
	return &rec, nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev *audit.Event) error {
	evCtx, err := json.Marshal(ev.Context)
	if err != nil {
		return errors.NewInternalError("marshaling event context").WithCause(err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events (
			id, record_id, ts, type, actor_id, action, outcome, context,
			previous_hash, event_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ev.ID, ev.RecordID, ev.Timestamp, string(ev.Type), ev.ActorID,
		ev.Action, string(ev.Outcome), evCtx, ev.PreviousHash, ev.EventHash)
	if err != nil {
		return errors.NewStoreUnavailableError("inserting audit event").WithCause(err)
	}
	return nil
}
