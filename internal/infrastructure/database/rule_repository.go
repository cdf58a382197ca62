package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/dataguardlabs/dataguard/internal/domain/errors"
	"github.com/dataguardlabs/dataguard/internal/domain/record"
	"github.com/dataguardlabs/dataguard/internal/domain/rule"
	"github.com/dataguardlabs/dataguard/internal/metrics"
)

// RuleRepository implements the dlp.RuleStore contract on Postgres.
// Statistics counters are incremented SQL-side so concurrent evaluations
// never read-then-write.
type RuleRepository struct {
	db *pgxpool.Pool
}

// NewRuleRepository creates a PostgreSQL rule repository.
func NewRuleRepository(db *pgxpool.Pool) *RuleRepository {
	return &RuleRepository{db: db}
}

// ListEnabled returns every enabled rule.
func (r *RuleRepository) ListEnabled(ctx context.Context) ([]*rule.DLPRule, error) {
	rows, err := r.db.Query(ctx, selectRule+` WHERE enabled ORDER BY created_at`)
	if err != nil {
		return nil, errors.NewStoreUnavailableError("listing enabled rules").WithCause(err)
	}
	defer rows.Close()

	var out []*rule.DLPRule
	for rows.Next() {
		dr, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dr)
	}
	return out, rows.Err()
}

// GetRule loads a rule by id.
func (r *RuleRepository) GetRule(ctx context.Context, id uuid.UUID) (*rule.DLPRule, error) {
	return scanRule(r.db.QueryRow(ctx, selectRule+` WHERE id = $1`, id))
}

// CreateRule inserts a new rule at its constructor version.
func (r *RuleRepository) CreateRule(ctx context.Context, dr *rule.DLPRule) error {
	conditions, exceptions, err := marshalRuleClauses(dr)
	if err != nil {
		return err
	}

	classes := make([]string, len(dr.ClassificationScope))
	for i, c := range dr.ClassificationScope {
		classes[i] = string(c)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO dlp_rules (
			id, name, pattern, pattern_type, action, classification_scope,
			severity, enabled, scope, scope_value, conditions, exceptions,
			total_matches, blocked_count, warned_count, logged_count,
			last_triggered_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		          $13, $14, $15, $16, $17, $18, $19, $20)
	`, dr.ID, dr.Name, dr.Pattern, string(dr.PatternType), string(dr.Action),
		pq.Array(classes), int(dr.Severity), dr.Enabled, string(dr.Scope),
		dr.ScopeValue, conditions, exceptions,
		dr.Statistics.TotalMatches, dr.Statistics.BlockedCount,
		dr.Statistics.WarnedCount, dr.Statistics.LoggedCount,
		dr.Statistics.LastTriggeredAt, dr.Version, dr.CreatedAt, dr.UpdatedAt)
	if err != nil {
		return errors.NewStoreUnavailableError("inserting rule").WithCause(err)
	}
	return nil
}

// UpdateRule applies the mutation with compare-and-swap on the version
// column. Statistics columns are deliberately excluded from the update so a
// concurrent trigger increment is never overwritten.
func (r *RuleRepository) UpdateRule(ctx context.Context, id uuid.UUID, apply func(dr *rule.DLPRule) error) (*rule.DLPRule, error) {
	for attempt := 0; attempt < casMaxRetries; attempt++ {
		dr, err := scanRule(r.db.QueryRow(ctx, selectRule+` WHERE id = $1`, id))
		if err != nil {
			return nil, err
		}
		expectedVersion := dr.Version

		if err := apply(dr); err != nil {
			return nil, err
		}

		conditions, exceptions, err := marshalRuleClauses(dr)
		if err != nil {
			return nil, err
		}
		classes := make([]string, len(dr.ClassificationScope))
		for i, c := range dr.ClassificationScope {
			classes[i] = string(c)
		}

		tag, err := r.db.Exec(ctx, `
			UPDATE dlp_rules
			SET name = $2, pattern = $3, pattern_type = $4, action = $5,
			    classification_scope = $6, severity = $7, enabled = $8,
			    scope = $9, scope_value = $10, conditions = $11,
			    exceptions = $12, version = $13, updated_at = $14
			WHERE id = $1 AND version = $15
		`, dr.ID, dr.Name, dr.Pattern, string(dr.PatternType), string(dr.Action),
			pq.Array(classes), int(dr.Severity), dr.Enabled, string(dr.Scope),
			dr.ScopeValue, conditions, exceptions, dr.Version, dr.UpdatedAt,
			expectedVersion)
		if err != nil {
			return nil, errors.NewStoreUnavailableError("updating rule").WithCause(err)
		}
		if tag.RowsAffected() > 0 {
			return dr, nil
		}
		metrics.StoreCASRetries.Inc()
	}
	return nil, errors.NewStoreUnavailableError("rule update contention exceeded retry budget")
}

// RecordTrigger increments the matching counter and lastTriggeredAt in a
// single SQL statement.
func (r *RuleRepository) RecordTrigger(ctx context.Context, id uuid.UUID, action rule.Action, at time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE dlp_rules
		SET total_matches = total_matches + 1,
		    blocked_count = blocked_count + CASE WHEN $2 = 'block' THEN 1 ELSE 0 END,
		    warned_count  = warned_count  + CASE WHEN $2 = 'warn'  THEN 1 ELSE 0 END,
		    logged_count  = logged_count  + CASE WHEN $2 = 'log'   THEN 1 ELSE 0 END,
		    last_triggered_at = $3
		WHERE id = $1
	`, id, string(action), at)
	if err != nil {
		return errors.NewStoreUnavailableError("recording rule trigger").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.ErrRuleNotFound
	}
	return nil
}

const selectRule = `
	SELECT id, name, pattern, pattern_type, action, classification_scope,
	       severity, enabled, scope, scope_value, conditions, exceptions,
	       total_matches, blocked_count, warned_count, logged_count,
	       last_triggered_at, version, created_at, updated_at
	FROM dlp_rules`

func scanRule(row rowScanner) (*rule.DLPRule, error) {
	var dr rule.DLPRule
	var patternType, action, scope string
	var severity int
	var classes []string
	var conditions, exceptions []byte

	err := row.Scan(&dr.ID, &dr.Name, &dr.Pattern, &patternType, &action,
		pq.Array(&classes), &severity, &dr.Enabled, &scope, &dr.ScopeValue,
		&conditions, &exceptions,
		&dr.Statistics.TotalMatches, &dr.Statistics.BlockedCount,
		&dr.Statistics.WarnedCount, &dr.Statistics.LoggedCount,
		&dr.Statistics.LastTriggeredAt, &dr.Version, &dr.CreatedAt, &dr.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.ErrRuleNotFound
		}
		return nil, errors.NewStoreUnavailableError("loading rule").WithCause(err)
	}

	dr.PatternType = rule.PatternType(patternType)
	dr.Action = rule.Action(action)
	dr.Scope = rule.Scope(scope)
	dr.Severity = rule.Severity(severity)
	dr.ClassificationScope = make([]record.Classification, len(classes))
	for i, c := range classes {
		dr.ClassificationScope[i] = record.Classification(c)
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &dr.Conditions); err != nil {
			return nil, errors.NewInternalError("unmarshaling conditions").WithCause(err)
		}
	}
	if len(exceptions) > 0 {
		if err := json.Unmarshal(exceptions, &dr.Exceptions); err != nil {
			return nil, errors.NewInternalError("unmarshaling exceptions").WithCause(err)
		}
	}
	return &dr, nil
}

func marshalRuleClauses(dr *rule.DLPRule) ([]byte, []byte, error) {
	conditions, err := json.Marshal(dr.Conditions)
	if err != nil {
		return nil, nil, errors.NewInternalError("marshaling conditions").WithCause(err)
	}
	exceptions, err := json.Marshal(dr.Exceptions)
	if err != nil {
		return nil, nil, errors.NewInternalError("marshaling exceptions").WithCause(err)
	}
	return conditions, exceptions, nil
}
