package dlp

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dataguardlabs/dataguard/internal/domain/errors"
	"github.com/dataguardlabs/dataguard/internal/domain/record"
	"github.com/dataguardlabs/dataguard/internal/domain/rule"
	"github.com/dataguardlabs/dataguard/internal/metrics"
)

// Context fields consulted for scope matching. The protection service
// injects these alongside the caller-supplied attributes.
const (
	ContextFieldDepartment = "departmentId"
	ContextFieldUser       = "userId"
	ContextFieldDataType   = "dataType"
)

// RuleStore is the persistence contract the engine evaluates against.
// RecordTrigger must be an atomic increment; Evaluate never performs a
// read-modify-write on statistics itself.
type RuleStore interface {
	ListEnabled(ctx context.Context) ([]*rule.DLPRule, error)
	GetRule(ctx context.Context, id uuid.UUID) (*rule.DLPRule, error)
	CreateRule(ctx context.Context, r *rule.DLPRule) error
	UpdateRule(ctx context.Context, id uuid.UUID, apply func(*rule.DLPRule) error) (*rule.DLPRule, error)
	RecordTrigger(ctx context.Context, id uuid.UUID, action rule.Action, at time.Time) error
}

// RuleMatch describes one firing rule within an evaluation.
type RuleMatch struct {
	RuleID   uuid.UUID     `json:"rule_id"`
	RuleName string        `json:"rule_name"`
	Action   rule.Action   `json:"action"`
	Severity rule.Severity `json:"severity"`
}

// Evaluation is the outcome of screening one payload.
type Evaluation struct {
	MatchedRules []RuleMatch `json:"matched_rules"`
	FinalAction  rule.Action `json:"final_action"`
}

// Blocked reports whether the evaluation demands aborting the submission.
func (e *Evaluation) Blocked() bool {
	return e.FinalAction == rule.ActionBlock
}

// BlockingRule returns the highest-ordered firing block rule, if any.
func (e *Evaluation) BlockingRule() *RuleMatch {
	for i := range e.MatchedRules {
		if e.MatchedRules[i].Action == rule.ActionBlock {
			return &e.MatchedRules[i]
		}
	}
	return nil
}

// Engine evaluates payloads against classification-scoped DLP rules and
// maintains rule statistics and versioning through the store.
type Engine struct {
	store  RuleStore
	logger *zap.Logger
}

// NewEngine creates a rule engine backed by store.
func NewEngine(store RuleStore, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger.Named("dlp"),
	}
}

// Evaluate screens payload against every enabled rule whose scope matches
// evalCtx and whose classification scope includes candidateClassification.
// Each firing rule's statistics increment exactly once, independent of how
// many times the pattern occurs in the payload.
func (e *Engine) Evaluate(ctx context.Context, payload string, evalCtx Context, candidateClassification record.Classification) (*Evaluation, error) {
	rules, err := e.store.ListEnabled(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing enabled rules")
	}

	candidates := make([]*rule.DLPRule, 0, len(rules))
	for _, r := range rules {
		if r.AppliesTo(candidateClassification) && scopeMatches(r, evalCtx) {
			candidates = append(candidates, r)
		}
	}
	orderCandidates(candidates)

	evaluation := &Evaluation{FinalAction: rule.ActionAllow}
	now := time.Now().UTC()

	for _, r := range candidates {
		if !ruleFires(r, payload, evalCtx) {
			continue
		}

		evaluation.MatchedRules = append(evaluation.MatchedRules, RuleMatch{
			RuleID:   r.ID,
			RuleName: r.Name,
			Action:   r.Action,
			Severity: r.Severity,
		})
		if r.Action.MoreSevere(evaluation.FinalAction) {
			evaluation.FinalAction = r.Action
		}

		if err := e.store.RecordTrigger(ctx, r.ID, r.Action, now); err != nil {
			// A failed counter update must not change the decision,
			// but it is not silent either.
			e.logger.Warn("recording rule trigger failed",
				zap.String("rule_id", r.ID.String()),
				zap.Error(err))
		}
		metrics.RuleTriggers.WithLabelValues(string(r.Action)).Inc()
	}

	metrics.Evaluations.WithLabelValues(string(evaluation.FinalAction)).Inc()
	return evaluation, nil
}

// RulePreview is the side-effect-free output of TestRule.
type RulePreview struct {
	PatternMatched bool        `json:"pattern_matched"`
	ConditionsHold bool        `json:"conditions_hold"`
	ExceptionHolds bool        `json:"exception_holds"`
	WouldFire      bool        `json:"would_fire"`
	Action         rule.Action `json:"action"`
}

// TestRule evaluates a rule against a sample without touching statistics.
// Scope and classification filtering are intentionally skipped so an
// administrator can probe the matchers directly.
func TestRule(r *rule.DLPRule, samplePayload string, sampleCtx Context) *RulePreview {
	if sampleCtx == nil {
		sampleCtx = Context{}
	}
	p := &RulePreview{
		PatternMatched: PatternMatches(r, samplePayload),
		ConditionsHold: ConditionsHold(r, sampleCtx),
		ExceptionHolds: ExceptionHolds(r, sampleCtx),
		Action:         r.Action,
	}
	p.WouldFire = p.PatternMatched && p.ConditionsHold && !p.ExceptionHolds
	return p
}

// RulePatch is a partial rule modification. Nil fields are left untouched.
type RulePatch struct {
	Name                *string
	Pattern             *string
	PatternType         *rule.PatternType
	Action              *rule.Action
	ClassificationScope []record.Classification
	Severity            *rule.Severity
	Enabled             *bool
	Scope               *rule.Scope
	ScopeValue          *string
	Conditions          []rule.Condition
	Exceptions          []rule.Exception
}

// Update applies patch to the stored rule, incrementing the version by
// exactly 1. Disabling a rule through the patch never clears statistics.
func (e *Engine) Update(ctx context.Context, id uuid.UUID, patch RulePatch) (*rule.DLPRule, error) {
	updated, err := e.store.UpdateRule(ctx, id, func(r *rule.DLPRule) error {
		if patch.Name != nil {
			r.Name = *patch.Name
		}
		if patch.Pattern != nil {
			r.Pattern = *patch.Pattern
		}
		if patch.PatternType != nil {
			r.PatternType = *patch.PatternType
		}
		if patch.Action != nil {
			r.Action = *patch.Action
		}
		if patch.ClassificationScope != nil {
			r.ClassificationScope = append([]record.Classification(nil), patch.ClassificationScope...)
		}
		if patch.Severity != nil {
			r.Severity = *patch.Severity
		}
		if patch.Enabled != nil {
			r.Enabled = *patch.Enabled
		}
		if patch.Scope != nil {
			r.Scope = *patch.Scope
		}
		if patch.ScopeValue != nil {
			r.ScopeValue = *patch.ScopeValue
		}
		if patch.Conditions != nil {
			r.Conditions = append([]rule.Condition(nil), patch.Conditions...)
		}
		if patch.Exceptions != nil {
			r.Exceptions = append([]rule.Exception(nil), patch.Exceptions...)
		}

		if err := r.Validate(); err != nil {
			return err
		}

		r.Version++
		r.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("rule updated",
		zap.String("rule_id", id.String()),
		zap.Int64("version", updated.Version))
	return updated, nil
}

// Create persists a new rule at version 1.
func (e *Engine) Create(ctx context.Context, r *rule.DLPRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := e.store.CreateRule(ctx, r); err != nil {
		return err
	}
	e.logger.Info("rule created",
		zap.String("rule_id", r.ID.String()),
		zap.String("pattern_type", string(r.PatternType)),
		zap.String("action", string(r.Action)))
	return nil
}

// Get loads a rule by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*rule.DLPRule, error) {
	return e.store.GetRule(ctx, id)
}

// ruleFires applies the firing predicate:
// PatternMatches AND ConditionsHold AND NOT ExceptionHolds.
func ruleFires(r *rule.DLPRule, payload string, evalCtx Context) bool {
	return PatternMatches(r, payload) &&
		ConditionsHold(r, evalCtx) &&
		!ExceptionHolds(r, evalCtx)
}

// scopeMatches implements rule scoping: global always matches, the narrower
// scopes match only on an equal scope value in the evaluation context.
func scopeMatches(r *rule.DLPRule, evalCtx Context) bool {
	switch r.Scope {
	case rule.ScopeGlobal:
		return true
	case rule.ScopeDepartment:
		return evalCtx.Lookup(ContextFieldDepartment).AsString() == r.ScopeValue
	case rule.ScopeUser:
		return evalCtx.Lookup(ContextFieldUser).AsString() == r.ScopeValue
	case rule.ScopeDataType:
		return evalCtx.Lookup(ContextFieldDataType).AsString() == r.ScopeValue
	default:
		return false
	}
}

// orderCandidates sorts by severity descending, then creation order, with a
// deterministic rule-id tie-break.
func orderCandidates(rules []*rule.DLPRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Severity != rules[j].Severity {
			return rules[i].Severity > rules[j].Severity
		}
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID.String() < rules[j].ID.String()
	})
}
