package rule

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dataguardlabs/dataguard/internal/domain/errors"
	"github.com/dataguardlabs/dataguard/internal/domain/record"
)

// PatternType is a closed set of content matchers. String-dispatched pattern
// kinds are deliberately avoided so a new kind cannot silently no-op; every
// consumer must switch exhaustively over these constants.
type PatternType string

const (
	PatternRegex             PatternType = "regex"
	PatternKeyword           PatternType = "keyword"
	PatternBuiltinCreditCard PatternType = "builtin:credit_card"
	PatternBuiltinSSN        PatternType = "builtin:ssn"
	PatternBuiltinEmail      PatternType = "builtin:email"
	PatternBuiltinPhone      PatternType = "builtin:phone"
)

// Valid reports whether t is a known pattern type.
func (t PatternType) Valid() bool {
	switch t {
	case PatternRegex, PatternKeyword, PatternBuiltinCreditCard,
		PatternBuiltinSSN, PatternBuiltinEmail, PatternBuiltinPhone:
		return true
	}
	return false
}

// Builtin reports whether t is one of the fixed builtin detectors.
func (t PatternType) Builtin() bool {
	switch t {
	case PatternBuiltinCreditCard, PatternBuiltinSSN,
		PatternBuiltinEmail, PatternBuiltinPhone:
		return true
	}
	return false
}

// Action is what a firing rule demands of the enclosing operation.
type Action string

const (
	ActionBlock Action = "block"
	ActionWarn  Action = "warn"
	ActionLog   Action = "log"
	ActionAllow Action = "allow"
)

// Valid reports whether a is a known rule action. Allow is the implicit
// outcome when nothing fires and is not assignable to a rule.
func (a Action) Valid() bool {
	switch a {
	case ActionBlock, ActionWarn, ActionLog:
		return true
	}
	return false
}

// severityRank orders actions block > warn > log > allow for final-action
// selection across firing rules.
func (a Action) severityRank() int {
	switch a {
	case ActionBlock:
		return 3
	case ActionWarn:
		return 2
	case ActionLog:
		return 1
	default:
		return 0
	}
}

// MoreSevere reports whether a outranks b.
func (a Action) MoreSevere(b Action) bool {
	return a.severityRank() > b.severityRank()
}

// Scope narrows which submissions a rule applies to.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeDepartment Scope = "department"
	ScopeUser       Scope = "user"
	ScopeDataType   Scope = "data_type"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeGlobal, ScopeDepartment, ScopeUser, ScopeDataType:
		return true
	}
	return false
}

// Operator is a condition/exception comparison operator.
type Operator string

const (
	OperatorEquals      Operator = "equals"
	OperatorNotEquals   Operator = "not_equals"
	OperatorContains    Operator = "contains"
	OperatorNotContains Operator = "not_contains"
	OperatorRegex       Operator = "regex"
	OperatorGreaterThan Operator = "greater_than"
	OperatorLessThan    Operator = "less_than"
)

func (o Operator) Valid() bool {
	switch o {
	case OperatorEquals, OperatorNotEquals, OperatorContains,
		OperatorNotContains, OperatorRegex, OperatorGreaterThan, OperatorLessThan:
		return true
	}
	return false
}

// Condition gates a rule on a dot-path field of the submission context.
// All conditions of a rule must hold for the rule to pass condition
// checking. A missing field makes the condition false, never an error.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// Exception suppresses a rule when it holds. Any single exception holding
// unconditionally suppresses firing.
type Exception struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// Statistics accumulates per-rule trigger counters. Counters only ever
// increase; disabling a rule never clears them.
type Statistics struct {
	TotalMatches    int64      `json:"total_matches"`
	BlockedCount    int64      `json:"blocked_count"`
	WarnedCount     int64      `json:"warned_count"`
	LoggedCount     int64      `json:"logged_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
}

// Severity ranks rules for candidate ordering during evaluation.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) Valid() bool {
	return s >= SeverityLow && s <= SeverityCritical
}

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// DLPRule inspects submitted content for prohibited patterns before it is
// stored. Evaluation is read-only; statistics are updated through the
// store's atomic increment, never by mutating a loaded rule.
type DLPRule struct {
	ID          uuid.UUID   `json:"id"`
	Name        string      `json:"name"`
	Pattern     string      `json:"pattern"`
	PatternType PatternType `json:"pattern_type"`
	Action      Action      `json:"action"`

	ClassificationScope []record.Classification `json:"classification_scope"`
	Severity            Severity                `json:"severity"`
	Enabled             bool                    `json:"enabled"`

	Scope      Scope  `json:"scope"`
	ScopeValue string `json:"scope_value,omitempty"`

	Conditions []Condition `json:"conditions,omitempty"`
	Exceptions []Exception `json:"exceptions,omitempty"`

	Statistics Statistics `json:"statistics"`

	// Version starts at 1 on creation and increases by exactly 1 on
	// every subsequent modification.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDLPRule creates a rule at version 1 with validation in the constructor.
func NewDLPRule(name, pattern string, patternType PatternType, action Action, classifications []record.Classification, severity Severity, scope Scope, scopeValue string) (*DLPRule, error) {
	if name == "" {
		return nil, errors.NewValidationError("MISSING_RULE_NAME", "rule name is required")
	}
	if !patternType.Valid() {
		return nil, errors.NewValidationError("INVALID_PATTERN_TYPE",
			fmt.Sprintf("unknown pattern type %q", patternType))
	}
	if !patternType.Builtin() && pattern == "" {
		return nil, errors.NewValidationError("MISSING_PATTERN",
			"pattern is required for regex and keyword rules")
	}
	if !action.Valid() {
		return nil, errors.NewValidationError("INVALID_ACTION",
			fmt.Sprintf("unknown rule action %q", action))
	}
	if len(classifications) == 0 {
		return nil, errors.NewValidationError("EMPTY_CLASSIFICATION_SCOPE",
			"at least one classification is required")
	}
	for _, c := range classifications {
		if !c.Valid() {
			return nil, errors.NewValidationError("INVALID_CLASSIFICATION",
				fmt.Sprintf("unknown classification %q", c))
		}
	}
	if !severity.Valid() {
		return nil, errors.NewValidationError("INVALID_SEVERITY", "severity out of range")
	}
	if !scope.Valid() {
		return nil, errors.NewValidationError("INVALID_SCOPE",
			fmt.Sprintf("unknown rule scope %q", scope))
	}
	if scope != ScopeGlobal && scopeValue == "" {
		return nil, errors.NewValidationError("MISSING_SCOPE_VALUE",
			"scope value is required for non-global scopes")
	}

	now := time.Now().UTC()
	return &DLPRule{
		ID:                  uuid.New(),
		Name:                name,
		Pattern:             pattern,
		PatternType:         patternType,
		Action:              action,
		ClassificationScope: append([]record.Classification(nil), classifications...),
		Severity:            severity,
		Enabled:             true,
		Scope:               scope,
		ScopeValue:          scopeValue,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}, nil
}

// AppliesTo reports whether the rule covers candidateClassification.
func (r *DLPRule) AppliesTo(c record.Classification) bool {
	for _, want := range r.ClassificationScope {
		if want == c {
			return true
		}
	}
	return false
}

// Validate re-checks invariants on a rule loaded from the store.
func (r *DLPRule) Validate() error {
	if r.Name == "" {
		return errors.NewValidationError("MISSING_RULE_NAME", "rule name is required")
	}
	if !r.PatternType.Valid() {
		return errors.NewValidationError("INVALID_PATTERN_TYPE",
			fmt.Sprintf("unknown pattern type %q", r.PatternType))
	}
	if !r.Action.Valid() {
		return errors.NewValidationError("INVALID_ACTION",
			fmt.Sprintf("unknown rule action %q", r.Action))
	}
	if r.Version < 1 {
		return errors.NewValidationError("INVALID_VERSION", "version must be at least 1")
	}
	for _, c := range r.Conditions {
		if c.Field == "" || !c.Operator.Valid() {
			return errors.NewValidationError("INVALID_CONDITION",
				"condition requires a field and a known operator")
		}
	}
	for _, e := range r.Exceptions {
		if e.Field == "" || !e.Operator.Valid() {
			return errors.NewValidationError("INVALID_EXCEPTION",
				"exception requires a field and a known operator")
		}
	}
	return nil
}

// Clone returns a deep copy for copy-on-write store semantics.
func (r *DLPRule) Clone() *DLPRule {
	clone := *r
	clone.ClassificationScope = append([]record.Classification(nil), r.ClassificationScope...)
	clone.Conditions = append([]Condition(nil), r.Conditions...)
	clone.Exceptions = append([]Exception(nil), r.Exceptions...)
	if r.Statistics.LastTriggeredAt != nil {
		t := *r.Statistics.LastTriggeredAt
		clone.Statistics.LastTriggeredAt = &t
	}
	return &clone
}
