package dlp

import (
	"regexp"
	"strings"
	"sync"

	"github.com/dataguardlabs/dataguard/internal/domain/rule"
)

// Builtin detector expressions. These are fixed: changing them changes which
// payloads historically matched, so treat edits as a rule-version event.
var (
	// reCreditCard matches 13-16 digit card numbers with optional
	// space or dash grouping, e.g. 4111-1111-1111-1111.
	reCreditCard = regexp.MustCompile(`\b(?:\d[ -]?){12,15}\d\b`)

	// reSSN matches US social security numbers with or without dashes.
	reSSN = regexp.MustCompile(`\b\d{3}-?\d{2}-?\d{4}\b`)

	reEmail = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

	// rePhone matches international and US formats with common separators.
	rePhone = regexp.MustCompile(`\+?\d{0,3}[ .\-]?\(?\d{3}\)?[ .\-]?\d{3}[ .\-]?\d{4}\b`)
)

// regexCache memoises compiled user-supplied patterns. Concurrent Evaluate
// calls share entries; a pattern that fails to compile is cached as nil so
// it stays non-matching without recompiling. Rule patterns and condition
// expressions compile differently, so cache keys carry a kind prefix.
var regexCache sync.Map // cache key -> *regexp.Regexp (nil if malformed)

func compileCached(key, expr string) *regexp.Regexp {
	if cached, ok := regexCache.Load(key); ok {
		re, _ := cached.(*regexp.Regexp)
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		re = nil
	}
	regexCache.Store(key, re)
	return re
}

// compileUserPattern compiles a rule pattern. Pattern matching against
// payloads is case-insensitive.
func compileUserPattern(pattern string) *regexp.Regexp {
	return compileCached("pattern:"+pattern, "(?i)"+pattern)
}

// compileConditionExpr compiles a condition or exception regex as written.
// Conditions match structured context fields, so case folding is up to the
// expression author.
func compileConditionExpr(expr string) *regexp.Regexp {
	return compileCached("cond:"+expr, expr)
}

// PatternMatches runs the patternType-specific matcher against the payload.
// A malformed stored pattern is treated as non-matching, never as an error.
// The switch is exhaustive over the closed PatternType set; an unknown type
// from a corrupted document matches nothing.
func PatternMatches(r *rule.DLPRule, payload string) bool {
	switch r.PatternType {
	case rule.PatternRegex:
		re := compileUserPattern(r.Pattern)
		return re != nil && re.MatchString(payload)
	case rule.PatternKeyword:
		if r.Pattern == "" {
			return false
		}
		return strings.Contains(strings.ToLower(payload), strings.ToLower(r.Pattern))
	case rule.PatternBuiltinCreditCard:
		return reCreditCard.MatchString(payload)
	case rule.PatternBuiltinSSN:
		return reSSN.MatchString(payload)
	case rule.PatternBuiltinEmail:
		return reEmail.MatchString(payload)
	case rule.PatternBuiltinPhone:
		return rePhone.MatchString(payload)
	default:
		return false
	}
}

// conditionHolds evaluates a single condition against the context. A missing
// field makes the condition false for every operator; numeric operators with
// a non-numeric operand are false, not errors.
func conditionHolds(field string, op rule.Operator, want string, ctx Context) bool {
	v := ctx.Lookup(field)
	if v.Absent() {
		return false
	}

	switch op {
	case rule.OperatorEquals:
		return v.AsString() == want
	case rule.OperatorNotEquals:
		return v.AsString() != want
	case rule.OperatorContains:
		return strings.Contains(v.AsString(), want)
	case rule.OperatorNotContains:
		return !strings.Contains(v.AsString(), want)
	case rule.OperatorRegex:
		re := compileConditionExpr(want)
		return re != nil && re.MatchString(v.AsString())
	case rule.OperatorGreaterThan:
		lhs, ok := v.AsNumber()
		if !ok {
			return false
		}
		rhs, ok := Value{Kind: KindString, Str: want}.AsNumber()
		if !ok {
			return false
		}
		return lhs > rhs
	case rule.OperatorLessThan:
		lhs, ok := v.AsNumber()
		if !ok {
			return false
		}
		rhs, ok := Value{Kind: KindString, Str: want}.AsNumber()
		if !ok {
			return false
		}
		return lhs < rhs
	default:
		return false
	}
}

// ConditionsHold is the AND over all conditions. A rule without conditions
// passes condition checking.
func ConditionsHold(r *rule.DLPRule, ctx Context) bool {
	for _, c := range r.Conditions {
		if !conditionHolds(c.Field, c.Operator, c.Value, ctx) {
			return false
		}
	}
	return true
}

// ExceptionHolds is the OR over all exceptions. Any single exception holding
// unconditionally suppresses firing.
func ExceptionHolds(r *rule.DLPRule, ctx Context) bool {
	for _, e := range r.Exceptions {
		if conditionHolds(e.Field, e.Operator, e.Value, ctx) {
			return true
		}
	}
	return false
}
