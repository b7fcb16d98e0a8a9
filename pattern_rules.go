package sqlguard

import (
	"fmt"
	"regexp"
)

// PatternRule is a threat signature evaluated against normalized SQL.
type PatternRule struct {
	ID       string
	Severity Severity
	re       *regexp.Regexp
}

// NewPatternRule compiles expr as a case-insensitive, dot-all signature.
func NewPatternRule(id string, severity Severity, expr string) (PatternRule, error) {
	if id == "" {
		return PatternRule{}, fmt.Errorf("pattern rule has empty id")
	}
	if !severity.Valid() {
		return PatternRule{}, fmt.Errorf("pattern rule %s has invalid severity %q", id, severity)
	}
	re, err := regexp.Compile(`(?is)` + expr)
	if err != nil {
		return PatternRule{}, fmt.Errorf("pattern rule %s: %w", id, err)
	}
	return PatternRule{ID: id, Severity: severity, re: re}, nil
}

func mustPatternRule(id string, severity Severity, expr string) PatternRule {
	rule, err := NewPatternRule(id, severity, expr)
	if err != nil {
		panic(err)
	}
	return rule
}

// DefaultPatternRules returns the baseline signature set.
func DefaultPatternRules() []PatternRule {
	return []PatternRule{
		mustPatternRule("DROP_TABLE", SeverityHigh, `\bDROP\s+TABLE\b`),
		mustPatternRule("TRUNCATE", SeverityHigh, `\bTRUNCATE\b`),
		mustPatternRule("UNION_SELECT", SeverityMedium, `\bUNION\s+SELECT\b`),
		mustPatternRule("OR_TAUTOLOGY", SeverityMedium, `\bOR\s+(?:1|0)\s*=\s*(?:1|0)\b`),
		mustPatternRule("SLEEP_FUNC", SeverityLow, `\bSLEEP\s*\(`),
	}
}

// PatternMatch is the strongest signature that matched a statement.
type PatternMatch struct {
	RuleID   string
	Severity Severity
}

// PatternEngine evaluates an ordered, immutable list of signatures.
// It holds no mutable state and is safe for concurrent use.
type PatternEngine struct {
	rules []PatternRule
}

func NewPatternEngine(rules []PatternRule) *PatternEngine {
	if rules == nil {
		rules = DefaultPatternRules()
	}
	return &PatternEngine{rules: append([]PatternRule(nil), rules...)}
}

func (e *PatternEngine) Rules() []PatternRule {
	return append([]PatternRule(nil), e.rules...)
}

// Evaluate returns the highest-severity signature found in normalized, or
// false when none matches. Ties keep the earliest rule.
func (e *PatternEngine) Evaluate(normalized string) (PatternMatch, bool) {
	var best *PatternRule
	for i := range e.rules {
		rule := &e.rules[i]
		if !rule.re.MatchString(normalized) {
			continue
		}
		if best == nil || rule.Severity.Rank() > best.Severity.Rank() {
			best = rule
		}
	}
	if best == nil {
		return PatternMatch{}, false
	}
	return PatternMatch{RuleID: best.ID, Severity: best.Severity}, true
}
