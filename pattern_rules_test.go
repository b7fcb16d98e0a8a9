package sqlguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPatternEngineHighestSeverityWins(t *testing.T) {
	engine := NewPatternEngine(nil)

	m, ok := engine.Evaluate(Normalize("DROP TABLE x; SELECT * FROM a UNION SELECT * FROM b;"))
	require.True(t, ok)
	assert.Equal(t, SeverityHigh, m.Severity)
	assert.Equal(t, "DROP_TABLE", m.RuleID)
}

func TestPatternEngineSignatures(t *testing.T) {
	engine := NewPatternEngine(nil)
	tests := []struct {
		sql      string
		rule     string
		severity Severity
	}{
		{"drop   table students", "DROP_TABLE", SeverityHigh},
		{"truncate audit_log", "TRUNCATE", SeverityHigh},
		{"select a from t union select b from u", "UNION_SELECT", SeverityMedium},
		{"select * from users where name = 'x' or 1=1", "OR_TAUTOLOGY", SeverityMedium},
		{"select * from users where name = '' OR 0 = 0", "OR_TAUTOLOGY", SeverityMedium},
		{"select sleep(5)", "SLEEP_FUNC", SeverityLow},
	}
	for _, tt := range tests {
		m, ok := engine.Evaluate(Normalize(tt.sql))
		require.True(t, ok, tt.sql)
		assert.Equal(t, tt.rule, m.RuleID, tt.sql)
		assert.Equal(t, tt.severity, m.Severity, tt.sql)
	}
}

func TestPatternEngineNoMatch(t *testing.T) {
	engine := NewPatternEngine(nil)
	for _, sql := range []string{
		"SELECT id, name FROM students WHERE id = 7",
		"UPDATE orders SET status = 'shipped' WHERE id = 9",
		"",
	} {
		_, ok := engine.Evaluate(Normalize(sql))
		assert.False(t, ok, sql)
	}
}

func TestPatternEngineTiesKeepEarliestRule(t *testing.T) {
	first, err := NewPatternRule("FIRST", SeverityMedium, `FOO`)
	require.NoError(t, err)
	second, err := NewPatternRule("SECOND", SeverityMedium, `BAR`)
	require.NoError(t, err)

	m, ok := NewPatternEngine([]PatternRule{first, second}).Evaluate("FOO BAR")
	require.True(t, ok)
	assert.Equal(t, "FIRST", m.RuleID)
}

func TestNewPatternRuleValidation(t *testing.T) {
	_, err := NewPatternRule("", SeverityHigh, `x`)
	assert.Error(t, err)
	_, err = NewPatternRule("BAD", Severity("CRITICAL"), `x`)
	assert.Error(t, err)
	_, err = NewPatternRule("BAD", SeverityHigh, `(`)
	assert.Error(t, err)
}
