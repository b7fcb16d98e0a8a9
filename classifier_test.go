package sqlguard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyAction(t *testing.T) {
	tests := map[string]Action{
		"SELECT * FROM T":             ActionSelect,
		"INSERT INTO T VALUES (0)":    ActionInsert,
		"UPDATE T SET A = 0":          ActionUpdate,
		"DELETE FROM T":               ActionDelete,
		"CREATE TABLE T (A INT)":      ActionDDL,
		"ALTER TABLE T ADD B INT":     ActionDDL,
		"DROP TABLE T":                ActionDDL,
		"TRUNCATE T":                  ActionDDL,
		"RENAME TABLE A TO B":         ActionDDL,
		"SHOW TABLES":                 ActionOther,
		"":                            ActionOther,
		"WITH X AS (SELECT 0) SELECT": ActionOther,
	}
	for sql, want := range tests {
		assert.Equal(t, want, ClassifyAction(sql), sql)
	}
}

func TestActionIsWrite(t *testing.T) {
	assert.True(t, ActionInsert.IsWrite())
	assert.True(t, ActionUpdate.IsWrite())
	assert.True(t, ActionDelete.IsWrite())
	assert.False(t, ActionSelect.IsWrite())
	assert.False(t, ActionDDL.IsWrite())
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" delete ")
	require.NoError(t, err)
	assert.Equal(t, ActionDelete, a)

	_, err = ParseAction("MERGE")
	assert.Error(t, err)
}

func TestExtractTables(t *testing.T) {
	assert.Equal(t, []string{"ORDERS"}, ExtractTables(Normalize("DELETE FROM orders WHERE id = 3")))
	assert.Equal(t, []string{"A", "B"}, ExtractTables(Normalize("SELECT * FROM a UNION SELECT * FROM b UNION SELECT * FROM a")))
	assert.Equal(t, []string{"SHOP.ITEMS"}, ExtractTables(Normalize("INSERT INTO shop.items VALUES (1)")))
	assert.Equal(t, []string{"STUDENTS"}, ExtractTables(Normalize("DROP TABLE students")))
	assert.Equal(t, []string{"*"}, ExtractTables(Normalize("DELETE")))
}
