package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRewritePlaceholders(t *testing.T) {
	assert.Equal(t, `SELECT * FROM "wg0" WHERE id = $1 AND name = $2`,
		rewriteQuery(DialectPostgres, `SELECT * FROM "wg0" WHERE id = ? AND name = ?`))
	assert.Equal(t, `SELECT '?' FROM t WHERE a = $1`,
		rewriteQuery(DialectPostgres, `SELECT '?' FROM t WHERE a = ?`))
	assert.Equal(t, `SELECT ? FROM t`, rewriteQuery(DialectSQLite, `SELECT ? FROM t`))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "?, ?, ?", placeholders(3))
	assert.Equal(t, "?", placeholders(1))
}
