package cassandra

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaStatements(t *testing.T) {
	stmts := schemaStatements()

	require.Len(t, stmts, 2)
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE IF NOT EXISTS call_signaling_events"))
	assert.True(t, strings.HasPrefix(stmts[1], "CREATE TABLE IF NOT EXISTS call_quality_metrics"))
	for _, s := range stmts {
		assert.NotContains(t, s, ";")
	}
}
