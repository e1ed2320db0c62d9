package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTablesAreIdempotentDDL(t *testing.T) {
	seen := map[string]bool{}
	for _, tbl := range Tables {
		assert.False(t, seen[tbl.Name], "duplicate table %s", tbl.Name)
		seen[tbl.Name] = true
		assert.True(t, strings.HasPrefix(tbl.DDL, "CREATE TABLE IF NOT EXISTS "+tbl.Name+" "), tbl.Name)
	}
	assert.True(t, seen["conversation_counters"])
}

func TestKeyspaceName(t *testing.T) {
	assert.True(t, keyspaceName.MatchString("chat"))
	assert.True(t, keyspaceName.MatchString("chat_test2"))
	assert.False(t, keyspaceName.MatchString("chat; DROP"))
	assert.False(t, keyspaceName.MatchString("1chat"))
}
