package cmd

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/redact/internal/audit"
)

func TestAuditCmd_RecordsRuns(t *testing.T) {
	t.Setenv("REDACT_DATA_DIR", t.TempDir())

	_, _, err := execute(t, "run", "--key", testKey)
	require.NoError(t, err)

	out, _, err := execute(t, "audit", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "ENTITIES")
	assert.Contains(t, lines[1], "example")
	assert.Contains(t, lines[1], "EMAIL,PERSON")
	assert.NotContains(t, out, "john.doe@example.com")
	id := strings.Fields(lines[1])[0]

	out, _, err = execute(t, "audit", "show", id)
	require.NoError(t, err)
	var r audit.Record
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, id, r.ID)
	assert.Equal(t, audit.SourceCLI, r.Source)
	assert.Equal(t, keyCaller, r.Caller)
	assert.Equal(t, 2, r.SpanCount)

	out, _, err = execute(t, "audit", "verify", id)
	require.NoError(t, err)
	assert.Contains(t, out, "signature valid")
}

func TestAuditCmd_Filters(t *testing.T) {
	t.Setenv("REDACT_DATA_DIR", t.TempDir())

	out, _, err := execute(t, "audit", "list", "--caller", "nobody")
	require.NoError(t, err)
	assert.Contains(t, out, "No redaction records found.")

	_, _, err = execute(t, "audit", "show", "missing")
	assert.ErrorIs(t, err, audit.ErrRecordNotFound)
}

func TestAuditCmd_Disabled(t *testing.T) {
	t.Setenv("REDACT_DATA_DIR", t.TempDir())
	t.Setenv("REDACT_AUDIT", "false")

	_, _, err := execute(t, "run", "--key", testKey)
	require.NoError(t, err)
	_, _, err = execute(t, "audit", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}
