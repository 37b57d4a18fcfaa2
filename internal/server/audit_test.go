package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/redact/internal/audit"
)

func newAuditStore(t *testing.T) *audit.Store {
	t.Helper()
	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"), "server-audit-signing-key-0123456789")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

type auditListResponse struct {
	Records []audit.Record `json:"records"`
}

func TestAuditLog_RecordsPerCaller(t *testing.T) {
	store := newAuditStore(t)
	keys := map[string]string{"k-etl": "etl", "k-bi": "analytics"}
	h := NewServer(newTestPipeline(t, nil), keys, WithAuditLog(store)).Routes()

	rec := do(t, h, http.MethodPost, "/v1/redact", `{"id":"d1","text":"`+exampleText+`"}`, map[string]string{"X-Redact-Key": "k-etl"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/v1/redact/batch",
		`{"documents":[{"id":"b1","text":"ann@example.org"},{"id":"b2","text":"nothing"}]}`,
		map[string]string{"X-Redact-Key": "k-bi"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/audit", "", map[string]string{"X-Redact-Key": "k-etl"})
	require.Equal(t, http.StatusOK, rec.Code)
	var etl auditListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&etl))
	require.Len(t, etl.Records, 1)
	r := etl.Records[0]
	assert.Equal(t, "d1", r.DocumentID)
	assert.Equal(t, audit.SourceAPI, r.Source)
	assert.Equal(t, map[string]int{"PERSON": 1, "EMAIL": 1}, r.Entities)
	assert.NotContains(t, rec.Body.String(), "john.doe@example.com")

	rec = do(t, h, http.MethodGet, "/v1/audit?document_id=b1", "", map[string]string{"X-Redact-Key": "k-bi"})
	require.Equal(t, http.StatusOK, rec.Code)
	var bi auditListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&bi))
	require.Len(t, bi.Records, 1)
	assert.Equal(t, 1, bi.Records[0].SpanCount)
}

func TestAuditLog_RecordsFailures(t *testing.T) {
	store := newAuditStore(t)
	h := NewServer(newTestPipeline(t, failingRecognizer{err: errors.New("down")}), nil, WithAuditLog(store)).Routes()

	rec := do(t, h, http.MethodPost, "/v1/redact", `{"id":"f1","text":"hello"}`, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/audit", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out auditListResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	require.Len(t, out.Records, 1)
	assert.Equal(t, "recognized", out.Records[0].Stage)
	assert.NotEmpty(t, out.Records[0].Error)
}

func TestAuditLog_BadLimit(t *testing.T) {
	h := NewServer(newTestPipeline(t, nil), nil, WithAuditLog(newAuditStore(t))).Routes()
	rec := do(t, h, http.MethodGet, "/v1/audit?limit=0", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditRouteDisabled(t *testing.T) {
	h := NewServer(newTestPipeline(t, nil), nil).Routes()
	rec := do(t, h, http.MethodGet, "/v1/audit", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
