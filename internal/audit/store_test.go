package audit

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/dativo-io/redact/internal/pipeline"
	"github.com/dativo-io/redact/internal/span"
	"github.com/dativo-io/redact/internal/transform"
)

const testSigningKey = "test-signing-key-1234567890123456"

type staticRecognizer struct {
	spans []span.Span
	err   error
}

func (staticRecognizer) Name() string { return "static" }

func (s staticRecognizer) Recognize(context.Context, string, language.Tag) ([]span.Span, error) {
	return s.spans, s.err
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "audit.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestPipeline(t *testing.T, rec pipeline.Recognizer) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(context.Background(), pipeline.Config{
		Recognizer: rec,
		Transform: transform.TableConfig{Default: transform.Config{
			Kind: transform.Hash,
			Key:  bytes.Repeat([]byte{0x22}, 32),
		}},
	})
	require.NoError(t, err)
	return p
}

const text = "Ann Lee, ann@example.com, bob@example.com"

func process(t *testing.T) (*pipeline.Pipeline, Outcome) {
	t.Helper()
	p := newTestPipeline(t, staticRecognizer{spans: []span.Span{
		{Start: 0, End: 7, EntityType: "PERSON", Likelihood: span.Likely},
		{Start: 9, End: 24, EntityType: "EMAIL", Likelihood: span.VeryLikely},
		{Start: 26, End: 41, EntityType: "EMAIL", Likelihood: span.VeryLikely},
	}})
	doc := pipeline.Document{ID: "doc-1", Text: text}
	res, err := p.Process(context.Background(), doc)
	require.NoError(t, err)
	return p, Outcome{Source: SourceCLI, Caller: "etl", Document: doc, Result: res, Duration: 12 * time.Millisecond}
}

func TestLogAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p, o := process(t)

	r, err := store.Log(ctx, p, o)
	require.NoError(t, err)
	assert.NotEmpty(t, r.ID)
	assert.True(t, strings.HasPrefix(r.Signature, "hmac-sha256:"))

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", got.DocumentID)
	assert.Equal(t, "etl", got.Caller)
	assert.Equal(t, SourceCLI, got.Source)
	assert.Equal(t, "static", got.Recognizer)
	assert.Equal(t, "hash", got.Transform)
	assert.False(t, got.TransientKey)
	assert.Equal(t, 3, got.SpanCount)
	assert.Equal(t, map[string]int{"PERSON": 1, "EMAIL": 2}, got.Entities)
	assert.Equal(t, []string{"EMAIL", "PERSON"}, got.EntityTypes())
	assert.Equal(t, len(text), got.InputBytes)
	assert.Equal(t, int64(12), got.DurationMS)
	assert.Len(t, got.InputDigest, 32)
	assert.NotEqual(t, got.InputDigest, got.OutputDigest)
}

func TestRecordHoldsNoDocumentText(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p, o := process(t)
	r, err := store.Log(ctx, p, o)
	require.NoError(t, err)

	var recordJSON string
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT record_json FROM redaction_audit WHERE id = ?`, r.ID).Scan(&recordJSON))
	for _, pii := range []string{"Ann Lee", "ann@example.com", "bob@example.com"} {
		assert.NotContains(t, recordJSON, pii)
	}
	assert.NotContains(t, recordJSON, o.Result.Redacted)
}

func TestLogFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p := newTestPipeline(t, staticRecognizer{err: errors.New("connection refused")})
	doc := pipeline.Document{ID: "doc-2", Text: "hello"}
	_, perr := p.Process(ctx, doc)
	require.Error(t, perr)

	r, err := store.Log(ctx, p, Outcome{Source: SourceAPI, Caller: "10.0.0.1", Document: doc, Err: perr})
	require.NoError(t, err)
	assert.Equal(t, "recognized", r.Stage)
	assert.Contains(t, r.Error, "doc-2")
	assert.Zero(t, r.SpanCount)
	assert.Empty(t, r.OutputDigest)
}

func TestVerify(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p, o := process(t)
	r, err := store.Log(ctx, p, o)
	require.NoError(t, err)

	ok, err := store.Verify(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.db.ExecContext(ctx,
		`UPDATE redaction_audit SET record_json = replace(record_json, '"span_count":3', '"span_count":0') WHERE id = ?`, r.ID)
	require.NoError(t, err)
	ok, err = store.Verify(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, ok, "tampered record must fail verification")
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
	_, err = store.Verify(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	p, o := process(t)

	for _, caller := range []string{"etl", "etl", "analytics"} {
		o.Caller = caller
		_, err := store.Log(ctx, p, o)
		require.NoError(t, err)
	}

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Timestamp.After(all[i-1].Timestamp), "newest first")
	}

	etl, err := store.List(ctx, Filter{Caller: "etl"})
	require.NoError(t, err)
	assert.Len(t, etl, 2)

	limited, err := store.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	future, err := store.List(ctx, Filter{From: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)
}

func TestSigner(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"raw", testSigningKey, false},
		{"hex", strings.Repeat("ab", 32), false},
		{"short", "too-short", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewSigner(tt.key)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSigningKey)
				return
			}
			require.NoError(t, err)
			sig := s.Sign([]byte("payload"))
			assert.True(t, s.Verify([]byte("payload"), sig))
			assert.False(t, s.Verify([]byte("payload2"), sig))
			assert.Equal(t, s.Digest("x"), s.Digest("x"))
			assert.NotEqual(t, s.Digest("x"), s.Digest("y"))
		})
	}
}

func TestDigestIsKeyed(t *testing.T) {
	a, err := NewSigner(testSigningKey)
	require.NoError(t, err)
	b, err := NewSigner(strings.Repeat("k", 32))
	require.NoError(t, err)
	assert.NotEqual(t, a.Digest("ann@example.com"), b.Digest("ann@example.com"))
}
