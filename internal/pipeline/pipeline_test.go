package pipeline

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/dativo-io/redact/internal/rules"
	"github.com/dativo-io/redact/internal/span"
	"github.com/dativo-io/redact/internal/transform"
)

const exampleText = "My name is John Doe and my email is john.doe@example.com."

var testKey = bytes.Repeat([]byte{0x5a}, 32)

// fixedRecognizer returns the same spans for every document.
type fixedRecognizer struct {
	spans []span.Span
	err   error
	delay time.Duration
	calls atomic.Int32
	lang  language.Tag
}

func (f *fixedRecognizer) Name() string { return "fixed" }

func (f *fixedRecognizer) Recognize(ctx context.Context, _ string, lang language.Tag) ([]span.Span, error) {
	f.calls.Add(1)
	f.lang = lang
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.spans, f.err
}

// stubbornRecognizer ignores ctx entirely.
type stubbornRecognizer struct{ release chan struct{} }

func (s stubbornRecognizer) Name() string { return "stubborn" }

func (s stubbornRecognizer) Recognize(context.Context, string, language.Tag) ([]span.Span, error) {
	<-s.release
	return nil, nil
}

// patternRecognizer finds names and emails by regex.
type patternRecognizer struct{}

var (
	nameRe  = regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`)
	emailRe = regexp.MustCompile(`[a-z.]+@[a-z]+\.[a-z]+`)
)

func (patternRecognizer) Name() string { return "pattern" }

func (patternRecognizer) Recognize(_ context.Context, text string, _ language.Tag) ([]span.Span, error) {
	var out []span.Span
	for _, m := range nameRe.FindAllStringIndex(text, -1) {
		out = append(out, span.Span{Start: m[0], End: m[1], EntityType: "PERSON", Likelihood: span.Likely})
	}
	for _, m := range emailRe.FindAllStringIndex(text, -1) {
		out = append(out, span.Span{Start: m[0], End: m[1], EntityType: "EMAIL", Likelihood: span.VeryLikely})
	}
	return out, nil
}

func exampleSpans() []span.Span {
	return []span.Span{
		{Start: 11, End: 19, EntityType: "PERSON", Likelihood: span.Likely},
		{Start: 36, End: 56, EntityType: "EMAIL", Likelihood: span.VeryLikely},
	}
}

func hashToken(entity, value string) string {
	mac := hmac.New(sha256.New, testKey)
	mac.Write([]byte(value))
	return "[" + entity + ":" + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))[:8] + "]"
}

func newPipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	if cfg.Table == nil && cfg.Transform.Default.Key == nil && cfg.Transform.Default.Wrapped == nil {
		cfg.Transform.Default = transform.Config{Kind: transform.Hash, Key: testKey}
	}
	p, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return p
}

func TestProcessEndToEnd(t *testing.T) {
	p := newPipeline(t, Config{Recognizer: &fixedRecognizer{spans: exampleSpans()}})

	res, err := p.Process(context.Background(), Document{ID: "doc-1", Text: exampleText})
	require.NoError(t, err)

	want := fmt.Sprintf("My name is %s and my email is %s.",
		hashToken("PERSON", "John Doe"), hashToken("EMAIL", "john.doe@example.com"))
	assert.Equal(t, want, res.Redacted)
	assert.Equal(t, "doc-1", res.DocumentID)
	require.Len(t, res.Applied, 2)
	assert.Equal(t, 11, res.Applied[0].Span.Start)
	assert.Equal(t, "John Doe", res.Applied[0].Span.Text)
	assert.Equal(t, hashToken("EMAIL", "john.doe@example.com"), res.Applied[1].Token)

	again, err := newPipeline(t, Config{Recognizer: &fixedRecognizer{spans: exampleSpans()}}).
		Process(context.Background(), Document{ID: "doc-2", Text: exampleText})
	require.NoError(t, err)
	assert.Equal(t, res.Redacted, again.Redacted, "same key reproduces the same output")
}

func TestProcessRedactsSpansWithoutLikelihood(t *testing.T) {
	rec := &fixedRecognizer{spans: []span.Span{
		{Start: 11, End: 19, EntityType: "PERSON"},
		{Start: 36, End: 56, EntityType: "EMAIL", Likelihood: span.Unlikely},
	}}
	p := newPipeline(t, Config{Recognizer: rec})

	res, err := p.Process(context.Background(), Document{Text: exampleText})
	require.NoError(t, err)
	want := fmt.Sprintf("My name is %s and my email is %s.",
		hashToken("PERSON", "John Doe"), hashToken("EMAIL", "john.doe@example.com"))
	assert.Equal(t, want, res.Redacted)
	assert.NotContains(t, res.Redacted, "John Doe")
}

func TestProcessRepeatedValuesShareToken(t *testing.T) {
	text := "Ann Lee met Bob Ray, then Ann Lee left."
	p := newPipeline(t, Config{Recognizer: patternRecognizer{}})
	res, err := p.Process(context.Background(), Document{Text: text})
	require.NoError(t, err)
	require.Len(t, res.Applied, 3)
	assert.Equal(t, res.Applied[0].Token, res.Applied[2].Token)
	assert.NotEqual(t, res.Applied[0].Token, res.Applied[1].Token)
}

func TestProcessIsIdempotentOnRedactedOutput(t *testing.T) {
	p := newPipeline(t, Config{Recognizer: patternRecognizer{}})
	first, err := p.Process(context.Background(), Document{Text: exampleText})
	require.NoError(t, err)
	require.NotEmpty(t, first.Applied)

	second, err := p.Process(context.Background(), Document{Text: first.Redacted})
	require.NoError(t, err)
	assert.Empty(t, second.Applied)
	assert.Equal(t, first.Redacted, second.Redacted)
}

func TestProcessResolvesOverlaps(t *testing.T) {
	text := "Call John Smith Jr today"
	p := newPipeline(t, Config{Recognizer: &fixedRecognizer{spans: []span.Span{
		{Start: 5, End: 15, EntityType: "PERSON", Likelihood: span.Likely},
		{Start: 5, End: 18, EntityType: "PERSON", Likelihood: span.Possible},
		{Start: 10, End: 15, EntityType: "LAST_NAME", Likelihood: span.VeryLikely},
	}}})
	res, err := p.Process(context.Background(), Document{Text: text})
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, "John Smith Jr", res.Applied[0].Span.Text)
	assert.Equal(t, "Call "+hashToken("PERSON", "John Smith Jr")+" today", res.Redacted)
}

func TestProcessAppliesRules(t *testing.T) {
	text := "foo John Doe works at Example Corp with Jane Roe"
	rs, err := rules.FromWordLists([]string{"foo"}, []string{"Example Corp"})
	require.NoError(t, err)

	p := newPipeline(t, Config{
		Rules: rs,
		Recognizer: &fixedRecognizer{spans: []span.Span{
			{Start: 4, End: 12, EntityType: "PERSON", Likelihood: span.VeryLikely},
			{Start: 22, End: 34, EntityType: "ORG", Likelihood: span.VeryLikely},
			{Start: 40, End: 48, EntityType: "PERSON", Likelihood: span.Possible},
		}},
	})
	res, err := p.Process(context.Background(), Document{Text: text})
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Equal(t, "Jane Roe", res.Applied[0].Span.Text)
}

func TestProcessEntityFilter(t *testing.T) {
	p := newPipeline(t, Config{
		Recognizer: &fixedRecognizer{spans: exampleSpans()},
		Entities:   []string{"EMAIL"},
	})
	res, err := p.Process(context.Background(), Document{Text: exampleText})
	require.NoError(t, err)
	require.Len(t, res.Applied, 1)
	assert.Contains(t, res.Redacted, "John Doe")
}

func TestProcessPassesLanguage(t *testing.T) {
	r := &fixedRecognizer{}
	p := newPipeline(t, Config{Recognizer: r, Language: language.English})

	_, err := p.Process(context.Background(), Document{Text: "x"})
	require.NoError(t, err)
	assert.Equal(t, language.English, r.lang)

	_, err = p.Process(context.Background(), Document{Text: "x", Language: language.German})
	require.NoError(t, err)
	assert.Equal(t, language.German, r.lang)
}

func TestProcessFailures(t *testing.T) {
	tests := []struct {
		name      string
		rec       Recognizer
		timeout   time.Duration
		wantErr   error
		wantStage Stage
	}{
		{
			name:      "recognizer error",
			rec:       &fixedRecognizer{err: errors.New("503 from upstream")},
			wantErr:   ErrRecognizerUnavailable,
			wantStage: Recognized,
		},
		{
			name:      "recognizer timeout",
			rec:       &fixedRecognizer{delay: time.Second},
			timeout:   20 * time.Millisecond,
			wantErr:   ErrRecognizerTimeout,
			wantStage: Recognized,
		},
		{
			name:      "recognizer ignores deadline",
			rec:       stubbornRecognizer{release: make(chan struct{})},
			timeout:   20 * time.Millisecond,
			wantErr:   ErrRecognizerTimeout,
			wantStage: Recognized,
		},
		{
			name:      "span out of range",
			rec:       &fixedRecognizer{spans: []span.Span{{Start: 50, End: 500, EntityType: "X", Likelihood: span.Likely}}},
			wantErr:   span.ErrMalformedSpan,
			wantStage: Recognized,
		},
		{
			name:      "span splits a rune",
			rec:       &fixedRecognizer{spans: []span.Span{{Start: 1, End: 2, EntityType: "X", Likelihood: span.Likely}}},
			wantErr:   span.ErrMalformedSpan,
			wantStage: Recognized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newPipeline(t, Config{Recognizer: tt.rec, RecognizerTimeout: tt.timeout})
			res, err := p.Process(context.Background(), Document{ID: "d", Text: "é and more text here"})
			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)

			var se *StageError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.wantStage, se.Stage)
			assert.Equal(t, "d", se.DocumentID)
		})
		if s, ok := tt.rec.(stubbornRecognizer); ok {
			close(s.release)
		}
	}
}

func TestProcessCallerCancellation(t *testing.T) {
	p := newPipeline(t, Config{Recognizer: &fixedRecognizer{delay: time.Second}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Process(ctx, Document{Text: "x"})
	assert.True(t, errors.Is(err, ErrRecognizerTimeout))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestProcessTransformFailure(t *testing.T) {
	u := unwrapFunc(func(context.Context, string, []byte) ([]byte, error) {
		return bytes.Repeat([]byte{1}, 32), nil
	})
	p, err := New(context.Background(), Config{
		Recognizer: &fixedRecognizer{spans: []span.Span{{Start: 0, End: 3, EntityType: "ID", Likelihood: span.Likely}}},
		Transform: transform.TableConfig{Default: transform.Config{
			Kind:     transform.FormatPreservingEncrypt,
			Alphabet: "numeric",
			Wrapped:  &transform.WrappedKey{KeyName: "k", Blob: base64.StdEncoding.EncodeToString([]byte("b"))},
		}},
		Unwrapper: u,
	})
	require.NoError(t, err)

	_, err = p.Process(context.Background(), Document{Text: "abc 123"})
	assert.True(t, errors.Is(err, transform.ErrInvalidAlphabet), "got %v", err)
	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, Transformed, se.Stage)
}

type unwrapFunc func(ctx context.Context, keyName string, blob []byte) ([]byte, error)

func (f unwrapFunc) Unwrap(ctx context.Context, keyName string, blob []byte) ([]byte, error) {
	return f(ctx, keyName, blob)
}

func TestNewRejectsBadConfigBeforeRecognition(t *testing.T) {
	rec := &fixedRecognizer{}
	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"no recognizer", Config{}, ErrInvalidConfig},
		{"bad key", Config{Recognizer: rec, Transform: transform.TableConfig{Default: transform.Config{Key: []byte("short")}}}, transform.ErrInvalidKey},
		{"fpe without wrapped key", Config{Recognizer: rec, Transform: transform.TableConfig{Default: transform.Config{Kind: transform.FormatPreservingEncrypt}}}, transform.ErrInvalidKey},
		{"nil-pattern rule", Config{Recognizer: rec, Rules: []*rules.Rule{{Name: "x", Kind: rules.Hotword}}}, rules.ErrRuleCompilation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
	assert.Zero(t, rec.calls.Load())
}

func TestStageString(t *testing.T) {
	assert.Equal(t, "rule_adjusted", RuleAdjusted.String())
	assert.Equal(t, "failed", Failed.String())
	assert.Equal(t, "unknown", Stage(42).String())

	err := fail("doc-9", Resolved, span.ErrMalformedSpan)
	assert.Equal(t, "document doc-9: resolved: malformed span", err.Error())
}

func TestFormatCombined(t *testing.T) {
	assert.Equal(t, "<source>a b</source>\n<redacted>[X:1]</redacted>", FormatCombined("a b", "[X:1]"))
}
