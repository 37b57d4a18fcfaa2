// Package pipeline runs documents through recognition, rule adjustment,
// overlap resolution, transformation and rewriting.
package pipeline

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"

	redactotel "github.com/dativo-io/redact/internal/otel"
	"github.com/dativo-io/redact/internal/rewrite"
	"github.com/dativo-io/redact/internal/rules"
	"github.com/dativo-io/redact/internal/span"
	"github.com/dativo-io/redact/internal/transform"
)

var tracer = redactotel.Tracer("github.com/dativo-io/redact/internal/pipeline")

// Recognizer proposes candidate spans for a document. Offsets are byte
// offsets into text on rune boundaries. Implementations must honour ctx.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, text string, lang language.Tag) ([]span.Span, error)
}

// DefaultRecognizerTimeout bounds a recognizer call when none is configured.
const DefaultRecognizerTimeout = 30 * time.Second

// Config assembles a pipeline. Either Table or Transform is used to build
// the transform table; Table wins when both are set.
type Config struct {
	Recognizer Recognizer

	Rules         []*rules.Rule
	MinLikelihood span.Likelihood

	Table     *transform.Table
	Transform transform.TableConfig
	Unwrapper transform.KeyUnwrapper

	// Entities restricts redaction to these entity types. Empty accepts all.
	Entities []string
	// RecognizerTimeout bounds each recognizer call. Zero selects
	// DefaultRecognizerTimeout; negative disables the bound.
	RecognizerTimeout time.Duration
	// Language is passed to the recognizer when a document has none.
	Language language.Tag
}

// Document is one unit of input.
type Document struct {
	ID       string
	Text     string
	Language language.Tag
}

// Applied is a span that was replaced and the token that replaced it.
type Applied struct {
	Span  span.Span `json:"span"`
	Token string    `json:"token"`
}

// Result is the outcome of processing a document. Applied is ordered by
// ascending start offset.
type Result struct {
	DocumentID string    `json:"document_id"`
	Redacted   string    `json:"redacted"`
	Applied    []Applied `json:"applied"`
}

// Pipeline is immutable after New and safe for concurrent Process calls.
type Pipeline struct {
	recognizer Recognizer
	engine     *rules.Engine
	table      *transform.Table
	entities   map[string]bool
	timeout    time.Duration
	lang       language.Tag
}

// New validates cfg and resolves all key material. Every configuration
// error surfaces here, before any document is accepted.
func New(ctx context.Context, cfg Config) (*Pipeline, error) {
	if cfg.Recognizer == nil {
		return nil, errors.Wrap(ErrInvalidConfig, "no recognizer configured")
	}
	engine, err := rules.NewEngine(cfg.Rules, cfg.MinLikelihood)
	if err != nil {
		return nil, errors.Mark(err, ErrInvalidConfig)
	}
	table := cfg.Table
	if table == nil {
		if table, err = transform.BuildTable(ctx, cfg.Transform, cfg.Unwrapper); err != nil {
			return nil, errors.Mark(err, ErrInvalidConfig)
		}
	}
	p := &Pipeline{
		recognizer: cfg.Recognizer,
		engine:     engine,
		table:      table,
		timeout:    cfg.RecognizerTimeout,
		lang:       cfg.Language,
	}
	if p.timeout == 0 {
		p.timeout = DefaultRecognizerTimeout
	}
	if len(cfg.Entities) > 0 {
		p.entities = make(map[string]bool, len(cfg.Entities))
		for _, e := range cfg.Entities {
			p.entities[e] = true
		}
	}
	if table.Transient() {
		log.Warn().Msg("no key configured; tokens use a transient key and will not match other runs")
	}
	return p, nil
}

// Table returns the transform table shared by all documents.
func (p *Pipeline) Table() *transform.Table { return p.table }

// RecognizerName returns the configured recognizer's name.
func (p *Pipeline) RecognizerName() string { return p.recognizer.Name() }

// Process redacts one document. On failure the returned error is a
// *StageError naming the stage that could not be reached, and no partial
// result is returned.
func (p *Pipeline) Process(ctx context.Context, doc Document) (*Result, error) {
	start := time.Now()
	ctx, sp := tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(
			redactotel.DocumentID.String(doc.ID),
			redactotel.RecognizerName.String(p.recognizer.Name()),
			attribute.Int("document.bytes", len(doc.Text)),
		))
	defer sp.End()

	res, stage, err := p.process(ctx, sp, doc)
	dur := time.Since(start)
	if err != nil {
		sp.RecordError(err)
		sp.SetStatus(codes.Error, stage.String())
		redactotel.RecordDocument(ctx, Failed.String(), stage.String(), dur)
		log.Error().
			Err(err).
			Str("document_id", doc.ID).
			Stringer("stage", stage).
			Func(redactotel.LogTraceFields(ctx)).
			Msg("redaction failed")
		return nil, fail(doc.ID, stage, err)
	}
	redactotel.RecordDocument(ctx, Done.String(), Done.String(), dur)
	for _, a := range res.Applied {
		redactotel.RecordSpan(ctx, a.Span.EntityType)
	}
	log.Debug().
		Str("document_id", doc.ID).
		Int("spans", len(res.Applied)).
		Dur("duration", dur).
		Func(redactotel.LogTraceFields(ctx)).
		Msg("document redacted")
	return res, nil
}

// process returns the failing stage alongside any error.
func (p *Pipeline) process(ctx context.Context, sp trace.Span, doc Document) (*Result, Stage, error) {
	advance := func(s Stage, n int) {
		sp.AddEvent(s.String(), trace.WithAttributes(redactotel.SpanCount.Int(n)))
	}
	advance(Received, 0)

	lang := doc.Language
	if lang == language.Und {
		lang = p.lang
	}
	candidates, err := p.recognize(ctx, doc.Text, lang)
	if err != nil {
		return nil, Recognized, err
	}
	candidates, err = span.Validate(doc.Text, candidates)
	if err != nil {
		return nil, Recognized, err
	}
	candidates = p.filter(candidates)
	advance(Recognized, len(candidates))

	adjusted := p.engine.Adjust(doc.Text, candidates)
	advance(RuleAdjusted, len(adjusted))

	resolved, err := span.Resolve(adjusted)
	if err != nil {
		return nil, Resolved, err
	}
	advance(Resolved, len(resolved))

	applied := make([]Applied, len(resolved))
	reps := make([]rewrite.Replacement, len(resolved))
	for i, s := range resolved {
		tok, err := p.table.Transform(s.Text, s.EntityType)
		if err != nil {
			return nil, Transformed, errors.Wrapf(err, "transforming %s span at offset %d", s.EntityType, s.Start)
		}
		applied[i] = Applied{Span: s, Token: tok}
		reps[i] = rewrite.Replacement{Span: s, Token: tok}
		log.Trace().Str("document_id", doc.ID).Str("span", s.String()).Msg("span transformed")
	}
	advance(Transformed, len(applied))

	out, err := rewrite.Rewrite(doc.Text, reps)
	if err != nil {
		return nil, Rewritten, err
	}
	advance(Rewritten, len(applied))
	advance(Done, len(applied))

	return &Result{DocumentID: doc.ID, Redacted: out, Applied: applied}, Done, nil
}

type recognition struct {
	spans []span.Span
	err   error
}

// recognize calls the recognizer under the configured timeout. The call
// runs on its own goroutine so a recognizer that ignores ctx cannot hold
// the document past its deadline.
func (p *Pipeline) recognize(ctx context.Context, text string, lang language.Tag) ([]span.Span, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	ch := make(chan recognition, 1)
	go func() {
		spans, err := p.recognizer.Recognize(ctx, text, lang)
		ch <- recognition{spans, err}
	}()

	select {
	case <-ctx.Done():
		return nil, errors.Mark(errors.Wrapf(ctx.Err(), "recognizer %s", p.recognizer.Name()), ErrRecognizerTimeout)
	case r := <-ch:
		switch {
		case r.err == nil:
			return r.spans, nil
		case ctx.Err() != nil, errors.Is(r.err, context.DeadlineExceeded), errors.Is(r.err, context.Canceled):
			return nil, errors.Mark(errors.Wrapf(r.err, "recognizer %s", p.recognizer.Name()), ErrRecognizerTimeout)
		default:
			return nil, errors.Mark(errors.Wrapf(r.err, "recognizer %s", p.recognizer.Name()), ErrRecognizerUnavailable)
		}
	}
}

func (p *Pipeline) filter(spans []span.Span) []span.Span {
	if p.entities == nil {
		return spans
	}
	out := make([]span.Span, 0, len(spans))
	for _, s := range spans {
		if p.entities[s.EntityType] {
			out = append(out, s)
		}
	}
	return out
}
