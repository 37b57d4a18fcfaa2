// Package recognizer combines PII recognizers.
//
// The concrete adapters live in subpackages: llm (OpenAI-compatible chat
// models) and comprehend (AWS Comprehend). The local regex recognizer is
// internal/classifier.
package recognizer

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/dativo-io/redact/internal/pipeline"
	"github.com/dativo-io/redact/internal/span"
)

// Chain runs several recognizers over the same text and returns the union
// of their spans. Overlaps between members are left to the resolver.
type Chain struct {
	members []pipeline.Recognizer
}

// NewChain returns a Chain over members. Nil members are skipped.
func NewChain(members ...pipeline.Recognizer) *Chain {
	c := &Chain{}
	for _, m := range members {
		if m != nil {
			c.members = append(c.members, m)
		}
	}
	return c
}

// Name joins the member names with "+".
func (c *Chain) Name() string {
	names := make([]string, len(c.members))
	for i, m := range c.members {
		names[i] = m.Name()
	}
	return strings.Join(names, "+")
}

// Len reports the number of members.
func (c *Chain) Len() int { return len(c.members) }

// Recognize calls every member concurrently. If any member fails the
// whole call fails and no spans are returned.
func (c *Chain) Recognize(ctx context.Context, text string, lang language.Tag) ([]span.Span, error) {
	if len(c.members) == 0 {
		return nil, errors.New("recognizer chain is empty")
	}
	results := make([][]span.Span, len(c.members))
	g, gctx := errgroup.WithContext(ctx)
	for i, m := range c.members {
		g.Go(func() error {
			spans, err := m.Recognize(gctx, text, lang)
			if err != nil {
				return errors.Wrapf(err, "recognizer %s", m.Name())
			}
			results[i] = spans
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []span.Span
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}
