package pipeline

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ProcessBatch redacts docs concurrently with at most workers documents in
// flight (GOMAXPROCS when workers <= 0). Results are in input order. The
// first failure cancels the rest and is returned; there are no partial
// results.
func (p *Pipeline) ProcessBatch(ctx context.Context, docs []Document, workers int) ([]*Result, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	results := make([]*Result, len(docs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range docs {
		i := i
		g.Go(func() error {
			res, err := p.Process(gctx, docs[i])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
