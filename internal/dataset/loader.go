package dataset

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// LoaderOptions sizes batches and the decode worker pool. Workers == 0
// builds batches on the caller's goroutine.
type LoaderOptions struct {
	BatchSize int
	Workers   int
}

// Loader walks an index in order, in batches of BatchSize.
type Loader struct {
	index     *Index
	assembler *Assembler
	batchSize int
	workers   int
}

// NewLoader creates a loader. BatchSize below 1 is treated as 1.
func NewLoader(index *Index, assembler *Assembler, opts LoaderOptions) *Loader {
	return &Loader{
		index:     index,
		assembler: assembler,
		batchSize: max(opts.BatchSize, 1),
		workers:   max(opts.Workers, 0),
	}
}

// NumBatches is the number of batches Iterate will emit.
func (l *Loader) NumBatches() int {
	return (l.index.Len() + l.batchSize - 1) / l.batchSize
}

// Iterate calls fn with each batch in index order, including empty ones.
// With workers, up to Workers batches are built concurrently and at most
// 2*Workers finished batches wait for fn. The first error from building or
// from fn stops iteration.
func (l *Loader) Iterate(ctx context.Context, fn func(Batch) error) error {
	if l.workers == 0 {
		for i := 0; i < l.NumBatches(); i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			batch, err := l.build(ctx, i)
			if err != nil {
				return err
			}
			if err := fn(batch); err != nil {
				return err
			}
		}
		return nil
	}
	return l.iterateParallel(ctx, fn)
}

type built struct {
	batch Batch
	err   error
}

func (l *Loader) iterateParallel(parent context.Context, fn func(Batch) error) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	n := l.NumBatches()
	results := make([]chan built, n)
	for i := range results {
		results[i] = make(chan built, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	prefetch := make(chan struct{}, 2*l.workers)

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for i := 0; i < n; i++ {
			select {
			case prefetch <- struct{}{}:
			case <-gctx.Done():
				return
			}
			g.Go(func() error {
				batch, err := l.build(gctx, i)
				results[i] <- built{batch: batch, err: err}
				return err
			})
		}
	}()

	consumeErr := func() error {
		for i := 0; i < n; i++ {
			var res built
			select {
			case res = <-results[i]:
			case <-gctx.Done():
				return nil
			}
			<-prefetch

			if res.err != nil {
				return res.err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(res.batch); err != nil {
				return err
			}
		}
		return nil
	}()

	cancel()
	<-dispatched
	groupErr := g.Wait()

	switch {
	case consumeErr != nil:
		return consumeErr
	case groupErr != nil && !errors.Is(groupErr, context.Canceled):
		return groupErr
	default:
		return parent.Err()
	}
}

// build retrieves and assembles batch i.
func (l *Loader) build(ctx context.Context, i int) (Batch, error) {
	start := i * l.batchSize
	end := min(start+l.batchSize, l.index.Len())

	items := make([]Item, 0, end-start)
	for j := start; j < end; j++ {
		items = append(items, l.index.Get(ctx, j))
	}
	return l.assembler.Assemble(items)
}
