package loader

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/ic50bert/internal/domain/affinity"
	"github.com/turtacn/ic50bert/internal/intelligence/collate"
	"github.com/turtacn/ic50bert/pkg/errors"
)

// iterator consumes the output of one epoch's worker pool. A dispatcher hands
// batch numbers to the workers while holding one of prefetch slots; the
// consumer frees the slot when it takes the batch. Every batch has its own
// buffered result channel, so workers never block on delivery.
type iterator struct {
	results []chan *collate.Batch
	slots   chan struct{}
	cancel  context.CancelFunc
	done    chan struct{}
	waitErr error

	next int
	cur  *collate.Batch
	err  error
	end  bool
}

func startIterator(ctx context.Context, source affinity.Source, collator Collator, chunks [][]int, workers, prefetch int) *iterator {
	ctx, cancel := context.WithCancel(ctx)
	it := &iterator{
		results: make([]chan *collate.Batch, len(chunks)),
		slots:   make(chan struct{}, prefetch),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	for i := range it.results {
		it.results[i] = make(chan *collate.Batch, 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan int)
	g.Go(func() error {
		defer close(jobs)
		for i := range chunks {
			select {
			case it.slots <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			select {
			case jobs <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range jobs {
				b, err := build(gctx, source, collator, chunks[i])
				if err != nil {
					return errors.Wrap(err, errors.CodeUnknown, fmt.Sprintf("batch %d", i+1))
				}
				it.results[i] <- b
			}
			return nil
		})
	}
	go func() {
		it.waitErr = g.Wait()
		close(it.done)
	}()
	return it
}

func build(ctx context.Context, source affinity.Source, collator Collator, indices []int) (*collate.Batch, error) {
	records := make([]affinity.Record, len(indices))
	for k, idx := range indices {
		r, err := source.At(idx)
		if err != nil {
			return nil, err
		}
		records[k] = r
	}
	return collator.Collate(ctx, records)
}

func (it *iterator) Next() bool {
	if it.end {
		return false
	}
	if it.next >= len(it.results) {
		it.finish(nil)
		return false
	}
	ch := it.results[it.next]
	select {
	case b := <-ch:
		return it.take(b)
	case <-it.done:
	}
	// the pool has stopped; a batch may still have landed before it did
	select {
	case b := <-ch:
		return it.take(b)
	default:
	}
	if it.waitErr != nil {
		it.finish(it.waitErr)
	} else {
		it.finish(errors.Internal("batch pool exited without producing batch").WithDetailf("batch=%d", it.next+1))
	}
	return false
}

func (it *iterator) take(b *collate.Batch) bool {
	it.cur = b
	it.next++
	<-it.slots
	return true
}

func (it *iterator) finish(err error) {
	it.end = true
	it.cur = nil
	it.err = err
}

func (it *iterator) Batch() *collate.Batch { return it.cur }

func (it *iterator) Err() error { return it.err }

// Close stops the workers and waits for them to exit.
func (it *iterator) Close() error {
	it.cancel()
	<-it.done
	it.end = true
	return nil
}
