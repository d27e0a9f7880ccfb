package datalayer

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// LoopRates configures the background loop's pace: PreallocatePerSecond (P)
// and OptimisticPerSecond (O) set how many times per second the
// preallocation and optimistic-I/O loops tick, and each tick visits every
// owned region rather than one region in turn; FlushBatch is the per-region budget passed to
// Flush each iteration; FlushPoolSize is the number of concurrent flush
// workers (spec.md §4.2: "a small number, e.g. 2").
type LoopRates struct {
	PreallocatePerSecond int
	OptimisticPerSecond  int
	FlushBatch           int
	FlushPoolSize        int
	FlushInterval        time.Duration
}

// DefaultLoopRates matches the defaults named in spec.md §5 (a small flush
// pool, one optimistic-I/O thread) and a conservative flush cadence.
func DefaultLoopRates() LoopRates {
	return LoopRates{
		PreallocatePerSecond: 10,
		OptimisticPerSecond:  5,
		FlushBatch:           256,
		FlushPoolSize:        2,
		FlushInterval:        100 * time.Millisecond,
	}
}

// RunLoops starts the datalayer's background goroutines (flush pool,
// preallocation, optimistic I/O) and blocks until ctx is cancelled. It is
// meant to be run in its own goroutine by the daemon.
func (d *Datalayer) RunLoops(ctx context.Context, rates LoopRates) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < max(1, rates.FlushPoolSize); i++ {
		g.Go(func() error {
			t := time.NewTicker(rates.FlushInterval)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					if d.runFlushOnce(rates.FlushBatch) {
						d.signalFlushProgress()
					}
				}
			}
		})
	}

	g.Go(func() error {
		interval := time.Second
		if rates.PreallocatePerSecond > 0 {
			interval = time.Second / time.Duration(rates.PreallocatePerSecond)
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				// Only spend preallocation effort after a flush pass
				// signalled progress; any pass in which some disk's Flush
				// returned no error counts, even if it wrote nothing.
				select {
				case <-d.flushProgress:
					d.runPreallocateOnce()
				default:
				}
			}
		}
	})

	g.Go(func() error {
		interval := time.Second
		if rates.OptimisticPerSecond > 0 {
			interval = time.Second / time.Duration(rates.OptimisticPerSecond)
		}
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
				d.runOptimisticOnce()
			}
		}
	})

	return g.Wait()
}
