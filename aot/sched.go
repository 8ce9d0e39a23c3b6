package aot

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Pool: parallel work scheduler
// ---------------------------------------------------------------------------

// Pool fans an index range out over a fixed number of workers. Workers
// claim indices through a shared atomic cursor, so distribution is
// lock-free but arrival order across workers is unspecified. A pool with
// one worker runs on the calling goroutine, in order: that is the
// deterministic mode phases with allocation-order-sensitive side effects
// must use.
//
// Work units do not return errors: expected per-item failures are the
// unit's business to record (as a class status or a counter). A panic in a
// unit is an invariant violation and takes the process down, which is the
// intended behavior for a build that cannot tolerate partial-phase
// failure.
type Pool struct {
	workers int
	log     *zap.Logger
}

// NewPool creates a scheduler with the given worker count.
func NewPool(workers int) *Pool {
	if workers < 1 {
		panic(fmt.Sprintf("aot: pool needs at least one worker, got %d", workers))
	}
	// The group machinery pulls its logger from the context and refuses
	// to run without one; driver logging itself stays on commonlog.
	return &Pool{workers: workers, log: zap.NewNop()}
}

// Workers returns the pool's worker count.
func (p *Pool) Workers() int { return p.workers }

// ForAll applies fn to every index in [0, n) and blocks until the range is
// drained. The only error it returns is context cancellation.
func (p *Pool) ForAll(ctx context.Context, n int, fn func(ctx context.Context, index int)) error {
	if n <= 0 {
		return nil
	}
	if p.workers == 1 {
		for i := 0; i < n; i++ {
			if err := ctx.Err(); err != nil {
				return errors.WithStack(err)
			}
			fn(ctx, i)
		}
		return nil
	}

	var cursor atomic.Int64
	return parallel.Run(logger.WithLogger(ctx, p.log), func(ctx context.Context, spawn parallel.SpawnFn) error {
		for w := 0; w < p.workers; w++ {
			spawn(fmt.Sprintf("worker-%02d", w), parallel.Continue, func(ctx context.Context) error {
				for {
					i := cursor.Add(1) - 1
					if i >= int64(n) {
						return nil
					}
					if err := ctx.Err(); err != nil {
						return errors.WithStack(err)
					}
					fn(ctx, int(i))
				}
			})
		}
		return nil
	})
}
