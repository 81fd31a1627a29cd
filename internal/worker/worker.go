// Package worker runs the background poll loops: each worker ticks on
// an interval, re-polling immediately while there is work to drain.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Func performs one unit of work. worked reports whether anything was
// processed, in which case the loop polls again without waiting.
type Func func(ctx context.Context) (worked bool, err error)

// Counted adapts a tick that reports how many items it processed.
func Counted(tick func(ctx context.Context) (int, error)) Func {
	return func(ctx context.Context) (bool, error) {
		n, err := tick(ctx)
		return n > 0, err
	}
}

type runner struct {
	name     string
	interval time.Duration
	fn       Func
}

// Group supervises a set of workers over a shared context.
type Group struct {
	runners []runner
	log     *zap.Logger
}

func NewGroup(log *zap.Logger) *Group {
	return &Group{log: log}
}

// Add registers a worker polling at the given interval.
func (g *Group) Add(name string, interval time.Duration, fn Func) {
	g.runners = append(g.runners, runner{name: name, interval: interval, fn: fn})
}

// Run drives all workers until the context is canceled. Tick errors are
// logged and the loop keeps going; only context cancellation stops it.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, r := range g.runners {
		eg.Go(func() error {
			return g.loop(ctx, r)
		})
	}
	return eg.Wait()
}

func (g *Group) loop(ctx context.Context, r runner) error {
	g.log.Info("worker started",
		zap.String("worker", r.name),
		zap.Duration("interval", r.interval))
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			g.log.Info("worker stopped", zap.String("worker", r.name))
			return ctx.Err()
		case <-timer.C:
		}

		worked, err := r.fn(ctx)
		switch {
		case ctx.Err() != nil:
			g.log.Info("worker stopped", zap.String("worker", r.name))
			return ctx.Err()
		case err != nil:
			g.log.Error("worker tick failed",
				zap.String("worker", r.name),
				zap.Error(err))
			timer.Reset(r.interval)
		case worked:
			// Drain the backlog before sleeping again.
			timer.Reset(0)
		default:
			timer.Reset(r.interval)
		}
	}
}
