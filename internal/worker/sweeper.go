package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"harvestline/internal/engine"
	"harvestline/internal/log"
)

// Sweeps is the engine surface the background loops drive.
type Sweeps interface {
	ExpireSweep(ctx context.Context, now time.Time) (engine.SweepResult, error)
	ReconcileSweep(ctx context.Context) (engine.SweepResult, error)
}

// Sweeper runs the expiry sweep, the reconciliation sweep and webhook
// delivery on their own tickers until the context ends. A zero interval
// disables that loop.
type Sweeper struct {
	Engine            Sweeps
	Webhooks          *Dispatcher
	ExpireInterval    time.Duration
	ReconcileInterval time.Duration
	WebhookInterval   time.Duration
}

// Run blocks until ctx is cancelled.
func (s Sweeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if s.ExpireInterval > 0 {
		g.Go(func() error {
			return every(ctx, "expire", s.ExpireInterval, func(ctx context.Context) error {
				_, err := s.Engine.ExpireSweep(ctx, time.Time{})
				return err
			})
		})
	}
	if s.ReconcileInterval > 0 {
		g.Go(func() error {
			return every(ctx, "reconcile", s.ReconcileInterval, func(ctx context.Context) error {
				_, err := s.Engine.ReconcileSweep(ctx)
				return err
			})
		})
	}
	if s.WebhookInterval > 0 && s.Webhooks != nil && s.Webhooks.Enabled() {
		g.Go(func() error {
			return every(ctx, "webhooks", s.WebhookInterval, func(ctx context.Context) error {
				s.Webhooks.DispatchAll(ctx)
				return nil
			})
		})
	}
	return g.Wait()
}

// every runs fn immediately and then on each tick. Errors are logged and the
// loop carries on; only cancellation stops it.
func every(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) error {
	ctx = log.WithLogField(ctx, "loop", name)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			log.L(ctx).Errorf("%s sweep failed: %v", name, err)
		}
		select {
		case <-ctx.Done():
			log.L(ctx).Debugf("%s loop stopped", name)
			return nil
		case <-ticker.C:
		}
	}
}
