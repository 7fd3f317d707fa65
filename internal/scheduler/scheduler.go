// Package scheduler runs the background accounting jobs: draining the
// posting outbox and sweeping for invoices the ledger missed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	accountingservice "github.com/nidaanhealth/carebill/internal/accounting/service"
	"github.com/nidaanhealth/carebill/internal/clock"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Dispatcher *accountingservice.Dispatcher
	Config     Config `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	dispatcher *accountingservice.Dispatcher
}

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Dispatcher == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		dispatcher: p.Dispatcher,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	log := s.log.With(zap.String("job", name))
	err := fn(ctx)
	duration := time.Since(start)
	if err == nil {
		log.Debug("job finished", zap.Duration("duration", duration))
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// Soft timeout: the next tick picks up where this run stopped.
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	log.Warn("job failed", zap.Duration("duration", duration), zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"dispatch_postings", func(ctx context.Context) error {
			return s.runJob(ctx, "dispatch_postings", 30*time.Second, func(ctx context.Context) error {
				return s.dispatcher.DispatchPending(ctx, s.cfg.BatchSize)
			})
		}},
		{"reconcile_postings", func(ctx context.Context) error {
			return s.runJob(ctx, "reconcile_postings", 30*time.Second, func(ctx context.Context) error {
				return s.dispatcher.ReconcileUnposted(ctx, s.cfg.BatchSize)
			})
		}},
	}

	for _, job := range jobs {
		err = errors.Join(err, job.Run(parent))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
