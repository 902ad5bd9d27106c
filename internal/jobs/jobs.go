// Package jobs runs the service's periodic maintenance on a cron schedule.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/Windi-Fikriyansyah/earn_ledger/internal/config"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/currency"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/postback"
	"github.com/Windi-Fikriyansyah/earn_ledger/internal/services/provider"
)

const (
	jobTimeout = time.Minute
	retryBatch = 100
)

type Func func(ctx context.Context) error

type Scheduler struct {
	cron *cron.Cron
	Log  logrus.FieldLogger
}

func NewScheduler(log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger), cron.Recover(cron.DiscardLogger))),
		Log:  log,
	}
}

// Add schedules fn under spec. Errors from fn are logged, never propagated.
func (s *Scheduler) Add(name, spec string, fn Func) error {
	if _, err := s.cron.AddFunc(spec, func() { s.run(name, fn) }); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	s.Log.WithFields(logrus.Fields{"job": name, "spec": spec}).Info("job scheduled")
	return nil
}

func (s *Scheduler) run(name string, fn Func) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()
	start := time.Now()
	log := s.Log.WithField("job", name)
	if err := fn(ctx); err != nil {
		log.WithError(err).Error("job failed")
		return
	}
	log.WithField("duration", time.Since(start).String()).Debug("job finished")
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop prevents new runs and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Register schedules provider reload, failed credit retry and, when a rates API is
// configured, FX refresh.
func Register(s *Scheduler, cfg config.Config, reg *provider.Registry, p *postback.Pipeline, fx *currency.CurrencyService) error {
	if err := s.Add("provider_reload", cfg.CronProviderReload, reg.Load); err != nil {
		return err
	}
	err := s.Add("credit_retry", cfg.CronCreditRetry, func(ctx context.Context) error {
		n, err := p.RetryFailed(ctx, retryBatch)
		if n > 0 {
			s.Log.WithField("credited", n).Info("failed postback credits retried")
		}
		return err
	})
	if err != nil {
		return err
	}
	if cfg.FXAPIURL == "" {
		return nil
	}
	return s.Add("fx_refresh", cfg.CronFXRefresh, func(ctx context.Context) error {
		n, err := fx.Refresh(ctx)
		if err == nil {
			s.Log.WithField("rates", n).Info("exchange rates refreshed")
		}
		return err
	})
}
