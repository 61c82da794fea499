/*
scheduler.go - Cron triggers for reminder runs and the ledger sweep

PURPOSE:
  Two jobs on one robfig/cron scheduler (UTC):
    - ReminderSpec (default "0 9 * * *"): Orchestrator.RunAll over every
      tenant with an active subscription
    - SweepSpec (default "@every 5m"): Ledger.SweepStale, failing pending
      records older than StaleAfter

  A job still running when its next tick fires is skipped, not queued.
  Panics inside a job are recovered and logged.

USAGE:
  s := reminder.NewScheduler(orch, tenants, ledger, log)
  if err := s.Start(); err != nil { ... }
  defer s.Stop(ctx)
*/
package reminder

import (
	"context"
	"fmt"
	"time"

	"github.com/clinicflow/billing-engine/ledger"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const (
	DefaultReminderSpec = "0 9 * * *"
	DefaultSweepSpec    = "@every 5m"
	DefaultStaleAfter   = 15 * time.Minute
)

type Scheduler struct {
	Orchestrator *Orchestrator
	Tenants      TenantLister
	Ledger       *ledger.Ledger
	Log          logrus.FieldLogger

	ReminderSpec string
	SweepSpec    string
	StaleAfter   time.Duration

	cron *cron.Cron
}

func NewScheduler(o *Orchestrator, tenants TenantLister, l *ledger.Ledger, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		Orchestrator: o,
		Tenants:      tenants,
		Ledger:       l,
		Log:          log,
		ReminderSpec: DefaultReminderSpec,
		SweepSpec:    DefaultSweepSpec,
		StaleAfter:   DefaultStaleAfter,
	}
}

// Start registers both jobs and starts the cron loop. An empty spec
// disables its job.
func (s *Scheduler) Start() error {
	logger := cron.PrintfLogger(s.Log.WithField("component", "scheduler"))
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if s.ReminderSpec != "" {
		if _, err := s.cron.AddFunc(s.ReminderSpec, func() { s.RunReminders(context.Background()) }); err != nil {
			return fmt.Errorf("invalid reminder schedule %q: %w", s.ReminderSpec, err)
		}
	}
	if s.SweepSpec != "" {
		if _, err := s.cron.AddFunc(s.SweepSpec, func() { s.Sweep(context.Background()) }); err != nil {
			return fmt.Errorf("invalid sweep schedule %q: %w", s.SweepSpec, err)
		}
	}

	s.cron.Start()
	s.Log.WithFields(logrus.Fields{
		"reminder_spec": s.ReminderSpec,
		"sweep_spec":    s.SweepSpec,
		"stale_after":   s.StaleAfter.String(),
	}).Info("scheduler started")
	return nil
}

// Stop prevents new jobs and waits for running ones until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
		s.Log.Info("scheduler stopped")
	case <-ctx.Done():
		s.Log.Warn("scheduler stop timed out with jobs still running")
	}
}

// RunReminders is the daily job; exported for admin triggers and tests.
func (s *Scheduler) RunReminders(ctx context.Context) []*Summary {
	summaries, err := s.Orchestrator.RunAll(ctx, s.Tenants, "scheduled")
	if err != nil {
		s.Log.WithError(err).Error("scheduled reminder run failed")
	}
	return summaries
}

// Sweep is the ledger reconciliation job.
func (s *Scheduler) Sweep(ctx context.Context) int {
	n, err := s.Ledger.SweepStale(ctx, s.StaleAfter)
	if err != nil {
		s.Log.WithError(err).Error("ledger sweep failed")
	}
	return n
}

// NextRuns reports when each job fires next. Zero before Start.
func (s *Scheduler) NextRuns() []time.Time {
	if s.cron == nil {
		return nil
	}
	var out []time.Time
	for _, e := range s.cron.Entries() {
		out = append(out, e.Next)
	}
	return out
}
