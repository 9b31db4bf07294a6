// Package scheduler triggers periodic reconcile passes and reports their
// status.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calmirror/internal/log"
	"calmirror/internal/syncer"
)

// Engine is the part of the sync engine the scheduler drives.
type Engine interface {
	Reconcile(ctx context.Context) (syncer.Summary, error)
	AutoConnect(ctx context.Context) (bool, error)
	InProgress() bool
}

type Options struct {
	Interval    time.Duration
	AutoConnect bool
	Now         func() time.Time
}

// Status is the scheduler's view of syncing.
type Status struct {
	LastSync        *time.Time      `json:"last_sync"`
	InProgress      bool            `json:"sync_in_progress"`
	IntervalMinutes int             `json:"sync_interval_minutes"`
	Running         bool            `json:"running"`
	LastSummary     *syncer.Summary `json:"last_summary,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
}

type Scheduler struct {
	engine      Engine
	interval    time.Duration
	autoConnect bool
	now         func() time.Time

	mu          sync.Mutex
	cron        *cron.Cron
	ctx         context.Context
	cancel      context.CancelFunc
	lastSync    time.Time
	lastSummary *syncer.Summary
	lastErr     string
}

func New(engine Engine, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		engine:      engine,
		interval:    opts.Interval,
		autoConnect: opts.AutoConnect,
		now:         opts.Now,
	}
}

// Start makes at most one auto-connect attempt and then schedules a pass
// every interval. The first pass runs one interval after Start.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cron != nil {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}

	logger := appLog.CronLogger()
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc("@every "+s.interval.String(), s.tick); err != nil {
		s.mu.Unlock()
		return err
	}
	s.cron = c
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Unlock()

	// Status and Stop must not wait on the server here.
	if s.autoConnect {
		if ok, err := s.engine.AutoConnect(ctx); err != nil {
			appLog.Error("auto-connect failed", err)
		} else if ok {
			appLog.Info("auto-connect succeeded")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != c {
		appLog.Info("sync scheduler stopped before it started")
		return nil
	}
	c.Start()

	appLog.Info("sync scheduler started", "interval", s.interval.String())
	return nil
}

// Stop ends scheduling and waits for an in-flight pass. When ctx expires
// first, the pass is cancelled and ctx's error returned.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	select {
	case <-done.Done():
		cancel()
		appLog.Info("sync scheduler stopped")
		return nil
	case <-ctx.Done():
		cancel()
		appLog.Warn("sync scheduler stop timed out, abandoning pass")
		return ctx.Err()
	}
}

// TriggerNow runs a pass right away. It returns syncer.ErrSyncInProgress when
// a pass is already running.
func (s *Scheduler) TriggerNow(ctx context.Context) (syncer.Summary, error) {
	return s.run(ctx)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := s.run(ctx)
	switch {
	case errors.Is(err, syncer.ErrNotConnected):
		appLog.Debug("skipping sync: not connected")
	case errors.Is(err, syncer.ErrSyncInProgress):
		appLog.Debug("skipping sync: already in progress")
	case err != nil:
		appLog.Error("scheduled sync failed", err)
	}
}

func (s *Scheduler) run(ctx context.Context) (syncer.Summary, error) {
	sum, err := s.engine.Reconcile(ctx)
	if errors.Is(err, syncer.ErrSyncInProgress) || errors.Is(err, syncer.ErrNotConnected) {
		return sum, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err.Error()
		return sum, err
	}
	s.lastErr = ""
	s.lastSync = s.now().UTC()
	s.lastSummary = &sum
	return sum, nil
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		InProgress:      s.engine.InProgress(),
		IntervalMinutes: int(s.interval / time.Minute),
		Running:         s.cron != nil,
		LastSummary:     s.lastSummary,
		LastError:       s.lastErr,
	}
	if !s.lastSync.IsZero() {
		t := s.lastSync
		st.LastSync = &t
	}
	return st
}
