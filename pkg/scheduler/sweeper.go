// Package scheduler runs the periodic approval expiry and deadline sweeps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSchedule runs the sweep every five minutes.
const DefaultSchedule = "*/5 * * * *"

var ErrScheduleRequired = errors.New("sweep schedule is required")

// ApprovalExpirer expires pending approval requests whose deadline has passed.
type ApprovalExpirer interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

// DeadlineNotifier emits deadline approaching and overdue notifications.
type DeadlineNotifier interface {
	NotifyDeadlines(ctx context.Context, now time.Time) (int, error)
}

// Result summarizes one sweep.
type Result struct {
	Expired  int
	Notified int
}

type Sweeper struct {
	schedule  string
	approvals ApprovalExpirer
	deadlines DeadlineNotifier
	clock     func() time.Time
	logger    *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	started bool
}

type Option func(*Sweeper)

func WithClock(clock func() time.Time) Option {
	return func(s *Sweeper) {
		s.clock = clock
	}
}

func NewSweeper(
	logger *slog.Logger,
	schedule string,
	approvals ApprovalExpirer,
	deadlines DeadlineNotifier,
	opts ...Option,
) (*Sweeper, error) {
	if schedule == "" {
		return nil, ErrScheduleRequired
	}

	_, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	sweeper := &Sweeper{
		schedule:  schedule,
		approvals: approvals,
		deadlines: deadlines,
		clock:     func() time.Time { return time.Now().UTC() },
		logger:    logger.With("module", "sweeper", "schedule", schedule),
	}

	for _, opt := range opts {
		opt(sweeper)
	}

	return sweeper, nil
}

// Start registers the sweep with a cron runner. Calling Start twice is a no-op.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}

	cronLogger := cron.VerbosePrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelDebug))

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))

	detached := context.WithoutCancel(ctx)

	id, err := s.cron.AddFunc(s.schedule, func() {
		_, _ = s.Sweep(detached)
	})
	if err != nil {
		return fmt.Errorf("failed to add sweep job: %w", err)
	}

	s.logger.InfoContext(ctx, "Starting sweeper", "entry_id", id)
	s.cron.Start()
	s.started = true

	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.logger.InfoContext(ctx, "Stopping sweeper")

	done := s.cron.Stop()
	s.started = false

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep expires overdue approvals and then notifies deadlines, both against
// the same instant. A failure of one half does not skip the other.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	now := s.clock()

	var (
		result Result
		errs   []error
	)

	expired, err := s.approvals.ExpireOverdue(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Approval expiry sweep failed", "error", err)
		errs = append(errs, fmt.Errorf("expire approvals: %w", err))
	}

	result.Expired = expired

	notified, err := s.deadlines.NotifyDeadlines(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "Deadline sweep failed", "error", err)
		errs = append(errs, fmt.Errorf("notify deadlines: %w", err))
	}

	result.Notified = notified

	if result.Expired > 0 || result.Notified > 0 {
		s.logger.InfoContext(ctx, "Sweep finished", "expired", result.Expired, "notified", result.Notified)
	}

	return result, errors.Join(errs...)
}
