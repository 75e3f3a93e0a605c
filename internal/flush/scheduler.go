// Package flush runs scheduled buffer flushes against the memory service.
//
// The remote service buffers inserted exchanges and only folds them into
// long-term memory when the buffer fills or is flushed. A household that
// talks to its assistant a few times a day may never fill the buffer, so
// the scheduler forces a flush on a cron cadence to keep profiles fresh.
package flush

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Joyphor/openai-compatible-conversation/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Flusher is the flush surface of the session manager.
type Flusher interface {
	FlushBuffer(ctx context.Context) bool
}

// Scheduler triggers periodic buffer flushes.
type Scheduler struct {
	manager  Flusher
	schedule cron.Schedule
	expr     string
	logger   zerolog.Logger
	onFlush  func(ok bool)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// Config holds scheduler configuration.
type Config struct {
	Manager  Flusher
	Schedule string // 5-field cron expression
	Logger   zerolog.Logger
	OnFlush  func(ok bool) // Optional, called after each flush attempt
}

// ParseSchedule validates a 5-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// NewScheduler creates a flush scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	observability.EnsureRegistered()

	if cfg.Manager == nil {
		return nil, fmt.Errorf("manager is required")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "*/15 * * * *"
	}

	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		manager:  cfg.Manager,
		schedule: sched,
		expr:     cfg.Schedule,
		logger:   cfg.Logger,
		onFlush:  cfg.OnFlush,
	}, nil
}

// Start begins the schedule loop. It returns immediately.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	s.logger.Info().
		Str("schedule", s.expr).
		Time("next_run", s.schedule.Next(time.Now())).
		Msg("Flush scheduler started")

	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	for {
		next := s.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.runOnce(ctx)
		}
	}
}

// runOnce performs one flush attempt.
func (s *Scheduler) runOnce(ctx context.Context) {
	start := time.Now()
	ok := s.manager.FlushBuffer(ctx)
	duration := time.Since(start)

	if ok {
		s.logger.Debug().Dur("duration", duration).Msg("Scheduled flush completed")
	} else {
		s.logger.Warn().Dur("duration", duration).Msg("Scheduled flush failed")
	}

	if s.onFlush != nil {
		s.onFlush(ok)
	}
}

// Stop halts the schedule loop and waits for a running flush to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.started = false

	s.cancel()
	<-s.done

	s.logger.Info().Msg("Flush scheduler stopped")
}
