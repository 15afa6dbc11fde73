package trivia

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

const (
	// dueBatch bounds how many rounds a single sweep closes
	dueBatch = 50

	// a round whose auto-close fails waits closeRetryBase, doubling per
	// consecutive failure up to closeRetryMax, before the next sweep retries it
	closeRetryBase = time.Minute
	closeRetryMax  = time.Hour
)

// CloseDue closes open rounds whose window has passed, using the default
// reply source. It returns how many were closed. A round that fails is
// logged and backed off so it cannot keep later rounds out of the batch.
func (s *Service) CloseDue(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.store.ListDueRounds(ctx, now, dueBatch)
	if err != nil {
		return 0, fmt.Errorf("list due rounds: %w", err)
	}

	closed := 0
	for _, r := range due {
		if _, err := s.Close(ctx, r.RoundID, ""); err != nil {
			if errors.Is(err, ErrAlreadyClosed) {
				continue
			}
			next, derr := s.store.DeferClose(ctx, r.RoundID, now, closeRetryBase, closeRetryMax)
			if derr != nil {
				s.log.Error("defer auto close", "round_id", r.RoundID, "error", derr)
			}
			s.log.Error("auto close round", "round_id", r.RoundID, "retry_at", next, "error", err)
			continue
		}
		closed++
	}

	return closed, nil
}

// Scheduler periodically closes due rounds
type Scheduler struct {
	svc      *Service
	interval time.Duration
	log      *slog.Logger
	sched    gocron.Scheduler
}

// NewScheduler creates an auto-close scheduler. A zero interval disables it.
func NewScheduler(svc *Service, interval time.Duration, log *slog.Logger) *Scheduler {
	return &Scheduler{
		svc:      svc,
		interval: interval,
		log:      log,
	}
}

// Start registers the sweep job and starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	if s.interval <= 0 {
		s.log.Warn("auto close disabled")
		return nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("new scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() {
			s.sweep(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		sched.Shutdown()
		return fmt.Errorf("new job: %w", err)
	}

	s.sched = sched
	sched.Start()
	s.log.Info("auto close started", "interval", s.interval)
	return nil
}

// Shutdown stops the scheduler and waits for a running sweep
func (s *Scheduler) Shutdown() error {
	if s.sched == nil {
		return nil
	}
	return s.sched.Shutdown()
}

func (s *Scheduler) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	closed, err := s.svc.CloseDue(ctx)
	if err != nil {
		s.log.Error("auto close sweep", "error", err)
		return
	}
	if closed > 0 {
		s.log.Info("auto closed rounds", "count", closed)
	}
}
