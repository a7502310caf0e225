package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/megbot-dev/megbot/pkg/observability"
)

// Sweeper periodically removes sessions idle for longer than the TTL.
type Sweeper struct {
	store Store
	ttl   time.Duration
	cron  *cron.Cron
	now   func() time.Time
}

// NewSweeper schedules store sweeps with a cron spec such as "@every 1h".
func NewSweeper(store Store, ttl time.Duration, schedule string) (*Sweeper, error) {
	if ttl <= 0 {
		return nil, errors.New("sweeper requires a positive ttl")
	}

	s := &Sweeper{
		store: store,
		ttl:   ttl,
		cron:  cron.New(),
		now:   time.Now,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running scheduled sweeps in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce sweeps immediately.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	return s.store.Sweep(ctx, s.now().Add(-s.ttl))
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.RunOnce(ctx)
	if err != nil {
		slog.Warn("session sweep failed", "error", err)
		return
	}
	observability.RecordSessionsSwept(n)
	if n > 0 {
		slog.Info("swept expired sessions", "removed", n)
	}
}
