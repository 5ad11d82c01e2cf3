package keypool

import (
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Sweeper runs a best-effort availability pass on a cron schedule so expired
// blocks are reclaimed even while no selection is happening. Correctness does
// not depend on it: Available reclaims lazily on every call.
type Sweeper struct {
	pool   *Pool
	cron   *cron.Cron
	logger *slog.Logger
}

// NewSweeper parses schedule (standard cron or a descriptor such as
// "@every 30s") and returns a stopped Sweeper.
func NewSweeper(pool *Pool, schedule string, logger *slog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		pool:   pool,
		cron:   cron.New(),
		logger: logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("parsing sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("credential sweep started", "entries", len(s.cron.Entries()))
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweep() {
	available := len(s.pool.Available())
	s.logger.Debug("credential sweep", "available", available, "total", s.pool.Len())
}
