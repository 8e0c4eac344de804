package checkpoint

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Sweeper runs retention off the hot path: micro files expire by TTL and
// macro rows past the retention window are archived. Named checkpoints
// are never touched.
type Sweeper struct {
	manager        *Manager
	cron           *cron.Cron
	microTTL       time.Duration
	macroRetention time.Duration
	logger         zerolog.Logger
	running        bool
}

// NewSweeper schedules retention sweeps. Schedule accepts standard cron
// expressions and descriptors like "@hourly".
func NewSweeper(manager *Manager, schedule string, microTTL, macroRetention time.Duration, logger zerolog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		manager:        manager,
		cron:           cron.New(),
		microTTL:       microTTL,
		macroRetention: macroRetention,
		logger:         logger,
	}

	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins scheduled sweeping.
func (s *Sweeper) Start() error {
	if s.running {
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.cron.Start()
	s.logger.Info().
		Dur("micro_ttl", s.microTTL).
		Dur("macro_retention", s.macroRetention).
		Msg("Checkpoint retention sweeper started")
	return nil
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() error {
	if !s.running {
		return fmt.Errorf("sweeper is not running")
	}
	s.running = false
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Checkpoint retention sweeper stopped")
	return nil
}

func (s *Sweeper) sweep() {
	if _, _, err := s.SweepNow(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("Checkpoint retention sweep failed")
	}
}

// SweepNow runs one retention pass immediately.
func (s *Sweeper) SweepNow(ctx context.Context) (microRemoved int, macroArchived int64, err error) {
	now := time.Now()

	if s.microTTL > 0 {
		microRemoved, err = s.manager.micro.removeOlderThan(now.Add(-s.microTTL))
		if err != nil {
			return 0, 0, fmt.Errorf("micro sweep failed: %w", err)
		}
	}

	if s.macroRetention > 0 {
		macroArchived, err = s.manager.durable.archiveMacroOlderThan(ctx, now.Add(-s.macroRetention))
		if err != nil {
			return microRemoved, 0, fmt.Errorf("macro sweep failed: %w", err)
		}
	}

	if microRemoved > 0 || macroArchived > 0 {
		s.logger.Info().
			Int("micro_removed", microRemoved).
			Int64("macro_archived", macroArchived).
			Msg("Checkpoint retention sweep completed")
	}
	return microRemoved, macroArchived, nil
}
