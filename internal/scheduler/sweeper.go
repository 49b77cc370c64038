// Package scheduler runs periodic maintenance sweeps: allow-token garbage
// collection and any registered prune hooks.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starwreckntx/mergeguard/internal/config"
	"github.com/starwreckntx/mergeguard/internal/token"

	"github.com/robfig/cron/v3"
)

// PruneFunc is a registered maintenance hook; it returns how many records
// it removed.
type PruneFunc func() int

type Sweeper struct {
	vault  *token.Vault
	prunes map[string]PruneFunc

	schedule     cron.Schedule
	tickInterval time.Duration

	mu      sync.Mutex
	nextRun time.Time
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewSweeper(vault *token.Vault, cfg config.SchedulerConfig) (*Sweeper, error) {
	schedule, err := cron.ParseStandard(cfg.SweepSchedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.SweepSchedule, err)
	}

	tickInterval, err := config.DurationOrDefault(cfg.TickInterval, config.DefaultSchedulerTickInterval)
	if err != nil {
		return nil, fmt.Errorf("parse scheduler tick interval: %w", err)
	}

	return &Sweeper{
		vault:        vault,
		prunes:       make(map[string]PruneFunc),
		schedule:     schedule,
		tickInterval: tickInterval,
		nextRun:      schedule.Next(time.Now()),
	}, nil
}

// RegisterPrune adds a named maintenance hook run on every sweep.
func (s *Sweeper) RegisterPrune(name string, fn PruneFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prunes[name] = fn
}

func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx)
	slog.Info("Maintenance sweeper started", "next_run", s.nextRun.Format(time.RFC3339))
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	slog.Info("Maintenance sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			due := !now.Before(s.nextRun)
			if due {
				s.nextRun = s.schedule.Next(now)
			}
			s.mu.Unlock()

			if due {
				s.Sweep()
			}
		}
	}
}

// Sweep runs one maintenance pass immediately.
func (s *Sweeper) Sweep() {
	removed := s.vault.Sweep()
	if removed > 0 {
		slog.Info("Swept allow tokens", "removed", removed)
	}

	s.mu.Lock()
	prunes := make(map[string]PruneFunc, len(s.prunes))
	for name, fn := range s.prunes {
		prunes[name] = fn
	}
	s.mu.Unlock()

	for name, fn := range prunes {
		if n := fn(); n > 0 {
			slog.Info("Pruned records", "hook", name, "removed", n)
		}
	}
}
