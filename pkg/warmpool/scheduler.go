package warmpool

import (
	"context"
	"sync"
	"time"

	"github.com/AstrBotDevs/shipyard-neo/pkg/clock"
	"github.com/AstrBotDevs/shipyard-neo/pkg/config"
	"github.com/AstrBotDevs/shipyard-neo/pkg/log"
	"github.com/AstrBotDevs/shipyard-neo/pkg/manager"
	"github.com/AstrBotDevs/shipyard-neo/pkg/types"
)

// Scheduler keeps each profile's warm pool at its target size. Every cycle
// it retires rotation-due sandboxes, deletes retired ones, and tops the pool
// up through the warmup queue. Cycles never overlap; a slow cycle simply
// delays the next one.
type Scheduler struct {
	mgr   *manager.Manager
	queue *Queue
	cfg   *config.Config
	clock clock.Clock

	runMu  sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler builds a scheduler over the shared manager and queue.
func NewScheduler(mgr *manager.Manager, queue *Queue, cfg *config.Config, clk clock.Clock) *Scheduler {
	return &Scheduler{
		mgr:    mgr,
		queue:  queue,
		cfg:    cfg,
		clock:  clk,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs the scheduling loop until Stop. With run_on_startup unset the
// first cycle waits one full interval, which keeps a crash-looping daemon
// from hammering the driver.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)

		interval := s.cfg.WarmPool.Interval
		if interval <= 0 {
			interval = 30 * time.Second
		}

		if s.cfg.WarmPool.RunOnStartup {
			s.RunOnce(ctx)
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// RunOnce executes one reconciliation cycle. Exported for tests and for the
// startup path.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	for _, profile := range s.cfg.WarmProfiles() {
		s.rotate(ctx, profile)
		s.sweepRetiring(ctx, profile)
		s.fill(ctx, profile)
	}
	if _, err := s.mgr.WarmPoolStats(); err != nil {
		logger := log.WithComponent("warmpool")
		logger.Warn().Err(err).Msg("Failed to refresh pool stats")
	}
}

// rotate flags warm sandboxes past their rotation deadline. They stop being
// claim candidates immediately and are deleted on this same cycle.
func (s *Scheduler) rotate(ctx context.Context, profile *config.Profile) {
	due, err := s.mgr.Store().WarmRotationDue(profile.ID, s.clock.Now())
	if err != nil {
		logger := log.WithComponent("warmpool")
		logger.Warn().Err(err).Msg("Rotation scan failed")
		return
	}
	for _, sb := range due {
		sb.WarmState = types.WarmStateRetiring
		if err := s.mgr.Store().UpdateSandbox(sb); err != nil {
			logger := log.WithSandboxID(sb.ID)
			logger.Warn().Err(err).Msg("Failed to mark sandbox for rotation")
			continue
		}
		logger := log.WithSandboxID(sb.ID)
		logger.Info().Str("profile_id", profile.ID).Msg("Warm sandbox rotation due")
	}
}

// sweepRetiring deletes retired pool sandboxes.
func (s *Scheduler) sweepRetiring(ctx context.Context, profile *config.Profile) {
	warm, err := s.mgr.Store().ListWarmSandboxes()
	if err != nil {
		logger := log.WithComponent("warmpool")
		logger.Warn().Err(err).Msg("Retiring scan failed")
		return
	}
	for _, sb := range warm {
		if sb.ProfileID != profile.ID || sb.WarmState != types.WarmStateRetiring {
			continue
		}
		if err := s.mgr.Delete(ctx, "", sb.ID, "warm_retire"); err != nil {
			logger := log.WithSandboxID(sb.ID)
			logger.Warn().Err(err).Msg("Failed to delete retired warm sandbox")
		}
	}
}

// fill tops the pool up to target. Pending covers both queued and warming
// sandboxes, so a deficit is only the part nothing is working on yet.
func (s *Scheduler) fill(ctx context.Context, profile *config.Profile) {
	available, err := s.mgr.Store().CountWarm(profile.ID, types.WarmStateAvailable)
	if err != nil {
		logger := log.WithComponent("warmpool")
		logger.Warn().Err(err).Msg("Pool count failed")
		return
	}
	pending, err := s.mgr.Store().CountWarm(profile.ID, types.WarmStateNone)
	if err != nil {
		logger := log.WithComponent("warmpool")
		logger.Warn().Err(err).Msg("Pool count failed")
		return
	}

	deficit := profile.WarmPoolSize - (available + pending)
	for i := 0; i < deficit; i++ {
		sb, err := s.mgr.CreateWarmSandbox(ctx, profile)
		if err != nil {
			logger := log.WithComponent("warmpool")
			logger.Warn().Err(err).
				Str("profile_id", profile.ID).
				Msg("Failed to create warm sandbox")
			return
		}
		s.queue.Enqueue(sb.ID)
	}
	if deficit > 0 {
		logger := log.WithComponent("warmpool")
		logger.Debug().
			Str("profile_id", profile.ID).
			Int("deficit", deficit).
			Msg("Queued warm pool top-up")
	}
}

// Cleanup deletes every unclaimed pool sandbox. Called on daemon shutdown so
// half-warm containers do not outlive the state that tracks them.
func (s *Scheduler) Cleanup(ctx context.Context) {
	warm, err := s.mgr.Store().ListWarmSandboxes()
	if err != nil {
		logger := log.WithComponent("warmpool")
		logger.Warn().Err(err).Msg("Shutdown cleanup scan failed")
		return
	}
	for _, sb := range warm {
		if sb.WarmState == types.WarmStateClaimed {
			continue
		}
		if err := s.mgr.Delete(ctx, "", sb.ID, "shutdown"); err != nil {
			logger := log.WithSandboxID(sb.ID)
			logger.Warn().Err(err).Msg("Failed to delete warm sandbox on shutdown")
		}
	}
}
