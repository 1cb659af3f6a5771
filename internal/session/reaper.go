package session

import (
	"context"
	"sync"
	"time"

	"github.com/Simplereally/rapid-chat/pkg/logger"
)

// ReaperConfig controls the staleness sweep cadence
type ReaperConfig struct {
	// Interval between periodic sweeps
	Interval time.Duration
	// MaxAge is the idle age past which a completed session is evicted
	MaxAge time.Duration
	// KickDelay is the grace period applied to post-turn kicks, giving
	// observers time to receive the final snapshot before eviction can run
	KickDelay time.Duration
}

// Reaper periodically evicts stale sessions from a store. It runs one
// background goroutine between Start and Stop, plus on-demand sweeps
// scheduled via Kick.
type Reaper struct {
	store  *Store
	config ReaperConfig
	logger *logger.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	pending *time.Timer
	wg      sync.WaitGroup
}

// NewReaper creates a reaper for the given store
func NewReaper(store *Store, config ReaperConfig, log *logger.Logger) *Reaper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.KickDelay <= 0 {
		config.KickDelay = 100 * time.Millisecond
	}
	return &Reaper{
		store:  store,
		config: config,
		logger: log.Named("session-reaper"),
	}
}

// Start launches the periodic sweep goroutine
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.config.Interval)
		defer ticker.Stop()
		r.logger.Info("Session reaper started",
			Duration("interval", r.config.Interval),
			Duration("max_age", r.config.MaxAge))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// Stop terminates the sweep goroutine and any pending kick
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	if r.pending != nil {
		r.pending.Stop()
		r.pending = nil
	}
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		r.wg.Wait()
		r.logger.Info("Session reaper stopped")
	}
}

// Kick schedules a near-term sweep, used after a turn completes so that
// finished sessions do not linger until the next periodic tick. Repeated
// kicks coalesce into one pending sweep.
func (r *Reaper) Kick() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		return
	}
	r.pending = time.AfterFunc(r.config.KickDelay, func() {
		r.mu.Lock()
		r.pending = nil
		r.mu.Unlock()
		r.sweep()
	})
}

func (r *Reaper) sweep() {
	if n := r.store.Sweep(r.config.MaxAge); n > 0 {
		r.logger.Info("Swept stale sessions", Int("evicted", n))
	}
}
