// Package runner executes one stage of a harvest job: it claims batches of
// pending work units, dispatches them through a bounded worker pool behind
// an adaptive throttle, and checkpoints progress between batches.
package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/harvest-cli/internal/config"
)

// maxIntervalFactor caps how far the token interval can stretch under
// sustained back-pressure.
const maxIntervalFactor = 16

// Throttle is the per-stage token bucket with adaptive back-off. A
// rate-limited response halves the worker count (floor 1) and doubles the
// token interval (capped), opening a cool-down window; a window that
// passes without another event restores the configured baseline. The
// throttle never raises either knob above its baseline.
type Throttle struct {
	mu      sync.Mutex
	limiter *rate.Limiter

	baseConcurrency int
	baseInterval    time.Duration
	burst           int
	cooldown        time.Duration

	curConcurrency int
	curInterval    time.Duration
	cooldownUntil  time.Time
}

// NewThrottle builds a throttle from the stage tuning block.
func NewThrottle(cfg config.StageConfig, cooldown time.Duration) *Throttle {
	interval := cfg.Interval()
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Throttle{
		limiter:         rate.NewLimiter(rate.Every(interval), burst),
		baseConcurrency: concurrency,
		baseInterval:    interval,
		burst:           burst,
		cooldown:        cooldown,
		curConcurrency:  concurrency,
		curInterval:     interval,
	}
}

// Wait blocks until a request token is available.
func (t *Throttle) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Concurrency returns the current worker bound. The runner reads it at
// batch boundaries.
func (t *Throttle) Concurrency() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRestoreLocked(time.Now())
	return t.curConcurrency
}

// Interval returns the current token spacing.
func (t *Throttle) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRestoreLocked(time.Now())
	return t.curInterval
}

// OnRateLimited registers registry back-pressure: halve workers, double
// the interval, re-arm the cool-down window.
func (t *Throttle) OnRateLimited() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.curConcurrency > 1 {
		t.curConcurrency /= 2
	}
	doubled := t.curInterval * 2
	if maxInterval := t.baseInterval * maxIntervalFactor; doubled > maxInterval {
		doubled = maxInterval
	}
	t.curInterval = doubled
	t.limiter.SetLimit(rate.Every(t.curInterval))
	t.cooldownUntil = time.Now().Add(t.cooldown)

	zap.L().Warn("throttle backing off",
		zap.Int("concurrency", t.curConcurrency),
		zap.Duration("interval", t.curInterval),
		zap.Time("cooldown_until", t.cooldownUntil))
}

// OnSuccess gives the throttle a chance to restore the baseline once the
// cool-down window has passed quietly.
func (t *Throttle) OnSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRestoreLocked(time.Now())
}

func (t *Throttle) maybeRestoreLocked(now time.Time) {
	if t.cooldownUntil.IsZero() || now.Before(t.cooldownUntil) {
		return
	}
	if t.curConcurrency == t.baseConcurrency && t.curInterval == t.baseInterval {
		t.cooldownUntil = time.Time{}
		return
	}
	t.curConcurrency = t.baseConcurrency
	t.curInterval = t.baseInterval
	t.limiter.SetLimit(rate.Every(t.baseInterval))
	t.cooldownUntil = time.Time{}
	zap.L().Info("throttle restored to baseline",
		zap.Int("concurrency", t.baseConcurrency),
		zap.Duration("interval", t.baseInterval))
}
