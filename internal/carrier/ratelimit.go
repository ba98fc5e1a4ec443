package carrier

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig shapes the pacing wrapper around a carrier.
type RateLimitConfig struct {
	OpsPerSecond  int
	MaxConcurrent int
	MinInterval   time.Duration

	BreakerFailures int
	BreakerOpenFor  time.Duration
}

// DefaultRateLimit matches the carrier SLA: 20 ops/s, 10 concurrent, 50ms
// between requests, breaker opens for 60s after 5 consecutive failures.
func DefaultRateLimit() RateLimitConfig {
	return RateLimitConfig{
		OpsPerSecond:    20,
		MaxConcurrent:   10,
		MinInterval:     50 * time.Millisecond,
		BreakerFailures: 5,
		BreakerOpenFor:  60 * time.Second,
	}
}

// RateLimited wraps a Carrier with a token bucket, bounded concurrency,
// minimum inter-request spacing and a circuit breaker. In-process state is
// fine here: each process owns its own carrier connection budget.
type RateLimited struct {
	inner Carrier
	cfg   RateLimitConfig

	sem chan struct{}

	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
	lastReq  time.Time

	failures int
	openedAt time.Time
}

// NewRateLimited wraps a carrier.
func NewRateLimited(inner Carrier, cfg RateLimitConfig) *RateLimited {
	if cfg.OpsPerSecond <= 0 {
		cfg = DefaultRateLimit()
	}
	return &RateLimited{
		inner:    inner,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		tokens:   float64(cfg.OpsPerSecond),
		lastFill: time.Now(),
	}
}

// acquire blocks until a token, spacing and a concurrency slot are all
// available, or ctx is done. Returns a release func.
func (r *RateLimited) acquire(ctx context.Context) (func(), error) {
	if r.breakerOpen() {
		return nil, ErrCircuitOpen
	}

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		r.mu.Lock()
		now := time.Now()
		elapsed := now.Sub(r.lastFill).Seconds()
		r.tokens += elapsed * float64(r.cfg.OpsPerSecond)
		if r.tokens > float64(r.cfg.OpsPerSecond) {
			r.tokens = float64(r.cfg.OpsPerSecond)
		}
		r.lastFill = now

		wait := time.Duration(0)
		if since := now.Sub(r.lastReq); since < r.cfg.MinInterval {
			wait = r.cfg.MinInterval - since
		}
		if r.tokens < 1 {
			tokenWait := time.Duration((1 - r.tokens) / float64(r.cfg.OpsPerSecond) * float64(time.Second))
			if tokenWait > wait {
				wait = tokenWait
			}
		}
		if wait == 0 {
			r.tokens--
			r.lastReq = now
			r.mu.Unlock()
			return func() { <-r.sem }, nil
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			<-r.sem
			return nil, ctx.Err()
		}
	}
}

func (r *RateLimited) breakerOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures < r.cfg.BreakerFailures {
		return false
	}
	if time.Since(r.openedAt) > r.cfg.BreakerOpenFor {
		// Half-open: allow one probe through.
		r.failures = r.cfg.BreakerFailures - 1
		return false
	}
	return true
}

func (r *RateLimited) record(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil || (!IsServerError(err) && !IsRateLimited(err)) {
		if err == nil {
			r.failures = 0
		}
		return
	}
	r.failures++
	if r.failures == r.cfg.BreakerFailures {
		r.openedAt = time.Now()
	}
}

// Initiate paces and guards the inner call.
func (r *RateLimited) Initiate(ctx context.Context, params InitiateParams) (*Call, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	call, err := r.inner.Initiate(ctx, params)
	r.record(err)
	return call, err
}

// Hangup paces and guards the inner call.
func (r *RateLimited) Hangup(ctx context.Context, sid string) error {
	release, err := r.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	err = r.inner.Hangup(ctx, sid)
	r.record(err)
	return err
}

// GetDetails paces and guards the inner call.
func (r *RateLimited) GetDetails(ctx context.Context, sid string) (*Call, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	call, err := r.inner.GetDetails(ctx, sid)
	r.record(err)
	return call, err
}
