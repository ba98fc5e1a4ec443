package coordinator

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RampState is the cold-start ramp phase of a campaign. Named apart from the
// circuit breaker's closed/open/half-open on purpose: the two machines are
// unrelated.
type RampState string

const (
	RampActive   RampState = "rampActive"
	RampHalfOpen RampState = "rampHalfOpen"
	RampDone     RampState = "rampDone"
)

// coldStartTTL bounds how long a stalled ramp can pin a campaign at reduced
// capacity before it falls back to done.
const coldStartTTL = 15 * time.Minute

// ColdStartConfig shapes the ramp.
type ColdStartConfig struct {
	InitialLimit   int
	StepMultiplier int
	HalfOpenAfter  int // successes before the ramp half-opens
	RampSuccesses  int // successes before the ramp completes
}

// DefaultColdStart matches the documented ramp: start at 1, double per step,
// half-open at 2 successes, done at 5.
func DefaultColdStart() ColdStartConfig {
	return ColdStartConfig{InitialLimit: 1, StepMultiplier: 2, HalfOpenAfter: 2, RampSuccesses: 5}
}

// BeginColdStart puts a freshly activated campaign into the ramp.
func (c *Coordinator) BeginColdStart(ctx context.Context, campaignID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, keyColdStart(campaignID), string(RampActive), coldStartTTL)
	pipe.Set(ctx, keyColdStartSuccesses(campaignID), 0, coldStartTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// RampStateOf returns the campaign's current ramp state. A missing key means
// the ramp is done (expired or never started).
func (c *Coordinator) RampStateOf(ctx context.Context, campaignID string) (RampState, error) {
	s, err := c.rdb.Get(ctx, keyColdStart(campaignID)).Result()
	if err == redis.Nil {
		return RampDone, nil
	}
	if err != nil {
		return RampDone, err
	}
	return RampState(s), nil
}

// OnSuccessfulUpgrade records one successful pre-dial→active upgrade and
// advances the ramp. Returns the new state.
func (c *Coordinator) OnSuccessfulUpgrade(ctx context.Context, campaignID string, cfg ColdStartConfig) (RampState, error) {
	state, err := c.RampStateOf(ctx, campaignID)
	if err != nil || state == RampDone {
		return RampDone, err
	}
	n, err := c.rdb.Incr(ctx, keyColdStartSuccesses(campaignID)).Result()
	if err != nil {
		return state, err
	}
	switch {
	case int(n) >= cfg.RampSuccesses:
		if err := c.rdb.Del(ctx, keyColdStart(campaignID), keyColdStartSuccesses(campaignID)).Err(); err != nil {
			return state, err
		}
		return RampDone, nil
	case int(n) >= cfg.HalfOpenAfter:
		if err := c.rdb.Set(ctx, keyColdStart(campaignID), string(RampHalfOpen), coldStartTTL).Err(); err != nil {
			return state, err
		}
		return RampHalfOpen, nil
	default:
		return state, nil
	}
}

// OnRampFailure rewinds the ramp by one step after a sustained carrier
// failure (5xx, auth).
func (c *Coordinator) OnRampFailure(ctx context.Context, campaignID string, cfg ColdStartConfig) error {
	state, err := c.RampStateOf(ctx, campaignID)
	if err != nil || state == RampDone {
		return err
	}
	n, err := c.rdb.Decr(ctx, keyColdStartSuccesses(campaignID)).Result()
	if err != nil {
		return err
	}
	if n < 0 {
		c.rdb.Set(ctx, keyColdStartSuccesses(campaignID), 0, coldStartTTL)
		n = 0
	}
	if int(n) < cfg.HalfOpenAfter {
		return c.rdb.Set(ctx, keyColdStart(campaignID), string(RampActive), coldStartTTL).Err()
	}
	return nil
}

// EffectiveLimit computes the ceiling the promoter and workers must enforce
// right now: the configured limit, reduced while the ramp is in progress.
// Progression for the default config is 1, 2, 4, ..., configured.
func (c *Coordinator) EffectiveLimit(ctx context.Context, campaignID string, cfg ColdStartConfig) (int, error) {
	configured, err := c.Limit(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if configured <= 0 {
		return 0, nil
	}
	state, err := c.RampStateOf(ctx, campaignID)
	if err != nil {
		return configured, err
	}
	if state == RampDone {
		return configured, nil
	}

	succ, err := c.rdb.Get(ctx, keyColdStartSuccesses(campaignID)).Int()
	if err == redis.Nil {
		succ = 0
	} else if err != nil {
		return configured, err
	}

	limit := cfg.InitialLimit
	if succ >= cfg.HalfOpenAfter {
		for i := cfg.HalfOpenAfter; i <= succ; i++ {
			limit *= cfg.StepMultiplier
			if limit >= configured {
				return configured, nil
			}
		}
	}
	if limit > configured {
		limit = configured
	}
	return limit, nil
}
