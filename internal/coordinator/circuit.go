package coordinator

import (
	"context"
	"time"
)

// The promotion circuit breaker lives in a per-campaign hash so every
// promoter process sees the same state. Unlike a transport breaker it never
// blocks outright: an open circuit only shrinks the promotion batch to 1.

const (
	// CircuitClosed, CircuitOpen and CircuitHalfOpen are the breaker states.
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"

	circuitFailureThreshold = 5
	circuitFailureWindow    = 30 * time.Second
	circuitOpenDuration     = 60 * time.Second
)

// circuitUpdateLua records one promotion outcome and returns the resulting
// state. Failure counting is windowed; a success from open moves to
// half-open, a success from half-open closes.
//
// KEYS: circuit hash.
// ARGV: outcome ("ok"|"fail"), now (epoch ms), threshold, window ms, open ms.
const circuitUpdateLua = `
local state = redis.call("HGET", KEYS[1], "state") or "closed"
local failures = tonumber(redis.call("HGET", KEYS[1], "failures") or "0")
local windowStart = tonumber(redis.call("HGET", KEYS[1], "windowStart") or "0")
local openedAt = tonumber(redis.call("HGET", KEYS[1], "openedAt") or "0")
local now = tonumber(ARGV[2])

if ARGV[1] == "ok" then
    if state == "open" then
        state = "half-open"
    elseif state == "half-open" then
        state = "closed"
    end
    redis.call("HSET", KEYS[1], "state", state, "failures", 0, "windowStart", now)
    return state
end

if now - windowStart > tonumber(ARGV[4]) then
    failures = 0
    windowStart = now
end
failures = failures + 1
if failures >= tonumber(ARGV[3]) then
    state = "open"
    openedAt = now
end
redis.call("HSET", KEYS[1], "state", state, "failures", failures,
    "windowStart", windowStart, "openedAt", openedAt)
return state
`

// circuitStateLua reads the breaker state, auto-expiring an open circuit
// past its window into half-open.
//
// KEYS: circuit hash.
// ARGV: now (epoch ms), open ms.
const circuitStateLua = `
local state = redis.call("HGET", KEYS[1], "state") or "closed"
if state == "open" then
    local openedAt = tonumber(redis.call("HGET", KEYS[1], "openedAt") or "0")
    if tonumber(ARGV[1]) - openedAt > tonumber(ARGV[2]) then
        state = "half-open"
        redis.call("HSET", KEYS[1], "state", state)
    end
end
return state
`

// RecordPromotion records a promotion outcome on the campaign's circuit
// breaker and returns the resulting state.
func (c *Coordinator) RecordPromotion(ctx context.Context, campaignID string, ok bool) (string, error) {
	outcome := "fail"
	if ok {
		outcome = "ok"
	}
	return c.rdb.Eval(ctx, circuitUpdateLua, []string{keyCircuit(campaignID)},
		outcome, time.Now().UnixMilli(), circuitFailureThreshold,
		circuitFailureWindow.Milliseconds(), circuitOpenDuration.Milliseconds()).Text()
}

// CircuitState returns the breaker state, expiring a stale open circuit.
func (c *Coordinator) CircuitState(ctx context.Context, campaignID string) (string, error) {
	return c.rdb.Eval(ctx, circuitStateLua, []string{keyCircuit(campaignID)},
		time.Now().UnixMilli(), circuitOpenDuration.Milliseconds()).Text()
}
