package coordinator

// All mutating coordinator access goes through these scripts. Read-modify-
// write sequences outside them are forbidden; that rule is what keeps
// |leases| + reserved <= limit + 1 true under concurrent promoters, workers
// and reconcilers.

// popReservePromoteLua atomically computes headroom under the ceiling, pops
// up to that many job ids from the priority waitlists, bumps the reserved
// counter and the promotion gate, and records every popped id in the
// reservation ledger.
//
// KEYS: leases set, reserved counter, ledger zset, waitlist:high,
// waitlist:normal, promote-gate.
// ARGV: limit, batch size, now (epoch ms).
// Returns {count, seq, entry...} where entry is "<origin>:<jobId>".
const popReservePromoteLua = `
local leases = KEYS[1]
local reserved = KEYS[2]
local ledger = KEYS[3]
local high = KEYS[4]
local normal = KEYS[5]
local gate = KEYS[6]
local limit = tonumber(ARGV[1])
local batch = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local inflight = redis.call("SCARD", leases)
local res = tonumber(redis.call("GET", reserved) or "0")
local available = limit - inflight - res
if available <= 0 then
    return {0, 0}
end
local take = math.min(batch, available)

local entries = {}
for i = 1, take do
    local id = redis.call("LPOP", high)
    local origin = "H"
    if not id then
        id = redis.call("LPOP", normal)
        origin = "N"
    end
    if not id then
        break
    end
    entries[#entries + 1] = origin .. ":" .. id
end
if #entries == 0 then
    return {0, 0}
end

redis.call("INCRBY", reserved, #entries)
local seq = redis.call("INCR", gate)
for i = 1, #entries do
    redis.call("ZADD", ledger, now, entries[i])
end

local out = {#entries, seq}
for i = 1, #entries do
    out[#out + 1] = entries[i]
end
return out
`

// acquirePreLua admits one pre-dial lease under the ceiling. The +1 slack
// absorbs the reservation the caller still holds (claimReservation runs
// after acquisition succeeds).
//
// KEYS: leases set, reserved counter, lease key, lease born key.
// ARGV: member, token, limit, ttl seconds, now (epoch ms).
// Returns 1 on success, 0 when the campaign is saturated.
const acquirePreLua = `
local inflight = redis.call("SCARD", KEYS[1])
local res = tonumber(redis.call("GET", KEYS[2]) or "0")
if inflight + res >= tonumber(ARGV[3]) + 1 then
    return 0
end
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("SET", KEYS[3], ARGV[2], "EX", tonumber(ARGV[4]))
redis.call("SET", KEYS[4], ARGV[5], "EX", tonumber(ARGV[4]))
return 1
`

// renewPreLua extends a pre-dial lease, capped so the total lifetime from
// first acquisition never exceeds the cumulative cap.
//
// KEYS: lease key, lease born key.
// ARGV: token, now (epoch ms), cumulative cap seconds, renew step seconds.
// Returns 1 on success, 0 on mismatch/expired/cap reached.
const renewPreLua = `
local v = redis.call("GET", KEYS[1])
if not v or v ~= ARGV[1] then
    return 0
end
local born = tonumber(redis.call("GET", KEYS[2]) or "0")
if born == 0 then
    return 0
end
local elapsed = (tonumber(ARGV[2]) - born) / 1000
local remain = tonumber(ARGV[3]) - elapsed
if remain <= 0 then
    return 0
end
local ext = math.min(tonumber(ARGV[4]), remain)
if ext < 1 then
    ext = 1
end
redis.call("EXPIRE", KEYS[1], math.ceil(ext))
redis.call("EXPIRE", KEYS[2], math.ceil(ext))
return 1
`

// upgradeToActiveLua swaps a pre-dial member for an active member. The set
// cardinality is unchanged so no ceiling re-check is needed.
//
// KEYS: leases set, pre lease key, pre born key, active lease key.
// ARGV: pre member, active member, pre token, active token, active ttl sec.
// Returns 1 on success, 0 on token mismatch or expired pre-dial.
const upgradeToActiveLua = `
local v = redis.call("GET", KEYS[2])
if not v or v ~= ARGV[3] then
    return 0
end
redis.call("SREM", KEYS[1], ARGV[1])
redis.call("DEL", KEYS[2])
redis.call("DEL", KEYS[3])
redis.call("SADD", KEYS[1], ARGV[2])
redis.call("SET", KEYS[4], ARGV[4], "EX", tonumber(ARGV[5]))
return 1
`

// releaseSlotLua frees a lease if the caller still owns it. A missing lease
// key is treated as success (the member is cleaned up regardless); a token
// mismatch is a no-op so a stale retry can never kill a newer lease.
//
// KEYS: leases set, lease key, lease born key.
// ARGV: member, token.
// Returns 1 released, 0 already gone, -1 token mismatch.
const releaseSlotLua = `
local v = redis.call("GET", KEYS[2])
if v and v ~= ARGV[2] then
    return -1
end
local removed = redis.call("SREM", KEYS[1], ARGV[1])
redis.call("DEL", KEYS[2])
redis.call("DEL", KEYS[3])
if v or removed == 1 then
    return 1
end
return 0
`

// claimReservationLua settles one promoted job's reservation: the ledger
// entry goes away and, only if an entry was actually removed, reserved is
// decremented (clamped at zero). Idempotent by construction.
//
// KEYS: reserved counter, ledger zset.
// ARGV: job id.
// Returns 1 if a reservation was claimed, 0 if none existed.
const claimReservationLua = `
local removed = redis.call("ZREM", KEYS[2], "H:" .. ARGV[1])
if removed == 0 then
    removed = redis.call("ZREM", KEYS[2], "N:" .. ARGV[1])
end
if removed == 1 then
    local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
    if cur > 0 then
        redis.call("DECRBY", KEYS[1], 1)
    end
end
return removed
`

// recoverOrphansLua moves ledger entries older than the cutoff back onto
// their origin waitlist and settles their reservations. Bounded by ARGV[2]
// so a janitor sweep stays cheap.
//
// KEYS: ledger zset, reserved counter, waitlist:high, waitlist:normal.
// ARGV: cutoff (epoch ms), max entries.
// Returns number of reservations recovered.
const recoverOrphansLua = `
local stale = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
local recovered = 0
for i = 1, #stale do
    local entry = stale[i]
    local origin = string.sub(entry, 1, 1)
    local id = string.sub(entry, 3)
    redis.call("ZREM", KEYS[1], entry)
    local cur = tonumber(redis.call("GET", KEYS[2]) or "0")
    if cur > 0 then
        redis.call("DECRBY", KEYS[2], 1)
    end
    if origin == "H" then
        redis.call("LPUSH", KEYS[3], id)
    else
        redis.call("LPUSH", KEYS[4], id)
    end
    recovered = recovered + 1
end
return recovered
`

// decrReservedLua clamps-at-zero decrements the reserved counter. Used only
// by the counter reconciler when forcing reserved down to the ledger size.
//
// KEYS: reserved counter.
// ARGV: amount.
const decrReservedLua = `
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local n = math.min(cur, tonumber(ARGV[1]))
if n > 0 then
    redis.call("DECRBY", KEYS[1], n)
end
return n
`

// pushWaitlistLua pushes a job id onto a waitlist only if its marker can be
// set (NX). Duplicate delayed events therefore push at most once per marker
// TTL window.
//
// KEYS: waitlist, marker key.
// ARGV: job id, marker ttl seconds.
// Returns 1 pushed, 0 marker already present.
const pushWaitlistLua = `
local ok = redis.call("SET", KEYS[2], "1", "NX", "EX", tonumber(ARGV[2]))
if not ok then
    return 0
end
redis.call("RPUSH", KEYS[1], ARGV[1])
return 1
`
