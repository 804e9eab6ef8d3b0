package queue

import "github.com/redis/go-redis/v9"

// Server-side scripts encapsulating every multi-step state transition.
// No component may simulate these via multiple round-trips: the store's
// per-script serialization is the only ordering source of truth.

// reserveScript tail-pops the next executable, leases it, and records
// ownership in one step.
//
// KEYS: queue, running, processed, worker_queue, owners, test-group-timeout
// ARGV: now, default_timeout, ttl_seconds
var reserveScript = redis.NewScript(`
local id = redis.call('rpop', KEYS[1])
if not id then
	return nil
end
local now = tonumber(ARGV[1])
local ttl = tonumber(ARGV[3])
local timeout = tonumber(redis.call('hget', KEYS[6], id)) or tonumber(ARGV[2])
redis.call('zadd', KEYS[2], now + timeout, id)
redis.call('lpush', KEYS[4], id)
redis.call('hset', KEYS[5], id, KEYS[4] .. '|' .. now .. '|' .. now)
redis.call('expire', KEYS[2], ttl)
redis.call('expire', KEYS[4], ttl)
redis.call('expire', KEYS[5], ttl)
return id
`)

// reserveLostScript scans expired leases and steals the first whose owner has
// stopped heartbeating for longer than the grace period. The stolen lease is
// re-deadlined with the unit's dynamic timeout when one is stored.
//
// KEYS: running, processed, worker_queue, owners, heartbeats, test-group-timeout
// ARGV: now, default_timeout, heartbeat_grace, ttl_seconds
var reserveLostScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local default_timeout = tonumber(ARGV[2])
local grace = tonumber(ARGV[3])
local lost = redis.call('zrangebyscore', KEYS[1], '-inf', now)
for _, id in ipairs(lost) do
	if redis.call('sismember', KEYS[2], id) == 0 then
		local hb = tonumber(redis.call('hget', KEYS[5], id))
		if (not hb) or (now - hb >= grace) then
			local timeout = tonumber(redis.call('hget', KEYS[6], id)) or default_timeout
			redis.call('zadd', KEYS[1], now + timeout, id)
			redis.call('lpush', KEYS[3], id)
			redis.call('hset', KEYS[4], id, KEYS[3] .. '|' .. now .. '|' .. now)
			redis.call('hdel', KEYS[5], id)
			local ttl = tonumber(ARGV[4])
			redis.call('expire', KEYS[1], ttl)
			redis.call('expire', KEYS[3], ttl)
			redis.call('expire', KEYS[4], ttl)
			return id
		end
	end
end
return nil
`)

// heartbeatScript refreshes ownership timestamps and extends the lease
// deadline when it is near expiry. The extension is capped at
// initial_reservation + 3*timeout so a stuck worker cannot hold a unit
// forever, and at now + 60 so one heartbeat never buys more than a minute.
//
// KEYS: running, processed, owners, worker_queue, heartbeats, test-group-timeout
// ARGV: now, id, default_timeout
var heartbeatScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local id = ARGV[2]
if redis.call('sismember', KEYS[2], id) == 1 then
	return nil
end
local owner = redis.call('hget', KEYS[3], id)
if not owner then
	return nil
end
local sep1 = string.find(owner, '|', 1, true)
local sep2 = string.find(owner, '|', sep1 + 1, true)
local worker_queue = string.sub(owner, 1, sep1 - 1)
if worker_queue ~= KEYS[4] then
	return nil
end
local initial = tonumber(string.sub(owner, sep1 + 1, sep2 - 1))
redis.call('hset', KEYS[3], id, worker_queue .. '|' .. initial .. '|' .. now)
redis.call('hset', KEYS[5], id, now)
local timeout = tonumber(redis.call('hget', KEYS[6], id)) or tonumber(ARGV[3])
local deadline = tonumber(redis.call('zscore', KEYS[1], id))
if deadline and deadline < now + 20 then
	local new_deadline = math.min(now + 60, initial + 3 * timeout)
	if new_deadline > deadline then
		redis.call('zadd', KEYS[1], new_deadline, id)
		return {tostring(deadline), tostring(new_deadline)}
	end
end
return 0
`)

// acknowledgeScript records completion exactly once. Returns 1 only to the
// first caller; the lease and ownership are cleared either way the first
// time through.
//
// KEYS: running, processed, owners
// ARGV: id, ttl_seconds
var acknowledgeScript = redis.NewScript(`
local id = ARGV[1]
if redis.call('sadd', KEYS[2], id) == 0 then
	return 0
end
redis.call('zrem', KEYS[1], id)
redis.call('hdel', KEYS[3], id)
redis.call('expire', KEYS[2], tonumber(ARGV[2]))
return 1
`)

// requeueScript re-inserts a failed unit into the queue interior, bounded by
// the per-unit cap and the build-wide budget tracked under the reserved
// '___total___' hash field.
//
// KEYS: processed, requeues-count, queue, running, worker_queue, owners
// ARGV: max_requeues, global_max_requeues, id, offset, ttl_seconds
var requeueScript = redis.NewScript(`
local id = ARGV[3]
if redis.call('sismember', KEYS[1], id) == 1 then
	return 0
end
local global_requeues = tonumber(redis.call('hget', KEYS[2], '___total___')) or 0
if global_requeues >= tonumber(ARGV[2]) then
	return 0
end
local requeues = tonumber(redis.call('hget', KEYS[2], id)) or 0
if requeues >= tonumber(ARGV[1]) then
	return 0
end
redis.call('hincrby', KEYS[2], '___total___', 1)
redis.call('hincrby', KEYS[2], id, 1)
local offset = tonumber(ARGV[4])
local pivot = redis.call('lrange', KEYS[3], -offset, -offset)[1]
if pivot then
	redis.call('linsert', KEYS[3], 'BEFORE', pivot, id)
else
	redis.call('lpush', KEYS[3], id)
end
redis.call('zrem', KEYS[4], id)
redis.call('lrem', KEYS[5], 0, id)
redis.call('hdel', KEYS[6], id)
local ttl = tonumber(ARGV[5])
redis.call('expire', KEYS[2], ttl)
redis.call('expire', KEYS[3], ttl)
return 1
`)

// releaseScript expires every lease this worker still holds. Units stay in
// the running set with a zero score so reserve-lost reclaims them; heartbeat
// entries are dropped so the grace period does not delay the reclaim. The
// worker queue itself survives: it is the retry-on-reconnect history.
//
// KEYS: running, worker_queue, owners, heartbeats
var releaseScript = redis.NewScript(`
local owners = redis.call('hgetall', KEYS[3])
local released = 0
for i = 1, #owners, 2 do
	local id = owners[i]
	local owner = owners[i + 1]
	local sep = string.find(owner, '|', 1, true)
	if string.sub(owner, 1, sep - 1) == KEYS[2] then
		if redis.call('zscore', KEYS[1], id) then
			redis.call('zadd', KEYS[1], 0, id)
		end
		redis.call('hdel', KEYS[3], id)
		redis.call('hdel', KEYS[4], id)
		released = released + 1
	end
end
return released
`)

// electScript performs create-if-absent master election, writing the worker
// id and the initial setup heartbeat atomically with the election itself.
//
// KEYS: master-status, master-worker-id, master-setup-heartbeat, created-at
// ARGV: worker_id, now, ttl_seconds
var electScript = redis.NewScript(`
if redis.call('setnx', KEYS[1], 'setup') == 0 then
	return 0
end
redis.call('set', KEYS[2], ARGV[1])
redis.call('set', KEYS[3], ARGV[2])
redis.call('setnx', KEYS[4], ARGV[2])
local ttl = tonumber(ARGV[3])
redis.call('expire', KEYS[1], ttl)
redis.call('expire', KEYS[2], ttl)
redis.call('expire', KEYS[3], ttl)
redis.call('expire', KEYS[4], ttl)
return 1
`)

// takeoverScript replaces a setup-phase master whose heartbeat has staled.
// Rewriting master-worker-id here is what aborts the old master's watched
// commit if the two race.
//
// KEYS: master-status, master-worker-id, master-setup-heartbeat
// ARGV: worker_id, now, stale_timeout, ttl_seconds
var takeoverScript = redis.NewScript(`
local status = redis.call('get', KEYS[1])
if status and string.sub(status, 1, 5) ~= 'setup' then
	return 0
end
local now = tonumber(ARGV[2])
local hb = tonumber(redis.call('get', KEYS[3]))
if hb and now - hb < tonumber(ARGV[3]) then
	return 0
end
redis.call('set', KEYS[1], 'setup')
redis.call('set', KEYS[2], ARGV[1])
redis.call('set', KEYS[3], ARGV[2])
local ttl = tonumber(ARGV[4])
redis.call('expire', KEYS[1], ttl)
redis.call('expire', KEYS[2], ttl)
redis.call('expire', KEYS[3], ttl)
return 1
`)

// popWarningsScript drains the warnings list in a single step so concurrent
// supervisors never observe the same warning twice.
//
// KEYS: warnings
var popWarningsScript = redis.NewScript(`
local warnings = redis.call('lrange', KEYS[1], 0, -1)
redis.call('del', KEYS[1])
return warnings
`)
