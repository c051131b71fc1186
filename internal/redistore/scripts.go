package redistore

import "github.com/redis/go-redis/v9"

// Task records are hashes: the immutable attributes live in the `data` JSON
// field, the mutable lifecycle fields (`status`, `attempt`, `retry_after_ms`,
// `claimed_at_ms`, `assigned_node_id`, `created_at_ms`) are individual hash
// fields so the scripts below can compare-and-set them without decoding JSON.

// claimScript atomically claims one queued task for a node: it re-checks the
// status and retry gate, stamps the claim fields, increments the attempt, and
// moves the id from the queued ZSET to the leased ZSET and the node's active
// set. Returns the new attempt count, or false if the task was no longer
// claimable.
// KEYS: task hash, queued ZSET, leased ZSET, node active SET
// ARGV: nodeID, nowMs, leaseExpiryMs, taskID
var claimScript = redis.NewScript(`
local tkey = KEYS[1]
if redis.call('EXISTS', tkey) == 0 then return false end
if redis.call('HGET', tkey, 'status') ~= 'queued' then return false end
local ra = tonumber(redis.call('HGET', tkey, 'retry_after_ms') or '0')
if ra > 0 and ra > tonumber(ARGV[2]) then return false end
redis.call('HSET', tkey, 'status', 'claimed', 'claimed_at_ms', ARGV[2], 'assigned_node_id', ARGV[1])
local attempt = redis.call('HINCRBY', tkey, 'attempt', 1)
redis.call('ZREM', KEYS[2], ARGV[4])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[4])
redis.call('SADD', KEYS[4], ARGV[4])
return attempt
`)

// recoverOneScript reclaims one expired lease: the oldest leased id past the
// deadline whose task is still claimed goes back to queued with the attempt
// preserved. Returns the recovered id, or false when no lease has expired.
// KEYS: leased ZSET, queued ZSET
// ARGV: nowMs, task key prefix, active key prefix
var recoverOneScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then return false end
local id = ids[1]
redis.call('ZREM', KEYS[1], id)
local tkey = ARGV[2] .. id
if redis.call('HGET', tkey, 'status') == 'claimed' then
  local node = redis.call('HGET', tkey, 'assigned_node_id')
  redis.call('HSET', tkey, 'status', 'queued', 'claimed_at_ms', 0, 'assigned_node_id', '')
  if node and node ~= '' then redis.call('SREM', ARGV[3] .. node, id) end
  redis.call('ZADD', KEYS[2], redis.call('HGET', tkey, 'created_at_ms'), id)
end
return id
`)

// setStatusScript transitions a task to running, done, or failed. Transitions
// out of claimed/running clear the claim fields and all in-flight indexes;
// the claimed->running transition keeps them but drops the lease (past ack,
// timeouts belong to the reaper).
// KEYS: task hash, queued ZSET, leased ZSET
// ARGV: status, taskID, active key prefix
var setStatusScript = redis.NewScript(`
local tkey = KEYS[1]
if redis.call('EXISTS', tkey) == 0 then return 0 end
local node = redis.call('HGET', tkey, 'assigned_node_id')
redis.call('HSET', tkey, 'status', ARGV[1])
if ARGV[1] == 'running' then
  redis.call('ZREM', KEYS[3], ARGV[2])
else
  redis.call('HSET', tkey, 'claimed_at_ms', 0, 'assigned_node_id', '')
  redis.call('ZREM', KEYS[2], ARGV[2])
  redis.call('ZREM', KEYS[3], ARGV[2])
  if node and node ~= '' then redis.call('SREM', ARGV[3] .. node, ARGV[2]) end
end
return 1
`)

// requeueForRetryScript moves a claimed/running task back to queued with the
// retry gate set and the attempt preserved. Returns 0 when the task is not
// in a requeueable state.
// KEYS: task hash, queued ZSET, leased ZSET
// ARGV: retryAfterMs, taskID, active key prefix
var requeueForRetryScript = redis.NewScript(`
local tkey = KEYS[1]
local st = redis.call('HGET', tkey, 'status')
if st ~= 'claimed' and st ~= 'running' then return 0 end
local node = redis.call('HGET', tkey, 'assigned_node_id')
redis.call('HSET', tkey, 'status', 'queued', 'claimed_at_ms', 0, 'assigned_node_id', '', 'retry_after_ms', ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[2])
redis.call('ZADD', KEYS[2], redis.call('HGET', tkey, 'created_at_ms'), ARGV[2])
if node and node ~= '' then redis.call('SREM', ARGV[3] .. node, ARGV[2]) end
return 1
`)

// cancelScript transitions a non-terminal task to cancelled and removes it
// from every index. Returns 1 on transition, 0 when already terminal, -1
// when the task does not exist.
// KEYS: task hash, queued ZSET, leased ZSET
// ARGV: taskID, active key prefix
var cancelScript = redis.NewScript(`
local tkey = KEYS[1]
if redis.call('EXISTS', tkey) == 0 then return -1 end
local st = redis.call('HGET', tkey, 'status')
if st == 'done' or st == 'failed' or st == 'cancelled' then return 0 end
local node = redis.call('HGET', tkey, 'assigned_node_id')
redis.call('HSET', tkey, 'status', 'cancelled', 'claimed_at_ms', 0, 'assigned_node_id', '')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
if node and node ~= '' then redis.call('SREM', ARGV[2] .. node, ARGV[1]) end
return 1
`)

// replayDlqScript removes a dead-letter entry and restores its task to the
// queue with attempt reset and the retry gate cleared. The stale terminal
// result is dropped so the replayed run can record a fresh one. Returns 1 on
// replay, 0 when no entry exists.
// KEYS: dlq entry, dlq index ZSET, task hash, queued ZSET, result key
// ARGV: taskID
var replayDlqScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[5])
redis.call('HSET', KEYS[3], 'status', 'queued', 'attempt', 0, 'retry_after_ms', 0, 'claimed_at_ms', 0, 'assigned_node_id', '')
redis.call('ZADD', KEYS[4], redis.call('HGET', KEYS[3], 'created_at_ms'), ARGV[1])
return 1
`)
