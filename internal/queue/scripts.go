package queue

import "github.com/redis/go-redis/v9"

// KEYS: jobs, attempts, wait, dead, dead_reason, dead_at
// ARGV: id, payload
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
redis.call('ZREM', KEYS[6], ARGV[1])
redis.call('LPUSH', KEYS[3], ARGV[1])
return 1
`)

// KEYS: wait, active, delayed, jobs, attempts, leases, dead, dead_reason, dead_at
// ARGV: now_ms, visibility_ms, lease token, max attempts, exhausted reason
//
// Promotes due retries, reclaims expired leases, then claims the oldest
// waiting job. A claim that would exceed max attempts dead-letters the job.
var claimScript = redis.NewScript(`
local now = tonumber(ARGV[1])

local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', now)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[3], id)
  redis.call('LPUSH', KEYS[1], id)
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HDEL', KEYS[6], id)
  redis.call('LPUSH', KEYS[1], id)
end

local id = redis.call('RPOP', KEYS[1])
local payload = false
while id do
  payload = redis.call('HGET', KEYS[4], id)
  if payload then
    break
  end
  id = redis.call('RPOP', KEYS[1])
end
if not id then
  return false
end

local attempt = redis.call('HINCRBY', KEYS[5], id, 1)
if attempt > tonumber(ARGV[4]) then
  redis.call('HDEL', KEYS[4], id)
  redis.call('HDEL', KEYS[6], id)
  redis.call('HSET', KEYS[7], id, payload)
  redis.call('HSET', KEYS[8], id, ARGV[5])
  redis.call('ZADD', KEYS[9], now, id)
  return {id, payload, attempt, '', 'dead'}
end

redis.call('HSET', KEYS[6], id, ARGV[3])
redis.call('ZADD', KEYS[2], now + tonumber(ARGV[2]), id)
return {id, payload, attempt, ARGV[3], 'active'}
`)

// KEYS: leases, active, jobs, attempts
// ARGV: id, token
var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], ARGV[1])
return 1
`)

// KEYS: leases, active, delayed
// ARGV: id, token, ready_ms
var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// KEYS: leases, active, wait, attempts
// ARGV: id, token
//
// The released claim does not count against the attempt budget.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
if tonumber(redis.call('HGET', KEYS[4], ARGV[1]) or '0') > 0 then
  redis.call('HINCRBY', KEYS[4], ARGV[1], -1)
end
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// KEYS: leases, active, jobs, dead, dead_reason, dead_at
// ARGV: id, token, reason, now_ms
var deadLetterScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) ~= ARGV[2] then
  return 0
end
local payload = redis.call('HGET', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
if payload then
  redis.call('HSET', KEYS[4], ARGV[1], payload)
end
redis.call('HSET', KEYS[5], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[6], ARGV[4], ARGV[1])
return 1
`)

// KEYS: active, wait, delayed, jobs, attempts
// ARGV: id
//
// Removes a job that has not been claimed. Claimed jobs are left alone.
var removeScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('LREM', KEYS[2], 0, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[5], ARGV[1])
return redis.call('HDEL', KEYS[4], ARGV[1])
`)
