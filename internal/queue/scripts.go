package queue

import r "github.com/redis/go-redis/v9"

// claimScript pops the best waiting job and marks it active in one step, so a
// popped id is never outside both the wait and active sets. Ids whose hash is
// gone are discarded.
//
//	KEYS[1] wait  KEYS[2] active
//	ARGV[1] job key prefix  ARGV[2] now millis
var claimScript = r.NewScript(`
while true do
  local popped = redis.call('ZPOPMIN', KEYS[1])
  if #popped == 0 then
    return false
  end
  local id = popped[1]
  local key = ARGV[1] .. id
  if redis.call('HEXISTS', key, 'data') == 1 then
    redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('HSET', key, 'state', 'active', 'processedOn', ARGV[2])
    redis.call('SADD', KEYS[2], id)
    return id
  end
end
`)

// promoteScript moves one job from the delayed set to the wait set. It
// returns 0 when another scheduler already moved or removed it.
//
//	KEYS[1] delayed  KEYS[2] wait  KEYS[3] marker  KEYS[4] job hash
//	ARGV[1] job id  ARGV[2] wait score
var promoteScript = r.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if redis.call('EXISTS', KEYS[4]) == 0 then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
redis.call('HSET', KEYS[4], 'state', 'waiting')
redis.call('LPUSH', KEYS[3], 1)
redis.call('LTRIM', KEYS[3], 0, 999)
return 1
`)
