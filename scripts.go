package redqueue

import (
	"strings"

	"github.com/redis/go-redis/v9"
)

// promoteTemplate moves due members of a delayed zset (KEYS[1]) into the
// live queue (KEYS[2]). A member is pushed only by the caller whose ZREM
// removed it, so concurrent promoters never duplicate a message.
// ARGV[1] = now in microseconds, ARGV[2] = batch size.
const promoteTemplate = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'WITHSCORES', 'LIMIT', 0, tonumber(ARGV[2]))
local moved = 0
for i = 1, #due, 2 do
  local member = due[i]
  local score = due[i + 1]
  if redis.call('ZREM', KEYS[1], member) == 1 then
    __PUSH__
    moved = moved + 1
  end
end
return moved
`

func promoteScript(push string) *redis.Script {
	return redis.NewScript(strings.Replace(promoteTemplate, "__PUSH__", push, 1))
}

var (
	promoteListScript      = promoteScript(`redis.call('RPUSH', KEYS[2], member)`)
	promoteSetScript       = promoteScript(`redis.call('SADD', KEYS[2], member)`)
	promoteSortedSetScript = promoteScript(`redis.call('ZADD', KEYS[2], score, member)`)
	promoteStreamScript    = promoteScript(`redis.call('XADD', KEYS[2], '*', 'body', member)`)
)

// createGroupScript creates the stream (if missing) and its consumer group.
// An existing group is not an error. Returns {1|0, detail}.
var createGroupScript = redis.NewScript(`
local res = redis.pcall('XGROUP', 'CREATE', KEYS[1], ARGV[1], '0', 'MKSTREAM')
if type(res) == 'table' and res.err then
  return {0, res.err}
end
return {1, 'OK'}
`)

// deleteConsumerScript acknowledges and deletes every entry pending for
// consumer ARGV[2] of group ARGV[1], then removes the consumer.
var deleteConsumerScript = redis.NewScript(`
local pending = redis.call('XPENDING', KEYS[1], ARGV[1], '-', '+', 10000, ARGV[2])
for _, entry in ipairs(pending) do
  redis.call('XACK', KEYS[1], ARGV[1], entry[1])
  redis.call('XDEL', KEYS[1], entry[1])
end
return redis.call('XGROUP', 'DELCONSUMER', KEYS[1], ARGV[1], ARGV[2])
`)
