package throttle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces the Redis keys of a RedisStore.
const DefaultKeyPrefix = "paged:throttle"

// reserveScript computes the wait of one request against the stored
// timestamps and advances them to the send time in a single step. All values
// are Unix microseconds. ARGV: now, any interval, write interval, is write,
// ttl in milliseconds, max reservation ahead. Returns the wait.
var reserveScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local anyInterval = tonumber(ARGV[2])
local writeInterval = tonumber(ARGV[3])
local isWrite = ARGV[4] == '1'
local ttl = tonumber(ARGV[5])
local ahead = tonumber(ARGV[6])

local lastRequest = tonumber(redis.call('GET', KEYS[1]) or '0')
local lastWrite = tonumber(redis.call('GET', KEYS[2]) or '0')

local function remaining(interval, last)
  local elapsed = now - last
  if elapsed < -ahead then elapsed = 0 end
  if elapsed >= interval then return 0 end
  return interval - elapsed
end

local wait = 0
if lastRequest > 0 then
  if anyInterval > 0 then
    wait = remaining(anyInterval, lastRequest)
  end
  if isWrite and writeInterval > 0 and lastWrite > 0 then
    wait = math.max(wait, remaining(writeInterval, lastWrite))
  end
end

local sentAt = now + wait
if sentAt > lastRequest then
  redis.call('SET', KEYS[1], string.format('%d', sentAt))
end
if isWrite and sentAt > lastWrite then
  redis.call('SET', KEYS[2], string.format('%d', sentAt))
end
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return wait
`)

// RedisStore keeps throttle state in Redis. Timestamps are stored as Unix
// microseconds (Lua numbers are doubles) under "<prefix>:last_request_at"
// and "<prefix>:last_write_at".
type RedisStore struct {
	redis  *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a store under the given key prefix. An empty prefix
// uses DefaultKeyPrefix. A positive ttl expires idle state.
func NewRedisStore(redisClient *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{
		redis:  redisClient,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (s *RedisStore) keys() []string {
	return []string{s.prefix + ":last_request_at", s.prefix + ":last_write_at"}
}

// Load reads the shared state. Missing keys yield zero timestamps.
func (s *RedisStore) Load(ctx context.Context) (State, error) {
	vals, err := s.redis.MGet(ctx, s.keys()...).Result()
	if err != nil {
		return State{}, fmt.Errorf("redis mget: %w", err)
	}

	var stamps [2]time.Time
	for i, v := range vals {
		if i >= len(stamps) {
			break
		}
		str, ok := v.(string)
		if !ok || str == "" {
			continue
		}
		micros, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return State{}, fmt.Errorf("parse %s: %w", s.keys()[i], err)
		}
		stamps[i] = time.UnixMicro(micros)
	}

	return State{LastRequestAt: stamps[0], LastWriteAt: stamps[1]}, nil
}

// Reserve implements StateStore with one Lua script, so that concurrent
// reservations from several processes are totally ordered.
func (s *RedisStore) Reserve(ctx context.Context, cfg Config, category Category, now time.Time) (time.Duration, error) {
	isWrite := "0"
	if category == Write {
		isWrite = "1"
	}
	args := []interface{}{
		now.UnixMicro(),
		cfg.MinIntervalAny.Microseconds(),
		cfg.MinIntervalWrite.Microseconds(),
		isWrite,
		s.ttl.Milliseconds(),
		MaxReservationAhead.Microseconds(),
	}

	wait, err := reserveScript.Run(ctx, s.redis, s.keys(), args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("reserve throttle slot in redis: %w", err)
	}
	return time.Duration(wait) * time.Microsecond, nil
}
