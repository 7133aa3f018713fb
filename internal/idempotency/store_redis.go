package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"trustlayer/pkg/platform/sentinel"
)

const redisKeyPrefix = "trustlayer:idem:"

// Each script runs atomically on the server, so check-and-set on one key
// can never interleave with another instance.
var redisBeginScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local lock_ms = ARGV[2]

local status = redis.call("HGET", key, "status")
if not status then
  redis.call("HSET", key, "status", "in_flight", "owner", owner)
  redis.call("PEXPIRE", key, lock_ms)
  return {"acquired"}
end
if status == "completed" then
  return {"cached", redis.call("HGET", key, "response_status") or "", redis.call("HGET", key, "content_type") or "", redis.call("HGET", key, "response_body") or ""}
end
return {"in_flight"}
`)

var redisCompleteScript = redis.NewScript(`
local key = KEYS[1]
local owner = ARGV[1]
local ttl_ms = ARGV[2]

local status = redis.call("HGET", key, "status")
if not status or redis.call("HGET", key, "owner") ~= owner then
  return -1
end
if status == "completed" then
  return 0
end
redis.call("HSET", key, "status", "completed", "response_status", ARGV[3], "content_type", ARGV[4], "response_body", ARGV[5])
redis.call("PEXPIRE", key, ttl_ms)
return 1
`)

var redisReleaseScript = redis.NewScript(`
if redis.call("HGET", KEYS[1], "owner") == ARGV[1] and redis.call("HGET", KEYS[1], "status") == "in_flight" then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore shares idempotency state across instances through Redis.
type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Begin(ctx context.Context, key, owner string, lockTTL time.Duration) (BeginResult, error) {
	raw, err := redisBeginScript.Run(ctx, s.client, []string{redisKeyPrefix + key},
		owner, lockTTL.Milliseconds()).Result()
	if err != nil {
		return BeginResult{}, unavailable("begin", err)
	}
	values, ok := raw.([]any)
	if !ok || len(values) == 0 {
		return BeginResult{}, fmt.Errorf("unexpected redis begin reply %T", raw)
	}

	switch state := asString(values[0]); state {
	case "acquired":
		return BeginResult{State: StateAcquired}, nil
	case "in_flight":
		return BeginResult{State: StateInFlight}, nil
	case "cached":
		if len(values) < 4 {
			return BeginResult{}, errors.New("unexpected redis cached reply")
		}
		status, err := strconv.Atoi(asString(values[1]))
		if err != nil {
			return BeginResult{}, fmt.Errorf("parse cached status: %w", err)
		}
		return BeginResult{State: StateCached, Cached: &Response{
			Status:      status,
			ContentType: asString(values[2]),
			Body:        []byte(asString(values[3])),
		}}, nil
	default:
		return BeginResult{}, fmt.Errorf("unknown idempotency state %q", state)
	}
}

func (s *RedisStore) Complete(ctx context.Context, key, owner string, resp Response, ttl time.Duration) error {
	n, err := redisCompleteScript.Run(ctx, s.client, []string{redisKeyPrefix + key},
		owner, ttl.Milliseconds(), resp.Status, resp.ContentType, resp.Body).Int()
	if err != nil {
		return unavailable("complete", err)
	}
	if n < 0 {
		return fmt.Errorf("idempotency lease for %s lost: %w", key, sentinel.ErrConflict)
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, key, owner string) error {
	if err := redisReleaseScript.Run(ctx, s.client, []string{redisKeyPrefix + key}, owner).Err(); err != nil {
		return unavailable("release", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, sentinel.ErrUnavailable, err)
}

func asString(v any) string {
	switch typed := v.(type) {
	case string:
		return typed
	case []byte:
		return string(typed)
	default:
		return fmt.Sprint(v)
	}
}
