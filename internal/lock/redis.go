package lock

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/flowgrid/pkg/api"
)

const (
	// Lua script for acquiring or renewing a lock. Returns {granted, token}.
	redisLockAcquireLua = `
local key = KEYS[1]
local fence = KEYS[2]
local holder = ARGV[1]
local ttlms = tonumber(ARGV[2])

local cur = redis.call('HGET', key, 'owner')
if cur then
	if cur == holder then
		redis.call('PEXPIRE', key, ttlms)
		return {1, tonumber(redis.call('HGET', key, 'token'))}
	end
	return {0, 0}
end
local token = redis.call('INCR', fence)
redis.call('HSET', key, 'owner', holder, 'token', token)
redis.call('PEXPIRE', key, ttlms)
return {1, token}
`

	// Lua script for renewing a lock. Returns 1 if renewed, 0 otherwise.
	redisLockRenewLua = `
local key = KEYS[1]
local holder = ARGV[1]
local ttlms = tonumber(ARGV[2])

if redis.call('HGET', key, 'owner') == holder then
	redis.call('PEXPIRE', key, ttlms)
	return 1
end
return 0
`

	// Lua script for releasing a lock. Returns 1 if released, 0 otherwise.
	redisLockReleaseLua = `
local key = KEYS[1]
local holder = ARGV[1]

if redis.call('HGET', key, 'owner') == holder then
	redis.call('DEL', key)
	return 1
end
return 0
`

	// Lua script for validating a fencing token.
	// Returns -1 if never granted, -2 if stale, 0 if lapsed, 1 if live.
	redisLockValidateLua = `
local key = KEYS[1]
local fence = KEYS[2]
local token = tonumber(ARGV[1])

local last = redis.call('GET', fence)
if not last then
	return -1
end
if tonumber(last) ~= token then
	return -2
end
local cur = redis.call('HGET', key, 'token')
if cur and tonumber(cur) == token then
	return 1
end
return 0
`
)

// RedisManager implements Manager on Redis. Each lock is a hash with a
// millisecond expiry; a separate counter per key issues fencing tokens and
// outlives the lock itself.
//
// Keys:
//
//	<prefix>lock:<key>   hash {owner, token} with PX expiry
//	<prefix>fence:<key>  last issued fencing token
type RedisManager struct {
	client redis.UniversalClient
	prefix string
}

var _ Manager = (*RedisManager)(nil)

// NewRedisManager constructs a Redis-backed Manager.
// prefix is optional but recommended (e.g. "flowgrid:").
func NewRedisManager(client redis.UniversalClient, prefix string) *RedisManager {
	if prefix == "" {
		prefix = "flowgrid:"
	}
	return &RedisManager{client: client, prefix: prefix}
}

func (r *RedisManager) keyLock(key string) string {
	return r.prefix + "lock:" + key
}

func (r *RedisManager) keyFence(key string) string {
	return r.prefix + "fence:" + key
}

func (r *RedisManager) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (uint64, error) {
	if err := checkTTL(ttl); err != nil {
		return 0, err
	}
	if holder == "" {
		return 0, fmt.Errorf("acquire %s: empty holder", key)
	}
	res, err := r.client.Eval(ctx, redisLockAcquireLua,
		[]string{r.keyLock(key), r.keyFence(key)},
		holder, ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("acquire %s: %w", key, err)
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("acquire %s: unexpected script result %v", key, res)
	}
	if res[0] == 0 {
		owner, _ := r.client.HGet(ctx, r.keyLock(key), "owner").Result()
		return 0, alreadyHeld(key, owner)
	}
	return uint64(res[1]), nil
}

func (r *RedisManager) Release(ctx context.Context, key, holder string) error {
	ok, err := r.client.Eval(ctx, redisLockReleaseLua, []string{r.keyLock(key)}, holder).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	if ok != 1 {
		return notHolder(key, holder)
	}
	return nil
}

func (r *RedisManager) Renew(ctx context.Context, key, holder string, ttl time.Duration) error {
	if err := checkTTL(ttl); err != nil {
		return err
	}
	ok, err := r.client.Eval(ctx, redisLockRenewLua, []string{r.keyLock(key)}, holder, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew %s: %w", key, err)
	}
	if ok != 1 {
		return notHolder(key, holder)
	}
	return nil
}

func (r *RedisManager) Validate(ctx context.Context, key string, token uint64) error {
	res, err := r.client.Eval(ctx, redisLockValidateLua,
		[]string{r.keyLock(key), r.keyFence(key)},
		strconv.FormatUint(token, 10),
	).Int64()
	if err != nil {
		return fmt.Errorf("validate %s: %w", key, err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("%w: %s token %d", api.ErrLeaseExpired, key, token)
	case -1:
		return fmt.Errorf("%w: %s", api.ErrLockNotFound, key)
	default:
		current, _ := r.client.Get(ctx, r.keyFence(key)).Uint64()
		return staleToken(key, token, current)
	}
}

func (r *RedisManager) Get(ctx context.Context, key string) (*api.Lock, error) {
	last, err := r.client.Get(ctx, r.keyFence(key)).Uint64()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", api.ErrLockNotFound, key)
	}
	if err != nil {
		return nil, err
	}

	l := &api.Lock{ResourceKey: key, FencingToken: last}
	fields, err := r.client.HGetAll(ctx, r.keyLock(key)).Result()
	if err != nil {
		return nil, err
	}
	if owner, ok := fields["owner"]; ok {
		pttl, err := r.client.PTTL(ctx, r.keyLock(key)).Result()
		if err != nil {
			return nil, err
		}
		if pttl > 0 {
			l.Owner = owner
			l.ExpiresAt = time.Now().Add(pttl)
		}
	}
	return l, nil
}
