package slots

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"callgate/internal/calls"
)

// RedisLedger is the shared Ledger for multi-process deployments. Slots are a
// Redis SET of active call ids per tenant+class, mutated only through Lua so
// the membership check and the capacity check are one atomic step.
//
// A TTL on both keys bounds the damage of a crashed process that never
// releases: a leaked slot expires instead of pinning tenant capacity forever.
type RedisLedger struct {
	rdb    *redis.Client
	limits LimitResolver
	policy QueuePolicy
	credit CreditChecker

	// TTL applied to reservation keys; refreshed on every reserve.
	TTL time.Duration
}

func NewRedisLedger(rdb *redis.Client, limits LimitResolver, policy QueuePolicy, credit CreditChecker) *RedisLedger {
	if policy == nil {
		policy = QueueAll
	}
	return &RedisLedger{
		rdb:    rdb,
		limits: limits,
		policy: policy,
		credit: credit,
		TTL:    4 * time.Hour,
	}
}

// reserveScript:
//
//	KEYS[1] = active-set key (slots:<tenant>:<class>)
//	KEYS[2] = call mapping key (slotcall:<callID>)
//	ARGV[1] = limit, ARGV[2] = callID, ARGV[3] = "<tenant>:<class>", ARGV[4] = ttl_ms
//
// Returns 1 if reserved (or already held by this call), 0 if at capacity.
var reserveScript = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[2]) == 1 then
  return 1
end
local n = redis.call('SCARD', KEYS[1])
if n >= tonumber(ARGV[1]) then
  return 0
end
redis.call('SADD', KEYS[1], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('SET', KEYS[2], ARGV[3], 'PX', ARGV[4])
return 1
`)

// releaseScript:
//
//	KEYS[1] = call mapping key
//	ARGV[1] = callID
//
// Returns 1 if a reservation was removed, 0 for a no-op release.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('SREM', 'slots:' .. v, ARGV[1])
return 1
`)

func (l *RedisLedger) Reserve(ctx context.Context, tenantID string, class calls.CallClass, callID string) (Reservation, error) {
	if tenantID == "" || callID == "" || !class.Valid() {
		return Reservation{}, ErrInvalidArgument
	}

	if l.credit != nil {
		ok, reason, err := l.credit.CanSpend(ctx, tenantID)
		if err != nil {
			return Reservation{}, err
		}
		if !ok {
			if reason == "" {
				reason = ReasonNoCredit
			}
			return Reservation{Outcome: OutcomeDenied, Reason: reason}, nil
		}
	}

	limit := l.limits(tenantID, class)
	keys := []string{setKey(tenantID, class), callKey(callID)}
	res, err := reserveScript.Run(ctx, l.rdb, keys,
		limit, callID, fmt.Sprintf("%s:%s", tenantID, class), l.TTL.Milliseconds(),
	).Int()
	if err != nil {
		return Reservation{}, err
	}
	if res == 1 {
		active, _ := l.Active(ctx, tenantID, class)
		return Reservation{Outcome: OutcomeGranted, Active: active, Limit: limit}, nil
	}
	if l.policy(class) {
		return Reservation{Outcome: OutcomeQueued, Active: limit, Limit: limit}, nil
	}
	return Reservation{Outcome: OutcomeDenied, Reason: ReasonNoCapacity, Active: limit, Limit: limit}, nil
}

func (l *RedisLedger) Release(ctx context.Context, callID string) error {
	if callID == "" {
		return ErrInvalidArgument
	}
	_, err := releaseScript.Run(ctx, l.rdb, []string{callKey(callID)}, callID).Result()
	return err
}

func (l *RedisLedger) Active(ctx context.Context, tenantID string, class calls.CallClass) (int, error) {
	n, err := l.rdb.SCard(ctx, setKey(tenantID, class)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func setKey(tenantID string, class calls.CallClass) string {
	return fmt.Sprintf("slots:%s:%s", tenantID, class)
}

func callKey(callID string) string {
	return fmt.Sprintf("slotcall:%s", callID)
}
