package safety

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// reserveScript atomically checks and reserves budget.
// KEYS[1] = spent key, KEYS[2] = reservations hash
// ARGV[1] = reservation id, ARGV[2] = estimate, ARGV[3] = ceiling
var reserveScript = redis.NewScript(`
local spent = tonumber(redis.call("GET", KEYS[1]) or "0")
local reserved = 0
local vals = redis.call("HVALS", KEYS[2])
for _, v in ipairs(vals) do
    reserved = reserved + tonumber(v)
end
local estimate = tonumber(ARGV[2])
local ceiling = tonumber(ARGV[3])
if spent + reserved + estimate > ceiling then
    return {0, tostring(spent), tostring(reserved)}
end
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
return {1, tostring(spent), tostring(reserved)}
`)

// commitScript releases a reservation and adds actual spend.
// KEYS[1] = spent key, KEYS[2] = reservations hash
// ARGV[1] = reservation id, ARGV[2] = actual
var commitScript = redis.NewScript(`
local removed = redis.call("HDEL", KEYS[2], ARGV[1])
if removed == 0 then
    return -1
end
redis.call("INCRBYFLOAT", KEYS[1], ARGV[2])
return 1
`)

// RedisLedger shares the cost ceiling between recdeploy processes.
type RedisLedger struct {
	client  redis.UniversalClient
	key     string
	ceiling float64
}

// NewRedisLedger creates a ledger storing state under key.
func NewRedisLedger(client redis.UniversalClient, key string, ceiling float64) *RedisLedger {
	return &RedisLedger{client: client, key: key, ceiling: ceiling}
}

// DialRedisLedger connects to addr and verifies the connection.
func DialRedisLedger(ctx context.Context, addr, key string, ceiling float64) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return NewRedisLedger(client, key, ceiling), nil
}

func (l *RedisLedger) keys() []string {
	return []string{l.key + ":spent", l.key + ":reserved"}
}

// Reserve runs the reservation script.
func (l *RedisLedger) Reserve(ctx context.Context, estimate float64) (Reservation, error) {
	if estimate < 0 {
		return Reservation{}, fmt.Errorf("negative estimate %v", estimate)
	}
	id := uuid.NewString()
	res, err := reserveScript.Run(ctx, l.client, l.keys(), id, estimate, l.ceiling).Slice()
	if err != nil {
		return Reservation{}, fmt.Errorf("redis reserve: %w", err)
	}
	if len(res) != 3 {
		return Reservation{}, fmt.Errorf("invalid response from reserve script")
	}
	if ok, _ := res[0].(int64); ok != 1 {
		return Reservation{}, fmt.Errorf("%w: spent $%v + reserved $%v + estimated $%.4f > ceiling $%.4f",
			ErrCostLimitExceeded, res[1], res[2], estimate, l.ceiling)
	}
	return Reservation{ID: id, Estimate: estimate}, nil
}

// Commit runs the commit script.
func (l *RedisLedger) Commit(ctx context.Context, r Reservation, actual float64) error {
	if actual < 0 {
		return fmt.Errorf("negative cost %v", actual)
	}
	n, err := commitScript.Run(ctx, l.client, l.keys(), r.ID, actual).Int64()
	if err != nil {
		return fmt.Errorf("redis commit: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("unknown reservation %s", r.ID)
	}
	return nil
}

// Spent reads committed spend.
func (l *RedisLedger) Spent(ctx context.Context) (float64, error) {
	v, err := l.client.Get(ctx, l.keys()[0]).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get: %w", err)
	}
	return strconv.ParseFloat(v, 64)
}
