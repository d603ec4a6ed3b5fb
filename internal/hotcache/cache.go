// Package hotcache is the Redis-backed index of reminders due soon.
//
// Members of one sorted set are reminder ids; the score is the unix-second
// time the reminder should fire. The set only ever holds a subset of the
// durable store: a missing member is repaired by the next loader sweep.
package hotcache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the sorted set holding due-soon reminder ids.
const DefaultKey = "reminders_hot"

// claimScript removes and returns every member scored at or below ARGV[1]
// in one atomic step. ZREM is chunked to stay under Lua's unpack limit.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for i = 1, #ids, 1000 do
  redis.call('ZREM', KEYS[1], unpack(ids, i, math.min(i + 999, #ids)))
end
return ids
`)

type Cache struct {
	rdb redis.UniversalClient
	key string
}

func New(rdb redis.UniversalClient, key string) *Cache {
	if strings.TrimSpace(key) == "" {
		key = DefaultKey
	}
	return &Cache{rdb: rdb, key: key}
}

func (c *Cache) Key() string { return c.key }

// Upsert inserts id or replaces its score.
func (c *Cache) Upsert(ctx context.Context, id string, at time.Time) error {
	if id == "" {
		return errors.New("hotcache: empty id")
	}
	return c.rdb.ZAdd(ctx, c.key, redis.Z{Score: float64(at.Unix()), Member: id}).Err()
}

// Evict removes id. Removing an absent member is not an error.
func (c *Cache) Evict(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	return c.rdb.ZRem(ctx, c.key, id).Err()
}

// ClaimDue atomically removes and returns every id scored at or before now.
// Two concurrent callers never receive the same id.
func (c *Cache) ClaimDue(ctx context.Context, now time.Time) ([]string, error) {
	ids, err := claimScript.Run(ctx, c.rdb, []string{c.key}, now.Unix()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return ids, err
}

// Score reports the scheduled time of id, if present.
func (c *Cache) Score(ctx context.Context, id string) (time.Time, bool, error) {
	s, err := c.rdb.ZScore(ctx, c.key, id).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.Unix(int64(s), 0).UTC(), true, nil
}

func (c *Cache) Len(ctx context.Context) (int64, error) {
	return c.rdb.ZCard(ctx, c.key).Result()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Options configures a standalone Redis client.
type Options struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Dial builds a client for opts. It does not contact the server.
func Dial(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
}
