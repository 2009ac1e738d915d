package odds

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisProvider reads the table from a redis hash whose fields are the key numbers.
type RedisProvider struct {
	rdb *redis.Client
	key string
}

func NewRedisProvider(rdb *redis.Client, key string) *RedisProvider {
	return &RedisProvider{rdb: rdb, key: key}
}

func (p *RedisProvider) Fetch(ctx context.Context, index int) (uint64, error) {
	if index < 1 || index > KeyCount {
		return 0, errors.Errorf("odds: key %d out of range", index)
	}
	v, err := p.rdb.HGet(ctx, p.key, strconv.Itoa(index)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "redis hget %s %d", p.key, index)
	}
	return v, nil
}

// Publish replaces the hash with entries, keys past the last entry cleared.
func (p *RedisProvider) Publish(ctx context.Context, entries []Entry) error {
	if len(entries) > EntryCount {
		return errors.Errorf("odds: %d entries exceed the %d slot table", len(entries), EntryCount)
	}
	fields := make(map[string]interface{}, KeyCount)
	for i := 0; i < EntryCount; i++ {
		var e Entry
		if i < len(entries) {
			e = entries[i]
		}
		fields[strconv.Itoa(2*i+1)] = e.PrizeID
		fields[strconv.Itoa(2*i+2)] = e.Weight
	}
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.key)
		pipe.HSet(ctx, p.key, fields)
		return nil
	})
	return errors.Wrapf(err, "publish odds to %s", p.key)
}
