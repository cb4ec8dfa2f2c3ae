package counterstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

var (
	_ Backend = (*RedisBackend)(nil)
	_ Scanner = (*RedisBackend)(nil)
)

const DefaultRedisPrefix = "pageviews"

// Each key is checked against the version read by the transaction ("-" = not read),
// then every staged count ("-" = no write) is stored and its version bumped.
// ARGV holds a (version, count) pair per KEYS entry.
var commitScript = redis.NewScript(`
for i, key in ipairs(KEYS) do
  local want = ARGV[(i - 1) * 2 + 1]
  if want ~= '-' then
    local ver = tonumber(redis.call('HGET', key, 'ver') or '0')
    if ver ~= tonumber(want) then
      return 0
    end
  end
end
for i, key in ipairs(KEYS) do
  local cnt = ARGV[(i - 1) * 2 + 2]
  if cnt ~= '-' then
    redis.call('HSET', key, 'count', cnt)
    redis.call('HINCRBY', key, 'ver', 1)
  end
end
return 1
`)

// RedisBackend stores each counter as a hash {count, ver}.
// All keys share one hash tag so that a commit script may touch any of them on a cluster.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) kindPrefix(kind Kind) string {
	return "{" + b.prefix + "}:" + string(kind) + ":"
}

func (b *RedisBackend) redisKey(key Key) string {
	return b.kindPrefix(key.Kind) + key.Name
}

func (b *RedisBackend) Begin(ctx context.Context) (Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &redisTxn{
		backend: b,
		reads:   map[Key]int64{},
		writes:  map[Key]Record{},
	}, nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func (b *RedisBackend) Scan(ctx context.Context, kind Kind, fn func(name string, rec Record) error) error {
	prefix := b.kindPrefix(kind)
	it := b.client.Scan(ctx, 0, prefix+"*", 500).Iterator()
	for it.Next(ctx) {
		k := it.Val()
		vals, err := b.client.HMGet(ctx, k, "count").Result()
		if err != nil {
			return fmt.Errorf("HMGet: key=%s, %w", k, classifyRedisErr(err))
		}
		count, _, err := parseCounterHash(vals[0], nil)
		if err != nil {
			return fmt.Errorf("key=%s, %w", k, err)
		}
		if err := fn(strings.TrimPrefix(k, prefix), Record{Count: count}); err != nil {
			return err
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("Scan: %w", classifyRedisErr(err))
	}
	return nil
}

type redisTxn struct {
	backend *RedisBackend
	reads   map[Key]int64
	writes  map[Key]Record
}

func (t *redisTxn) Get(ctx context.Context, key Key) (Record, bool, error) {
	if rec, ok := t.writes[key]; ok {
		return rec, true, nil
	}

	vals, err := t.backend.client.HMGet(ctx, t.backend.redisKey(key), "count", "ver").Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("HMGet: key=%s, %w", key, classifyRedisErr(err))
	}
	if vals[0] == nil && vals[1] == nil {
		t.reads[key] = 0
		return Record{}, false, nil
	}

	count, ver, err := parseCounterHash(vals[0], vals[1])
	if err != nil {
		return Record{}, false, fmt.Errorf("key=%s, %w", key, err)
	}
	// Two reads of the same key must agree; a different version means someone committed in between.
	if prev, ok := t.reads[key]; ok && prev != ver {
		return Record{}, false, fmt.Errorf("%w: %s changed during transaction", ErrConflict, key)
	}
	t.reads[key] = ver
	return Record{Count: count}, true, nil
}

func (t *redisTxn) Put(key Key, rec Record) {
	t.writes[key] = rec
}

func (t *redisTxn) Commit(ctx context.Context) error {
	if len(t.writes) == 0 && len(t.reads) <= 1 {
		// Nothing to write and a single read is trivially consistent.
		return nil
	}

	keys := make([]string, 0, len(t.reads)+len(t.writes))
	args := make([]interface{}, 0, 2*cap(keys))
	seen := map[Key]struct{}{}
	add := func(k Key) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		want, cnt := "-", "-"
		if v, ok := t.reads[k]; ok {
			want = strconv.FormatInt(v, 10)
		}
		if rec, ok := t.writes[k]; ok {
			cnt = strconv.FormatInt(rec.Count, 10)
		}
		keys = append(keys, t.backend.redisKey(k))
		args = append(args, want, cnt)
	}
	for k := range t.reads {
		add(k)
	}
	for k := range t.writes {
		add(k)
	}

	ok, err := commitScript.Run(ctx, t.backend.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("commitScript.Run: %w", classifyRedisErr(err))
	}
	if ok != 1 {
		return fmt.Errorf("%w: version check failed", ErrConflict)
	}
	return nil
}

func (t *redisTxn) Rollback(ctx context.Context) error {
	t.writes = map[Key]Record{}
	return nil
}

func parseCounterHash(count, ver interface{}) (int64, int64, error) {
	parse := func(name string, v interface{}) (int64, error) {
		if v == nil {
			return 0, nil
		}
		s, ok := v.(string)
		if !ok {
			return 0, fmt.Errorf("%w: %s has unexpected type %T", ErrFatal, name, v)
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s: %w", ErrFatal, name, err)
		}
		return n, nil
	}

	c, err := parse("count", count)
	if err != nil {
		return 0, 0, err
	}
	v, err := parse("ver", ver)
	if err != nil {
		return 0, 0, err
	}
	return c, v, nil
}

func classifyRedisErr(err error) error {
	var netErr net.Error
	var redisErr redis.Error
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled),
		errors.Is(err, redis.ErrClosed), errors.Is(err, io.EOF), errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	case errors.As(err, &redisErr):
		msg := err.Error()
		if strings.HasPrefix(msg, "LOADING") || strings.HasPrefix(msg, "BUSY") ||
			strings.HasPrefix(msg, "TRYAGAIN") || strings.HasPrefix(msg, "CLUSTERDOWN") {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return fmt.Errorf("%w: %w", ErrFatal, err)
	default:
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
}
