package counterstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisBackend(t *testing.T) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cl := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{mr.Addr()}})
	t.Cleanup(func() { cl.Close() })
	return NewRedisBackend(cl, "test"), mr
}

func beginRedis(t *testing.T, b *RedisBackend) Txn {
	t.Helper()
	txn, err := b.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return txn
}

func TestRedisBackendCommit(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedisBackend(t)

	txn := beginRedis(t, b)
	if _, found, err := txn.Get(ctx, PageKey("a")); err != nil || found {
		t.Fatalf("found=%t, err=%v", found, err)
	}
	if _, found, err := txn.Get(ctx, TotalKey); err != nil || found {
		t.Fatalf("found=%t, err=%v", found, err)
	}
	txn.Put(PageKey("a"), Record{Count: 1})
	txn.Put(TotalKey, Record{Count: 1})

	if rec, found, _ := txn.Get(ctx, PageKey("a")); !found || rec.Count != 1 {
		t.Errorf("read-your-writes: rec=%+v found=%t", rec, found)
	}
	if mr.Exists("{test}:PageCounter:a") {
		t.Errorf("writes visible before commit")
	}

	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"{test}:PageCounter:a", "{test}:TotalCounter:total"} {
		if got := mr.HGet(k, "count"); got != "1" {
			t.Errorf("%s count=%q, want 1", k, got)
		}
		if got := mr.HGet(k, "ver"); got != "1" {
			t.Errorf("%s ver=%q, want 1", k, got)
		}
	}

	txn = beginRedis(t, b)
	rec, found, err := txn.Get(ctx, TotalKey)
	if err != nil || !found || rec.Count != 1 {
		t.Fatalf("rec=%+v found=%t err=%v", rec, found, err)
	}
	txn.Put(TotalKey, Record{Count: rec.Count + 1})
	if err := txn.Commit(ctx); err != nil {
		t.Fatal(err)
	}
	if got := mr.HGet("{test}:TotalCounter:total", "ver"); got != "2" {
		t.Errorf("ver=%q, want 2", got)
	}
}

func TestRedisBackendLostRaceConflicts(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedisBackend(t)

	slow := beginRedis(t, b)
	if _, _, err := slow.Get(ctx, PageKey("a")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := slow.Get(ctx, TotalKey); err != nil {
		t.Fatal(err)
	}

	fast := beginRedis(t, b)
	if _, _, err := fast.Get(ctx, TotalKey); err != nil {
		t.Fatal(err)
	}
	fast.Put(TotalKey, Record{Count: 1})
	if err := fast.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	slow.Put(PageKey("a"), Record{Count: 1})
	slow.Put(TotalKey, Record{Count: 1})
	if err := slow.Commit(ctx); !errors.Is(err, ErrConflict) {
		t.Fatalf("err=%v, want conflict", err)
	}
	if mr.Exists("{test}:PageCounter:a") {
		t.Errorf("losing transaction must not write any key")
	}
	if got := mr.HGet("{test}:TotalCounter:total", "count"); got != "1" {
		t.Errorf("total=%q, want 1", got)
	}
}

func TestRedisBackendRereadConflicts(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestRedisBackend(t)

	reader := beginRedis(t, b)
	if _, _, err := reader.Get(ctx, TotalKey); err != nil {
		t.Fatal(err)
	}

	writer := beginRedis(t, b)
	writer.Put(TotalKey, Record{Count: 5})
	if err := writer.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if _, _, err := reader.Get(ctx, TotalKey); !errors.Is(err, ErrConflict) {
		t.Fatalf("err=%v, want conflict", err)
	}
}

func TestRedisBackendSingleReadCommitsWithoutScript(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedisBackend(t)

	txn := beginRedis(t, b)
	if _, _, err := txn.Get(ctx, TotalKey); err != nil {
		t.Fatal(err)
	}
	// A later change does not invalidate a snapshot of one key.
	mr.HSet("{test}:TotalCounter:total", "count", "9", "ver", "3")
	if err := txn.Commit(ctx); err != nil {
		t.Fatalf("err=%v", err)
	}
}

func TestRedisBackendStaleMultiReadConflicts(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestRedisBackend(t)

	txn := beginRedis(t, b)
	if _, _, err := txn.Get(ctx, PageKey("a")); err != nil {
		t.Fatal(err)
	}
	if _, _, err := txn.Get(ctx, TotalKey); err != nil {
		t.Fatal(err)
	}
	mr.HSet("{test}:PageCounter:a", "count", "1", "ver", "1")
	if err := txn.Commit(ctx); !errors.Is(err, ErrConflict) {
		t.Fatalf("err=%v, want conflict", err)
	}
}

func TestRedisBackendConcurrentIncrements(t *testing.T) {
	const n = 100
	ctx := context.Background()
	b, _ := newTestRedisBackend(t)
	s := New(b)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			page := PageKey("x")
			if i%3 == 0 {
				page = PageKey("y")
			}
			for {
				err := s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
					p, _, err := tx.Get(ctx, page)
					if err != nil {
						return err
					}
					total, _, err := tx.Get(ctx, TotalKey)
					if err != nil {
						return err
					}
					tx.Put(page, Record{Count: p.Count + 1})
					tx.Put(TotalKey, Record{Count: total.Count + 1})
					return nil
				})
				if !errors.Is(err, ErrConflict) {
					errs <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	pages := map[string]int64{}
	err := b.Scan(ctx, KindPage, func(name string, rec Record) error {
		pages[name] = rec.Count
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if pages["x"] != 66 || pages["y"] != 34 || len(pages) != 2 {
		t.Errorf("pages=%v, want x=66 y=34", pages)
	}

	var total int64
	err = s.RunReadOnly(ctx, func(ctx context.Context, tx Tx) error {
		rec, _, err := tx.Get(ctx, TotalKey)
		total = rec.Count
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	if total != n {
		t.Errorf("total=%d, want %d", total, n)
	}
}

func TestOpenBackendReusesRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	cl, err := NewRedisClient(context.Background(), []string{mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cl.Close() })

	backend, err := OpenBackend(context.Background(), Config{
		Backend:     BackendRedis,
		RedisAddrs:  []string{"127.0.0.1:1"},
		RedisClient: cl,
	})
	if err != nil {
		t.Fatal(err)
	}
	rb, ok := backend.(*RedisBackend)
	if !ok {
		t.Fatalf("backend=%T, want *RedisBackend", backend)
	}
	if rb.client != cl {
		t.Errorf("backend must use the given client")
	}
	if rb.prefix != DefaultRedisPrefix {
		t.Errorf("prefix=%s, want %s", rb.prefix, DefaultRedisPrefix)
	}

	if err := New(backend).RunTransaction(context.Background(), incr); err != nil {
		t.Fatal(err)
	}
	if got := mr.HGet("{"+DefaultRedisPrefix+"}:TotalCounter:total", "count"); got != "1" {
		t.Errorf("count=%q, want 1", got)
	}
}
