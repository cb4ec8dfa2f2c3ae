package counterstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

var (
	_ Backend = (*MemoryBackend)(nil)
	_ Scanner = (*MemoryBackend)(nil)
)

type memoryEntry struct {
	rec Record
	// seq of the commit that last wrote this entry
	seq uint64
}

// MemoryBackend is a process-local backend with optimistic concurrency.
// A transaction sees the state as of its Begin; any record it touched that was
// committed after that point makes Get or Commit fail with ErrConflict.
type MemoryBackend struct {
	mu      sync.Mutex
	seq     uint64
	entries map[Key]memoryEntry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: map[Key]memoryEntry{}}
}

func (b *MemoryBackend) Begin(ctx context.Context) (Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return &memoryTxn{
		backend:  b,
		startSeq: b.seq,
		touched:  map[Key]struct{}{},
		writes:   map[Key]Record{},
	}, nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func (b *MemoryBackend) Scan(ctx context.Context, kind Kind, fn func(name string, rec Record) error) error {
	b.mu.Lock()
	type item struct {
		name string
		rec  Record
	}
	items := make([]item, 0, len(b.entries))
	for k, e := range b.entries {
		if k.Kind == kind {
			items = append(items, item{name: k.Name, rec: e.rec})
		}
	}
	b.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].name < items[j].name })
	for _, e := range items {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		if err := fn(e.name, e.rec); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a copy of every committed record.
func (b *MemoryBackend) Snapshot() map[Key]Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := make(map[Key]Record, len(b.entries))
	for k, e := range b.entries {
		m[k] = e.rec
	}
	return m
}

type memoryTxn struct {
	backend  *MemoryBackend
	startSeq uint64
	touched  map[Key]struct{}
	writes   map[Key]Record
	done     bool
}

func (t *memoryTxn) Get(ctx context.Context, key Key) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if t.done {
		return Record{}, false, fmt.Errorf("%w: transaction already finished", ErrFatal)
	}
	if rec, ok := t.writes[key]; ok {
		return rec, true, nil
	}

	b := t.backend
	b.mu.Lock()
	e, ok := b.entries[key]
	b.mu.Unlock()

	if e.seq > t.startSeq {
		return Record{}, false, fmt.Errorf("%w: %s changed after transaction start", ErrConflict, key)
	}
	t.touched[key] = struct{}{}
	return e.rec, ok, nil
}

func (t *memoryTxn) Put(key Key, rec Record) {
	t.touched[key] = struct{}{}
	t.writes[key] = rec
}

func (t *memoryTxn) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if t.done {
		return fmt.Errorf("%w: transaction already finished", ErrFatal)
	}
	t.done = true

	b := t.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	for k := range t.touched {
		if b.entries[k].seq > t.startSeq {
			return fmt.Errorf("%w: %s changed after transaction start", ErrConflict, k)
		}
	}
	if len(t.writes) == 0 {
		return nil
	}

	b.seq++
	for k, rec := range t.writes {
		b.entries[k] = memoryEntry{rec: rec, seq: b.seq}
	}
	return nil
}

func (t *memoryTxn) Rollback(ctx context.Context) error {
	t.done = true
	return nil
}
