package counterstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConflict another transaction committed a conflicting write. Retryable.
	ErrConflict = errors.New("counterstore: conflict")
	// ErrUnavailable store is transiently unreachable or the call timed out. Retryable with backoff.
	ErrUnavailable = errors.New("counterstore: unavailable")
	// ErrFatal malformed request, permission error or unrecoverable store error.
	ErrFatal = errors.New("counterstore: fatal")
)

const DefaultMaxConflictRetries = 3

type Kind string

const (
	KindPage  Kind = "PageCounter"
	KindTotal Kind = "TotalCounter"
)

type Key struct {
	Kind Kind
	Name string
}

func (k Key) String() string {
	return string(k.Kind) + "/" + k.Name
}

// TotalKey is the singleton record holding the sum of all page counters.
var TotalKey = Key{Kind: KindTotal, Name: "total"}

func PageKey(name string) Key {
	return Key{Kind: KindPage, Name: name}
}

type Record struct {
	Count int64
}

// Tx is the view of a transaction handed to RunTransaction callbacks.
type Tx interface {
	// Get returns false when the record does not exist.
	Get(ctx context.Context, key Key) (Record, bool, error)
	// Put stages a create-or-overwrite write applied at commit.
	Put(key Key, rec Record)
}

type Txn interface {
	Tx
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type Backend interface {
	Begin(ctx context.Context) (Txn, error)
	Close() error
}

// ReadOnlyBackend is implemented by backends with a transaction mode that takes no locks.
// Backends without it serve read-only transactions from Begin.
type ReadOnlyBackend interface {
	BeginReadOnly(ctx context.Context) (Txn, error)
}

// Scanner is implemented by backends that can enumerate records of a kind.
type Scanner interface {
	Scan(ctx context.Context, kind Kind, fn func(name string, rec Record) error) error
}

type options struct {
	maxConflictRetries int
	timeout            time.Duration
}

type Option func(o *options)

func WithMaxConflictRetries(n int) Option {
	return Option(func(o *options) {
		if n < 0 {
			n = 0
		}
		o.maxConflictRetries = n
	})
}

// WithTimeout bounds a whole RunTransaction call, retries included. Zero means no bound.
func WithTimeout(d time.Duration) Option {
	return Option(func(o *options) {
		o.timeout = d
	})
}

type Store struct {
	backend Backend
	opts    options
}

func New(backend Backend, opts ...Option) *Store {
	o := options{
		maxConflictRetries: DefaultMaxConflictRetries,
	}
	for _, e := range opts {
		e(&o)
	}
	return &Store{backend: backend, opts: o}
}

func (s *Store) Close() error {
	return s.backend.Close()
}

// RunTransaction runs fn inside a backend transaction and commits its staged writes atomically.
// fn may be called more than once: conflicts are retried immediately up to the configured limit.
func (s *Store) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.run(ctx, s.backend.Begin, fn)
}

// RunReadOnly is RunTransaction for callbacks that only Get. A Put fails the transaction with ErrFatal.
func (s *Store) RunReadOnly(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	begin := s.backend.Begin
	if ro, ok := s.backend.(ReadOnlyBackend); ok {
		begin = ro.BeginReadOnly
	}
	return s.run(ctx, begin, func(ctx context.Context, tx Tx) error {
		rtx := &readOnlyTx{Tx: tx}
		if err := fn(ctx, rtx); err != nil {
			return err
		}
		if rtx.put != nil {
			return fmt.Errorf("%w: Put of %s in read-only transaction", ErrFatal, *rtx.put)
		}
		return nil
	})
}

type beginFunc func(ctx context.Context) (Txn, error)

func (s *Store) run(ctx context.Context, begin beginFunc, fn func(ctx context.Context, tx Tx) error) error {
	if s.opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.timeout)
		defer cancel()
	}

	var err error
	for attempt := 0; attempt <= s.opts.maxConflictRetries; attempt++ {
		err = s.attempt(ctx, begin, fn)
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil && isInterrupted(err) {
			return fmt.Errorf("%w: %w", ErrUnavailable, ctxErr)
		}
		if !errors.Is(err, ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("counterstore.RunTransaction: %d attempts: %w", s.opts.maxConflictRetries+1, err)
}

// isInterrupted reports errors that an expired context may have caused.
// Errors already classified as unavailable or fatal keep their class.
func isInterrupted(err error) bool {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrFatal) {
		return false
	}
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (s *Store) attempt(ctx context.Context, begin beginFunc, fn func(ctx context.Context, tx Tx) error) error {
	txn, err := begin(ctx)
	if err != nil {
		return fmt.Errorf("Begin: %w", err)
	}

	if err := fn(ctx, txn); err != nil {
		// Rollback failure is not interesting when the callback already failed.
		_ = txn.Rollback(context.WithoutCancel(ctx))
		return err
	}

	if err := txn.Commit(ctx); err != nil {
		return fmt.Errorf("Commit: %w", err)
	}
	return nil
}

type readOnlyTx struct {
	Tx
	put *Key
}

func (t *readOnlyTx) Put(key Key, rec Record) {
	if t.put == nil {
		t.put = &key
	}
}
