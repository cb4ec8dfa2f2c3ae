package counterstore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/datastore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	_ Backend         = (*DatastoreBackend)(nil)
	_ ReadOnlyBackend = (*DatastoreBackend)(nil)
	_ Scanner         = (*DatastoreBackend)(nil)
)

type counterEntity struct {
	Count int64 `datastore:"count"`
}

type DatastoreBackend struct {
	client    *datastore.Client
	namespace string
}

func NewDatastoreBackend(client *datastore.Client, namespace string) *DatastoreBackend {
	return &DatastoreBackend{client: client, namespace: namespace}
}

func (b *DatastoreBackend) nameKey(key Key) *datastore.Key {
	k := datastore.NameKey(string(key.Kind), key.Name, nil)
	k.Namespace = b.namespace
	return k
}

func (b *DatastoreBackend) Begin(ctx context.Context) (Txn, error) {
	tx, err := b.client.NewTransaction(ctx)
	if err != nil {
		return nil, fmt.Errorf("datastore.NewTransaction: %w", classifyDatastoreErr(err))
	}
	return &datastoreTxn{backend: b, tx: tx}, nil
}

// BeginReadOnly starts a transaction that reads a consistent snapshot without locking it.
func (b *DatastoreBackend) BeginReadOnly(ctx context.Context) (Txn, error) {
	tx, err := b.client.NewTransaction(ctx, datastore.ReadOnly)
	if err != nil {
		return nil, fmt.Errorf("datastore.NewTransaction: read-only, %w", classifyDatastoreErr(err))
	}
	return &datastoreTxn{backend: b, tx: tx}, nil
}

func (b *DatastoreBackend) Close() error {
	return b.client.Close()
}

func (b *DatastoreBackend) Scan(ctx context.Context, kind Kind, fn func(name string, rec Record) error) error {
	q := datastore.NewQuery(string(kind)).Namespace(b.namespace)
	it := b.client.Run(ctx, q)
	for {
		var ent counterEntity
		key, err := it.Next(&ent)
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil && !isFieldMismatch(err) {
			return fmt.Errorf("it.Next: %w", classifyDatastoreErr(err))
		}
		if err := fn(key.Name, Record{Count: ent.Count}); err != nil {
			return err
		}
	}
}

type datastoreTxn struct {
	backend *DatastoreBackend
	tx      *datastore.Transaction
	putErr  error
}

// Get ignores the context: a datastore transaction is bound to the one given to Begin.
func (t *datastoreTxn) Get(ctx context.Context, key Key) (Record, bool, error) {
	var ent counterEntity
	err := t.tx.Get(t.backend.nameKey(key), &ent)
	switch {
	case err == nil, isFieldMismatch(err):
		return Record{Count: ent.Count}, true, nil
	case errors.Is(err, datastore.ErrNoSuchEntity):
		return Record{}, false, nil
	default:
		return Record{}, false, fmt.Errorf("tx.Get: key=%s, %w", key, classifyDatastoreErr(err))
	}
}

// Put only stages a mutation inside a transaction; the first error surfaces from Commit.
func (t *datastoreTxn) Put(key Key, rec Record) {
	if _, err := t.tx.Put(t.backend.nameKey(key), &counterEntity{Count: rec.Count}); err != nil && t.putErr == nil {
		t.putErr = fmt.Errorf("tx.Put: key=%s, %w", key, err)
	}
}

func (t *datastoreTxn) Commit(ctx context.Context) error {
	if t.putErr != nil {
		_ = t.tx.Rollback()
		return fmt.Errorf("%w: %w", ErrFatal, t.putErr)
	}
	if _, err := t.tx.Commit(); err != nil {
		return fmt.Errorf("tx.Commit: %w", classifyDatastoreErr(err))
	}
	return nil
}

func (t *datastoreTxn) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(); err != nil {
		return fmt.Errorf("tx.Rollback: %w", classifyDatastoreErr(err))
	}
	return nil
}

// Extra properties written by someone else are tolerated; only count is ours.
func isFieldMismatch(err error) bool {
	var fm *datastore.ErrFieldMismatch
	return errors.As(err, &fm)
}

func classifyDatastoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, datastore.ErrConcurrentTransaction):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	switch status.Code(err) {
	case codes.Aborted:
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Canceled:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", ErrFatal, err)
	}
}
