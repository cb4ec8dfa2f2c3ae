// Package tracking turns page-view events into atomic counter updates.
package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/tckz/go-pageview-counter/internal/counterstore"
)

// Transactor runs fn in a store transaction, committing its staged writes atomically.
// RunReadOnly serves callbacks that never Put.
type Transactor interface {
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx counterstore.Tx) error) error
	RunReadOnly(ctx context.Context, fn func(ctx context.Context, tx counterstore.Tx) error) error
}

var _ Transactor = (*counterstore.Store)(nil)

type Tracker struct {
	store Transactor
}

func NewTracker(store Transactor) *Tracker {
	return &Tracker{store: store}
}

// RecordView increments the counter of the page and the total counter by one, atomically.
// It is safe for concurrent use. A retryable error (see Retryable) means nothing was applied
// and the call may be repeated; every call is one more view.
func (t *Tracker) RecordView(ctx context.Context, rawPath string) error {
	key, err := Normalize(rawPath)
	if err != nil {
		return err
	}
	pageKey := counterstore.PageKey(key)

	err = t.store.RunTransaction(ctx, func(ctx context.Context, tx counterstore.Tx) error {
		page, err := readCount(ctx, tx, pageKey)
		if err != nil {
			return err
		}
		total, err := readCount(ctx, tx, counterstore.TotalKey)
		if err != nil {
			return err
		}

		tx.Put(pageKey, counterstore.Record{Count: page + 1})
		tx.Put(counterstore.TotalKey, counterstore.Record{Count: total + 1})
		return nil
	})
	if err != nil {
		return classify(rawPath, err)
	}
	return nil
}

type Counts struct {
	Key   string
	Page  int64
	Total int64
}

// Counts reads the counter of the page and the total counter from one snapshot
// in a read-only transaction. An empty rawPath reads only the total.
func (t *Tracker) Counts(ctx context.Context, rawPath string) (Counts, error) {
	var c Counts
	if rawPath != "" {
		key, err := Normalize(rawPath)
		if err != nil {
			return c, err
		}
		c.Key = key
	}

	err := t.store.RunReadOnly(ctx, func(ctx context.Context, tx counterstore.Tx) error {
		if c.Key != "" {
			n, err := readCount(ctx, tx, counterstore.PageKey(c.Key))
			if err != nil {
				return err
			}
			c.Page = n
		}
		n, err := readCount(ctx, tx, counterstore.TotalKey)
		if err != nil {
			return err
		}
		c.Total = n
		return nil
	})
	if err != nil {
		return Counts{}, classify(rawPath, err)
	}
	return c, nil
}

// readCount treats a missing record as zero.
func readCount(ctx context.Context, tx counterstore.Tx, key counterstore.Key) (int64, error) {
	rec, found, err := tx.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	if rec.Count < 0 {
		return 0, fmt.Errorf("%w: %s has negative count %d", counterstore.ErrFatal, key, rec.Count)
	}
	return rec.Count, nil
}

func classify(rawPath string, err error) error {
	switch {
	case errors.Is(err, counterstore.ErrConflict):
		return newError(KindContention, rawPath, err)
	case errors.Is(err, counterstore.ErrUnavailable):
		return newError(KindUnavailable, rawPath, err)
	default:
		return newError(KindFatal, rawPath, err)
	}
}
