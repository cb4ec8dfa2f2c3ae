package tracking

import (
	"context"

	"github.com/samber/lo"

	"github.com/tckz/go-pageview-counter/internal/counterstore"
)

type PageCount struct {
	Key   string
	Path  string
	Count int64
}

// Audit is a listing of every counter. Scans are not transactional, so Consistent
// can only be trusted while no view is being recorded.
type Audit struct {
	Pages []PageCount
	Total int64
	Sum   int64
}

func (a Audit) Consistent() bool {
	return a.Total == a.Sum
}

func RunAudit(ctx context.Context, scanner counterstore.Scanner) (Audit, error) {
	var a Audit
	err := scanner.Scan(ctx, counterstore.KindPage, func(name string, rec counterstore.Record) error {
		a.Pages = append(a.Pages, PageCount{Key: name, Path: PagePath(name), Count: rec.Count})
		return nil
	})
	if err != nil {
		return Audit{}, classify("", err)
	}

	err = scanner.Scan(ctx, counterstore.KindTotal, func(name string, rec counterstore.Record) error {
		if name == counterstore.TotalKey.Name {
			a.Total = rec.Count
		}
		return nil
	})
	if err != nil {
		return Audit{}, classify("", err)
	}

	a.Sum = lo.SumBy(a.Pages, func(p PageCount) int64 { return p.Count })
	return a, nil
}
