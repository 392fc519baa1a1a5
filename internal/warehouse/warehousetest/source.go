// Package warehousetest provides an in-memory warehouse.Source for tests.
package warehousetest

import (
	"context"
	"sync"

	"github.com/sqp-sync/backend/internal/warehouse"
)

// Source returns canned records and remembers every query it received.
type Source struct {
	mu sync.Mutex

	Records []warehouse.Record
	// Errs are returned by successive calls before Records is served.
	Errs []error

	Queries []warehouse.Query
	Kind    warehouse.Dialect
}

var _ warehouse.Source = (*Source)(nil)

func (s *Source) Dialect() warehouse.Dialect { return s.Kind }

func (s *Source) Close() error { return nil }

func (s *Source) Query(ctx context.Context, q warehouse.Query) ([]warehouse.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Queries = append(s.Queries, q)
	if len(s.Errs) > 0 {
		err := s.Errs[0]
		s.Errs = s.Errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return s.Records, nil
}

// Calls returns the number of queries executed.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Queries)
}

// Columns is the column order used by Row.
var Columns = []string{
	"Date", "Parent ASIN", "Child ASIN", "Search Query", "Search Query Score", "Search Query Volume",
	"ASIN Impression Count", "ASIN Click Count", "ASIN Cart Add Count", "ASIN Purchase Count",
	"Total Query Impression Count", "Total Click Count", "Total Cart Add Count", "Total Purchase Count",
	"ASIN Impression Share", "ASIN Click Share", "ASIN Cart Add Share", "ASIN Purchase Share",
}

// Row builds a record in Columns order from a decoded row.
func Row(r warehouse.RawPerformanceRow) warehouse.Record {
	return warehouse.Record{
		Columns: Columns,
		Values: []any{
			r.Date, r.ParentASIN, r.ChildASIN, r.SearchQuery, r.SearchQueryScore, r.SearchQueryVolume,
			r.Impressions, r.Clicks, r.CartAdds, r.Purchases,
			r.TotalImpressions, r.TotalClicks, r.TotalCartAdds, r.TotalPurchases,
			r.ImpressionShare, r.ClickShare, r.CartAddShare, r.PurchaseShare,
		},
	}
}
