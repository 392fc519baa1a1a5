package ingestion

import (
	"fmt"
	"time"

	"github.com/sqp-sync/backend/internal/metrics"
	"github.com/sqp-sync/backend/internal/warehouse"
)

// Data quality checks, also used as metric labels.
const (
	CheckClicksOverImpressions = "clicks_over_impressions"
	CheckCartAddsOverClicks    = "cart_adds_over_clicks"
	CheckNegativeCount         = "negative_count"
	CheckShareOutOfRange       = "share_out_of_range"
	CheckEmptySearchQuery      = "empty_search_query"
)

const maxQualitySamples = 20

type QualityIssue struct {
	Check       string    `json:"check"`
	ASIN        string    `json:"asin"`
	Date        time.Time `json:"date"`
	SearchQuery string    `json:"search_query"`
	Detail      string    `json:"detail"`
}

// QualityReport collects per-row problems that never abort a run.
type QualityReport struct {
	RowsChecked int            `json:"rows_checked"`
	Counts      map[string]int `json:"counts"`
	Samples     []QualityIssue `json:"samples,omitempty"`
}

func (q QualityReport) Total() int {
	n := 0
	for _, c := range q.Counts {
		n += c
	}
	return n
}

func (q *QualityReport) add(row warehouse.RawPerformanceRow, check, detail string) {
	q.Counts[check]++
	metrics.DataQualityIssues.WithLabelValues(check).Inc()
	if len(q.Samples) < maxQualitySamples {
		q.Samples = append(q.Samples, QualityIssue{
			Check:       check,
			ASIN:        row.EntityID(),
			Date:        row.Date,
			SearchQuery: row.SearchQuery,
			Detail:      detail,
		})
	}
}

// CheckQuality inspects rows without modifying them.
func CheckQuality(rows []warehouse.RawPerformanceRow) QualityReport {
	q := QualityReport{RowsChecked: len(rows), Counts: make(map[string]int)}

	for _, r := range rows {
		if r.SearchQuery == "" {
			q.add(r, CheckEmptySearchQuery, "search query is empty")
		}
		if r.Impressions < 0 || r.Clicks < 0 || r.CartAdds < 0 || r.Purchases < 0 {
			q.add(r, CheckNegativeCount, fmt.Sprintf("counts %d/%d/%d/%d", r.Impressions, r.Clicks, r.CartAdds, r.Purchases))
		}
		if r.Clicks > r.Impressions {
			q.add(r, CheckClicksOverImpressions, fmt.Sprintf("clicks %d > impressions %d", r.Clicks, r.Impressions))
		}
		if r.CartAdds > r.Clicks {
			q.add(r, CheckCartAddsOverClicks, fmt.Sprintf("cart adds %d > clicks %d", r.CartAdds, r.Clicks))
		}
		for _, s := range []float64{r.ImpressionShare, r.ClickShare, r.CartAddShare, r.PurchaseShare} {
			if s < 0 || s > 1 {
				q.add(r, CheckShareOutOfRange, fmt.Sprintf("share %g", s))
				break
			}
		}
	}
	return q
}
