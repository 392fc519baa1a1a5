// Package analytics derives trends, performance scores and market share from
// keyword rows read back out of the store.
package analytics

import (
	"sort"
	"time"

	"github.com/sqp-sync/backend/internal/aggregation"
	"github.com/sqp-sync/backend/internal/storage/models"
)

// Growth is the percentage change from previous to current, 0 when there is
// no previous value.
func Growth(current, previous float64) float64 {
	if previous == 0 {
		return 0
	}
	return (current - previous) / previous * 100
}

// MovingAverage returns the trailing simple average for every position where
// a full window is available, so the result has len(values)-window+1 entries.
func MovingAverage(values []float64, window int) []float64 {
	if window <= 0 || len(values) < window {
		return nil
	}
	out := make([]float64, 0, len(values)-window+1)
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if i >= window-1 {
			out = append(out, sum/float64(window))
		}
	}
	return out
}

type WeeklyPoint struct {
	WeekStart         time.Time `json:"weekStart"`
	Impressions       int64     `json:"impressions"`
	Clicks            int64     `json:"clicks"`
	CartAdds          int64     `json:"cartAdds"`
	Purchases         int64     `json:"purchases"`
	CTR               float64   `json:"ctr"`
	CVR               float64   `json:"cvr"`
	ImpressionsGrowth float64   `json:"impressionsGrowth"`
	ClicksGrowth      float64   `json:"clicksGrowth"`
	CartAddsGrowth    float64   `json:"cartAddsGrowth"`
	PurchasesGrowth   float64   `json:"purchasesGrowth"`
}

type KeywordTrend struct {
	SearchQuery string        `json:"searchQuery"`
	Weeks       []WeeklyPoint `json:"weeks"`
	// ImpressionsMA is the moving average of weekly impressions.
	ImpressionsMA []float64 `json:"impressionsMovingAverage,omitempty"`
	PurchasesMA   []float64 `json:"purchasesMovingAverage,omitempty"`
}

// WeeklyTrends builds one week-over-week series per keyword. Keywords are
// ordered by total impressions, descending.
func WeeklyTrends(rows []models.KeywordMetric, window int) []KeywordTrend {
	type series struct {
		query string
		weeks map[time.Time][]models.KeywordMetric
		total int64
	}

	index := make(map[string]int)
	var all []*series
	for _, m := range rows {
		i, ok := index[m.SearchQuery]
		if !ok {
			i = len(all)
			index[m.SearchQuery] = i
			all = append(all, &series{query: m.SearchQuery, weeks: make(map[time.Time][]models.KeywordMetric)})
		}
		week := models.DateOf(m.StartDate)
		all[i].weeks[week] = append(all[i].weeks[week], m)
		all[i].total += m.Impressions
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].total > all[j].total })

	out := make([]KeywordTrend, 0, len(all))
	for _, s := range all {
		starts := make([]time.Time, 0, len(s.weeks))
		for w := range s.weeks {
			starts = append(starts, w)
		}
		sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

		trend := KeywordTrend{SearchQuery: s.query}
		var impressions, purchases []float64
		for i, w := range starts {
			t := aggregation.Totals(s.weeks[w])
			p := WeeklyPoint{
				WeekStart:   w,
				Impressions: t.Impressions,
				Clicks:      t.Clicks,
				CartAdds:    t.CartAdds,
				Purchases:   t.Purchases,
				CTR:         t.CTR,
				CVR:         t.CVR,
			}
			if i > 0 {
				prev := trend.Weeks[i-1]
				p.ImpressionsGrowth = Growth(float64(p.Impressions), float64(prev.Impressions))
				p.ClicksGrowth = Growth(float64(p.Clicks), float64(prev.Clicks))
				p.CartAddsGrowth = Growth(float64(p.CartAdds), float64(prev.CartAdds))
				p.PurchasesGrowth = Growth(float64(p.Purchases), float64(prev.Purchases))
			}
			trend.Weeks = append(trend.Weeks, p)
			impressions = append(impressions, float64(p.Impressions))
			purchases = append(purchases, float64(p.Purchases))
		}
		trend.ImpressionsMA = MovingAverage(impressions, window)
		trend.PurchasesMA = MovingAverage(purchases, window)
		out = append(out, trend)
	}
	return out
}
