// Package aggregation rolls multi-period keyword rows into one summary row
// per keyword when a requested range spans more than one reporting week.
package aggregation

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/pkg/utils"
)

// MaxPassThroughDays is the longest range returned without aggregation.
const MaxPassThroughDays = 7

type GroupBy int

const (
	ByQuery GroupBy = iota
	ByQueryAndASIN
)

// ParseGroupBy accepts "query" and "query_asin"; anything else is ByQuery.
func ParseGroupBy(s string) GroupBy {
	switch strings.ToLower(s) {
	case "query_asin", "asin":
		return ByQueryAndASIN
	default:
		return ByQuery
	}
}

// DaysBetween counts calendar days from start to end.
func DaysBetween(start, end time.Time) int {
	d := models.DateOf(end).Sub(models.DateOf(start)).Hours() / 24
	return int(math.Round(d))
}

func ShouldAggregate(start, end time.Time) bool {
	return DaysBetween(start, end) > MaxPassThroughDays
}

// Aggregate returns rows unchanged for ranges of up to seven days and the
// rollup otherwise.
func Aggregate(rows []models.KeywordMetric, start, end time.Time, by GroupBy) []models.KeywordMetric {
	if !ShouldAggregate(start, end) {
		return rows
	}
	return Rollup(rows, by)
}

type group struct {
	out models.KeywordMetric

	// Σ(share × stage volume), divided by the stage volume on finish.
	impressionShare float64
	clickShare      float64
	cartAddShare    float64
	purchaseShare   float64
}

func (g *group) add(m models.KeywordMetric) {
	if g.out.StartDate.IsZero() || m.StartDate.Before(g.out.StartDate) {
		g.out.StartDate = m.StartDate
	}
	if m.EndDate.After(g.out.EndDate) {
		g.out.EndDate = m.EndDate
	}

	g.out.Impressions += m.Impressions
	g.out.Clicks += m.Clicks
	g.out.CartAdds += m.CartAdds
	g.out.Purchases += m.Purchases

	g.impressionShare += m.ImpressionShare * float64(m.Impressions)
	g.clickShare += m.ClickShare * float64(m.Clicks)
	g.cartAddShare += m.CartAddShare * float64(m.CartAdds)
	g.purchaseShare += m.PurchaseShare * float64(m.Purchases)
}

func (g *group) finish() models.KeywordMetric {
	m := g.out
	m.CTR = utils.RatioInt(m.Clicks, m.Impressions)
	m.CVR = utils.RatioInt(m.Purchases, m.Clicks)
	m.CartAddRate = utils.RatioInt(m.CartAdds, m.Clicks)
	m.PurchaseRate = utils.RatioInt(m.Purchases, m.CartAdds)

	m.ImpressionShare = utils.Ratio(g.impressionShare, float64(m.Impressions))
	m.ClickShare = utils.Ratio(g.clickShare, float64(m.Clicks))
	m.CartAddShare = utils.Ratio(g.cartAddShare, float64(m.CartAdds))
	m.PurchaseShare = utils.Ratio(g.purchaseShare, float64(m.Purchases))
	return m
}

type groupKey struct {
	query string
	asin  string
}

// Rollup sums volumes per group, recomputes rates from the sums and weights
// each share by its own funnel stage. Output is ordered by impressions,
// descending, with ties in first-seen order.
func Rollup(rows []models.KeywordMetric, by GroupBy) []models.KeywordMetric {
	if len(rows) == 0 {
		return []models.KeywordMetric{}
	}

	index := make(map[groupKey]int)
	var groups []*group
	for _, m := range rows {
		k := groupKey{query: m.SearchQuery}
		if by == ByQueryAndASIN {
			k.asin = m.ASIN
		}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, &group{out: models.KeywordMetric{SearchQuery: m.SearchQuery, ASIN: k.asin}})
		}
		groups[i].add(m)
	}

	out := make([]models.KeywordMetric, len(groups))
	for i, g := range groups {
		out[i] = g.finish()
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Impressions > out[j].Impressions
	})
	return out
}

// Totals collapses every row into one summary with the same arithmetic as
// Rollup.
func Totals(rows []models.KeywordMetric) models.KeywordMetric {
	var g group
	for _, m := range rows {
		g.add(m)
	}
	return g.finish()
}
