package analytics

import (
	"sort"

	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/pkg/utils"
)

// Concentration cutoffs on the 0-10000 index.
const (
	HighConcentration     = 2500
	ModerateConcentration = 1500
)

// Competitiveness labels. A concentrated keyword is labelled "low".
const (
	CompetitivenessLow    = "low"
	CompetitivenessMedium = "medium"
	CompetitivenessHigh   = "high"
)

func CompetitivenessFor(index float64) string {
	switch {
	case index > HighConcentration:
		return CompetitivenessLow
	case index >= ModerateConcentration:
		return CompetitivenessMedium
	default:
		return CompetitivenessHigh
	}
}

type Competitor struct {
	ASIN      string  `json:"asin"`
	Purchases int64   `json:"purchases"`
	Share     float64 `json:"share"`
}

type KeywordMarket struct {
	SearchQuery        string       `json:"searchQuery"`
	TotalPurchases     int64        `json:"totalPurchases"`
	Competitors        []Competitor `json:"competitors"`
	ConcentrationIndex float64      `json:"concentrationIndex"`
	Competitiveness    string       `json:"competitiveness"`
}

// MarketShare splits each keyword's purchases across the ASINs selling on it.
// Keywords keep first-seen order; competitors are ordered by share.
func MarketShare(rows []models.KeywordMetric) []KeywordMarket {
	type bucket struct {
		query     string
		asinIndex map[string]int
		comps     []Competitor
		total     int64
	}

	index := make(map[string]int)
	var buckets []*bucket
	for _, m := range rows {
		i, ok := index[m.SearchQuery]
		if !ok {
			i = len(buckets)
			index[m.SearchQuery] = i
			buckets = append(buckets, &bucket{query: m.SearchQuery, asinIndex: make(map[string]int)})
		}
		b := buckets[i]
		j, ok := b.asinIndex[m.ASIN]
		if !ok {
			j = len(b.comps)
			b.asinIndex[m.ASIN] = j
			b.comps = append(b.comps, Competitor{ASIN: m.ASIN})
		}
		b.comps[j].Purchases += m.Purchases
		b.total += m.Purchases
	}

	out := make([]KeywordMarket, 0, len(buckets))
	for _, b := range buckets {
		km := KeywordMarket{SearchQuery: b.query, TotalPurchases: b.total, Competitors: b.comps}
		for i := range km.Competitors {
			c := &km.Competitors[i]
			c.Share = utils.RatioInt(c.Purchases, b.total)
			pct := c.Share * 100
			km.ConcentrationIndex += pct * pct
		}
		sort.SliceStable(km.Competitors, func(i, j int) bool { return km.Competitors[i].Share > km.Competitors[j].Share })
		km.Competitiveness = CompetitivenessFor(km.ConcentrationIndex)
		out = append(out, km)
	}
	return out
}
