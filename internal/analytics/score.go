package analytics

import (
	"sort"

	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/pkg/utils"
)

// Component weights of the performance score.
const (
	VolumeWeight     = 0.2
	EngagementWeight = 0.3
	ConversionWeight = 0.4
	EfficiencyWeight = 0.1
)

type Tier string

const (
	TierTop    Tier = "top"
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
	TierLow    Tier = "low"
)

func TierFor(score float64) Tier {
	switch {
	case score >= 80:
		return TierTop
	case score >= 60:
		return TierHigh
	case score >= 40:
		return TierMedium
	default:
		return TierLow
	}
}

// Score holds the 0-100 performance score and its normalized components.
type Score struct {
	SearchQuery string  `json:"searchQuery"`
	ASIN        string  `json:"asin,omitempty"`
	Score       float64 `json:"score"`
	Tier        Tier    `json:"tier"`
	Volume      float64 `json:"volume"`
	Engagement  float64 `json:"engagement"`
	Conversion  float64 `json:"conversion"`
	Efficiency  float64 `json:"efficiency"`
}

// Scores normalizes each row against the batch maximum of every component.
// Output is ordered by score, descending.
func Scores(rows []models.KeywordMetric) []Score {
	var maxVolume, maxCTR, maxCVR, maxEfficiency float64
	for _, m := range rows {
		maxVolume = max(maxVolume, float64(m.Impressions))
		maxCTR = max(maxCTR, m.CTR)
		maxCVR = max(maxCVR, m.CVR)
		maxEfficiency = max(maxEfficiency, efficiency(m))
	}

	out := make([]Score, 0, len(rows))
	for _, m := range rows {
		s := Score{
			SearchQuery: m.SearchQuery,
			ASIN:        m.ASIN,
			Volume:      utils.Ratio(float64(m.Impressions), maxVolume),
			Engagement:  utils.Ratio(m.CTR, maxCTR),
			Conversion:  utils.Ratio(m.CVR, maxCVR),
			Efficiency:  utils.Ratio(efficiency(m), maxEfficiency),
		}
		s.Score = 100 * (VolumeWeight*s.Volume +
			EngagementWeight*s.Engagement +
			ConversionWeight*s.Conversion +
			EfficiencyWeight*s.Efficiency)
		s.Tier = TierFor(s.Score)
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// efficiency is purchases per impression.
func efficiency(m models.KeywordMetric) float64 {
	return utils.RatioInt(m.Purchases, m.Impressions)
}
