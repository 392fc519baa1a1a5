package analytics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqp-sync/backend/internal/storage/models"
)

func day(s string) time.Time {
	d, _ := time.Parse("2006-01-02", s)
	return d
}

func TestGrowth(t *testing.T) {
	tests := []struct {
		name              string
		current, previous float64
		want              float64
	}{
		{"increase", 150, 100, 50},
		{"decrease", 50, 100, -50},
		{"previous zero", 10, 0, 0},
		{"flat", 7, 7, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Growth(tt.current, tt.previous), 1e-9)
		})
	}
}

func TestMovingAverage(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		window int
		want   []float64
	}{
		{"not filled", []float64{1, 2}, 3, nil},
		{"exactly filled", []float64{1, 2, 3}, 3, []float64{2}},
		{"trailing", []float64{1, 2, 3, 4, 5}, 2, []float64{1.5, 2.5, 3.5, 4.5}},
		{"window one", []float64{4, 8}, 1, []float64{4, 8}},
		{"invalid window", []float64{1}, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MovingAverage(tt.values, tt.window))
		})
	}
}

func TestWeeklyTrends(t *testing.T) {
	rows := []models.KeywordMetric{
		{SearchQuery: "whetstone", StartDate: day("2024-01-01"), Impressions: 10},
		{SearchQuery: "knife sharpener", StartDate: day("2024-01-08"), Impressions: 1500, Clicks: 120, Purchases: 12},
		{SearchQuery: "knife sharpener", StartDate: day("2024-01-01"), Impressions: 1000, Clicks: 100, Purchases: 10},
		{SearchQuery: "knife sharpener", StartDate: day("2024-01-15"), ASIN: "B002", Impressions: 400, Clicks: 30},
		{SearchQuery: "knife sharpener", StartDate: day("2024-01-15"), ASIN: "B001", Impressions: 800, Clicks: 30},
	}

	trends := WeeklyTrends(rows, 2)
	require.Len(t, trends, 2)
	assert.Equal(t, "knife sharpener", trends[0].SearchQuery)

	weeks := trends[0].Weeks
	require.Len(t, weeks, 3)
	assert.Equal(t, day("2024-01-01"), weeks[0].WeekStart)
	assert.Zero(t, weeks[0].ImpressionsGrowth)
	assert.InDelta(t, 50, weeks[1].ImpressionsGrowth, 1e-9)
	assert.InDelta(t, 20, weeks[1].ClicksGrowth, 1e-9)
	assert.Equal(t, int64(1200), weeks[2].Impressions)
	assert.InDelta(t, -20, weeks[2].ImpressionsGrowth, 1e-9)
	assert.InDelta(t, -100, weeks[2].PurchasesGrowth, 1e-9)
	assert.InDelta(t, 0.05, weeks[2].CTR, 1e-9)

	assert.Equal(t, []float64{1250, 1350}, trends[0].ImpressionsMA)

	assert.Len(t, trends[1].Weeks, 1)
	assert.Nil(t, trends[1].ImpressionsMA)
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		score float64
		want  Tier
	}{
		{100, TierTop},
		{80, TierTop},
		{79.9, TierHigh},
		{60, TierHigh},
		{40, TierMedium},
		{39.99, TierLow},
		{0, TierLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TierFor(tt.score), "score %v", tt.score)
	}
}

func TestScores(t *testing.T) {
	rows := []models.KeywordMetric{
		{SearchQuery: "weak", Impressions: 500, CTR: 0.05, CVR: 0.1, Purchases: 5},
		{SearchQuery: "best", Impressions: 1000, CTR: 0.1, CVR: 0.2, Purchases: 20},
	}

	scores := Scores(rows)
	require.Len(t, scores, 2)

	best := scores[0]
	assert.Equal(t, "best", best.SearchQuery)
	assert.InDelta(t, 100, best.Score, 1e-9)
	assert.Equal(t, TierTop, best.Tier)

	weak := scores[1]
	// volume 0.5, engagement 0.5, conversion 0.5, efficiency 0.5
	assert.InDelta(t, 50, weak.Score, 1e-9)
	assert.Equal(t, TierMedium, weak.Tier)
	assert.InDelta(t, 0.5, weak.Efficiency, 1e-9)
}

func TestScores_AllZero(t *testing.T) {
	scores := Scores([]models.KeywordMetric{{SearchQuery: "dead"}})
	require.Len(t, scores, 1)
	assert.Zero(t, scores[0].Score)
	assert.Equal(t, TierLow, scores[0].Tier)
	assert.Empty(t, Scores(nil))
}

func TestMarketShare(t *testing.T) {
	rows := []models.KeywordMetric{
		{SearchQuery: "knife sharpener", ASIN: "B001", Purchases: 30},
		{SearchQuery: "knife sharpener", ASIN: "B002", Purchases: 60},
		{SearchQuery: "knife sharpener", ASIN: "B001", Purchases: 10},
		{SearchQuery: "whetstone", ASIN: "B001", Purchases: 5},
	}

	markets := MarketShare(rows)
	require.Len(t, markets, 2)

	ks := markets[0]
	assert.Equal(t, int64(100), ks.TotalPurchases)
	require.Len(t, ks.Competitors, 2)
	assert.Equal(t, "B002", ks.Competitors[0].ASIN)
	assert.InDelta(t, 0.6, ks.Competitors[0].Share, 1e-9)
	assert.InDelta(t, 0.4, ks.Competitors[1].Share, 1e-9)
	assert.InDelta(t, 3600+1600, ks.ConcentrationIndex, 1e-6)
	assert.Equal(t, CompetitivenessLow, ks.Competitiveness)

	ws := markets[1]
	assert.InDelta(t, 10000, ws.ConcentrationIndex, 1e-6)
}

func TestMarketShare_NoPurchases(t *testing.T) {
	markets := MarketShare([]models.KeywordMetric{{SearchQuery: "q", ASIN: "B001"}, {SearchQuery: "q", ASIN: "B002"}})
	require.Len(t, markets, 1)
	assert.Zero(t, markets[0].ConcentrationIndex)
	for _, c := range markets[0].Competitors {
		assert.Zero(t, c.Share)
	}
}

func TestCompetitivenessFor(t *testing.T) {
	tests := []struct {
		index float64
		want  string
	}{
		{10000, CompetitivenessLow},
		{2500.1, CompetitivenessLow},
		{2500, CompetitivenessMedium},
		{1500, CompetitivenessMedium},
		{1499, CompetitivenessHigh},
		{0, CompetitivenessHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CompetitivenessFor(tt.index), "index %v", tt.index)
	}
}
