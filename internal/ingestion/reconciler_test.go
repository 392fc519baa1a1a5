package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqp-sync/backend/internal/storage/memory"
	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/internal/warehouse"
	"github.com/sqp-sync/backend/pkg/apperr"
)

func day(s string) time.Time {
	d, _ := time.Parse("2006-01-02", s)
	return d
}

func testConfig(batchSize int) Config {
	return Config{BatchSize: batchSize, MaxRetries: 2, RetryBaseDelay: time.Millisecond, PeriodDays: 7}
}

func row(date, parent, query string, impressions, clicks int64) warehouse.RawPerformanceRow {
	return warehouse.RawPerformanceRow{
		Date:        day(date),
		ParentASIN:  parent,
		SearchQuery: query,
		Impressions: impressions,
		Clicks:      clicks,
		CartAdds:    clicks / 2,
		Purchases:   clicks / 4,
	}
}

// fiveRows spans two parents and five distinct children.
func fiveRows() []warehouse.RawPerformanceRow {
	return []warehouse.RawPerformanceRow{
		row("2024-01-01", "B001", "knife sharpener", 1000, 100),
		row("2024-01-01", "B001", "whetstone", 500, 20),
		row("2024-01-01", "B001", "honing rod", 300, 12),
		row("2024-01-08", "B001", "knife sharpener", 1500, 120),
		row("2024-01-01", "B002", "knife sharpener", 800, 40),
	}
}

func TestSync_TwoPhaseWrite(t *testing.T) {
	store := memory.New()
	r := NewReconciler(store, store, testConfig(500))

	report, err := r.Sync(context.Background(), fiveRows(), Options{RunID: "run-1"})
	require.NoError(t, err)

	assert.Equal(t, 3, report.ParentsDistinct)
	assert.Equal(t, 3, report.ParentsInserted)
	assert.Equal(t, 5, report.ChildrenInserted)
	assert.Equal(t, 1, report.BatchesTotal)
	assert.Empty(t, report.Errors)

	parents := store.Parents()
	require.Len(t, parents, 3)
	assert.Equal(t, day("2024-01-07"), parents[0].EndDate)

	children := store.Children()
	require.Len(t, children, 5)
	assert.Equal(t, parents[0].ID, children[0].ParentID)
	assert.InDelta(t, 0.1, children[0].CTR, 1e-9)
	assert.InDelta(t, 0.25, children[0].CVR, 1e-9)
	assert.InDelta(t, 0.5, children[0].CartAddRate, 1e-9)
	assert.InDelta(t, 0.5, children[0].PurchaseRate, 1e-9)

	logs, err := store.ListSyncLogs(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, "run-1", l.RunID)
		assert.Equal(t, models.SyncSuccess, l.Status)
		assert.NotNil(t, l.CompletedAt)
	}
	assert.Equal(t, models.TableChildren, logs[0].TableName)
	assert.Equal(t, 5, logs[0].RowsProcessed)
	assert.Equal(t, models.TableParents, logs[1].TableName)
	assert.Equal(t, 3, logs[1].RowsProcessed)
}

func TestSync_IsIdempotent(t *testing.T) {
	store := memory.New()
	r := NewReconciler(store, store, testConfig(2))

	_, err := r.Sync(context.Background(), fiveRows(), Options{})
	require.NoError(t, err)
	report, err := r.Sync(context.Background(), fiveRows(), Options{})
	require.NoError(t, err)

	assert.Zero(t, report.ParentsInserted)
	assert.Zero(t, report.ChildrenInserted)
	assert.Equal(t, 5, report.ChildrenProcessed)
	assert.Len(t, store.Children(), 5)
}

func TestSync_DedupeKeepsHighestScore(t *testing.T) {
	low := row("2024-01-01", "B001", "whetstone", 10, 1)
	low.SearchQueryScore = 1
	high := row("2024-01-01", "B001", "whetstone", 99, 9)
	high.SearchQueryScore = 5
	tie := row("2024-01-01", "B001", "whetstone", 7, 7)
	tie.SearchQueryScore = 5

	store := memory.New()
	report, err := NewReconciler(store, store, testConfig(10)).Sync(context.Background(),
		[]warehouse.RawPerformanceRow{low, high, tie}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Duplicates)
	children := store.Children()
	require.Len(t, children, 1)
	assert.Equal(t, int64(99), children[0].Impressions)
}

func TestSync_EntityFallsBackToChildASIN(t *testing.T) {
	r := warehouse.RawPerformanceRow{Date: day("2024-01-01"), ChildASIN: "C001", SearchQuery: "q", Impressions: 1}
	store := memory.New()

	_, err := NewReconciler(store, store, testConfig(10)).Sync(context.Background(), []warehouse.RawPerformanceRow{r}, Options{})
	require.NoError(t, err)

	parents := store.Parents()
	require.Len(t, parents, 1)
	assert.Equal(t, "C001", parents[0].ASIN)
	assert.Len(t, store.Children(), 1)
}

func TestSync_OrphansAreDroppedNotFatal(t *testing.T) {
	store := memory.New()
	store.Hooks.UpsertParents = func(batch []models.ParentRecord) ([]models.ParentRecord, error) {
		var kept []models.ParentRecord
		for _, p := range batch {
			if p.ASIN != "B002" {
				kept = append(kept, p)
			}
		}
		return kept, nil
	}

	report, err := NewReconciler(store, store, testConfig(10)).Sync(context.Background(), fiveRows(), Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, report.Orphans)
	assert.Equal(t, 4, report.ChildrenInserted)
	assert.Len(t, store.Children(), 4)
}

func TestSync_EmptySearchQueryIsSkipped(t *testing.T) {
	rows := append(fiveRows(), row("2024-01-01", "B001", "", 10, 1))
	store := memory.New()

	report, err := NewReconciler(store, store, testConfig(10)).Sync(context.Background(), rows, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.EmptyQueries)
	assert.Equal(t, 1, report.Quality.Counts[CheckEmptySearchQuery])
	assert.Len(t, store.Children(), 5)
}

func TestSync_BatchesAreSequentialAndSized(t *testing.T) {
	store := memory.New()
	var seen []int
	store.Hooks.UpsertChildren = func(call int, batch []models.ChildRecord) error {
		seen = append(seen, call)
		return nil
	}

	report, err := NewReconciler(store, store, testConfig(2)).Sync(context.Background(), fiveRows(), Options{})
	require.NoError(t, err)

	assert.Equal(t, []int{2, 2, 1}, store.ChildBatchSizes())
	assert.Equal(t, []int{1, 2, 3}, seen)
	assert.Equal(t, 3, report.BatchesDone)
}

func TestSync_BatchFailure(t *testing.T) {
	boom := errors.New("constraint violation")

	tests := []struct {
		name            string
		continueOnError bool
		wantErr         bool
		wantChildren    int
		wantBatchErrors int
	}{
		{"aborts remaining batches", false, true, 2, 0},
		{"continue on error accumulates", true, false, 3, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			store.Hooks.UpsertChildren = func(call int, batch []models.ChildRecord) error {
				if call == 2 {
					return boom
				}
				return nil
			}
			cfg := testConfig(2)
			cfg.ContinueOnError = tt.continueOnError

			report, err := NewReconciler(store, store, cfg).Sync(context.Background(), fiveRows(), Options{})
			if tt.wantErr {
				require.Error(t, err)
				var recErr *apperr.ReconciliationError
				require.ErrorAs(t, err, &recErr)
				assert.Equal(t, models.TableChildren, recErr.Table)
				assert.ErrorIs(t, err, boom)
			} else {
				require.NoError(t, err)
				assert.ErrorIs(t, report.Err(), boom)
			}
			assert.Len(t, report.Errors, tt.wantBatchErrors)
			assert.Len(t, store.Children(), tt.wantChildren)
			assert.Equal(t, tt.wantChildren, report.ChildrenProcessed)

			logs, err := store.ListSyncLogs(context.Background(), 1)
			require.NoError(t, err)
			assert.Equal(t, models.SyncFailed, logs[0].Status)
			assert.Contains(t, logs[0].ErrorMessage, "constraint violation")
			assert.Equal(t, tt.wantChildren, logs[0].RowsProcessed)
		})
	}
}

func TestSync_ParentFailureAbortsBeforeChildren(t *testing.T) {
	store := memory.New()
	store.Hooks.UpsertParents = func(batch []models.ParentRecord) ([]models.ParentRecord, error) {
		return nil, errors.New("connection refused")
	}

	_, err := NewReconciler(store, store, testConfig(10)).Sync(context.Background(), fiveRows(), Options{})
	var recErr *apperr.ReconciliationError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, models.TableParents, recErr.Table)
	assert.Empty(t, store.Children())
	assert.Empty(t, store.ChildBatchSizes())
}

func TestSync_RateLimitRetries(t *testing.T) {
	store := memory.New()
	store.Hooks.UpsertChildren = func(call int, batch []models.ChildRecord) error {
		if call == 1 {
			return apperr.RateLimited(errors.New("429 too many requests"))
		}
		return nil
	}

	report, err := NewReconciler(store, store, testConfig(10)).Sync(context.Background(), fiveRows(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 5, report.ChildrenInserted)
	assert.Equal(t, []int{5}, store.ChildBatchSizes())
}

func TestSync_RateLimitExhaustionIsFatal(t *testing.T) {
	store := memory.New()
	store.Hooks.UpsertChildren = func(call int, batch []models.ChildRecord) error {
		return apperr.RateLimited(errors.New("429"))
	}
	cfg := testConfig(2)
	cfg.ContinueOnError = true

	_, err := NewReconciler(store, store, cfg).Sync(context.Background(), fiveRows(), Options{})
	var rle *apperr.RateLimitError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, "upsert_children", rle.Operation)
	assert.Equal(t, 3, rle.Attempts)

	logs, err := store.ListSyncLogs(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, logs[0].Status)
}

func TestSync_CancellationStopsBeforeNextBatch(t *testing.T) {
	store := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	report, err := NewReconciler(store, store, testConfig(2)).Sync(ctx, fiveRows(), Options{
		OnBatch: func(ctx context.Context, cp Checkpoint) error {
			cancel()
			return nil
		},
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.BatchesDone)
	assert.Equal(t, []int{2}, store.ChildBatchSizes())
}

func TestSync_ResumeFromCheckpoint(t *testing.T) {
	store := memory.New()
	store.Hooks.UpsertChildren = func(call int, batch []models.ChildRecord) error {
		if call == 2 {
			return errors.New("network reset")
		}
		return nil
	}
	r := NewReconciler(store, store, testConfig(2))

	var checkpoints []Checkpoint
	_, err := r.Sync(context.Background(), fiveRows(), Options{
		OnBatch: func(ctx context.Context, cp Checkpoint) error {
			checkpoints = append(checkpoints, cp)
			return nil
		},
	})
	require.Error(t, err)
	require.Len(t, checkpoints, 1)
	assert.Equal(t, Checkpoint{
		BatchesDone:   1,
		BatchesTotal:  3,
		RowsProcessed: 2,
		Covered:       2,
		Last:          ChildKey{ParentID: 1, SearchQuery: "knife sharpener"},
	}, checkpoints[0])

	parentsBefore := len(store.Parents())
	report, err := r.Sync(context.Background(), fiveRows(), Options{
		Resume: Resume{SkipParents: true, After: &checkpoints[0].Last, Covered: checkpoints[0].Covered},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.ChildrenResumed)
	assert.Equal(t, 2, report.BatchesDone)
	assert.Equal(t, 3, report.ChildrenInserted)
	assert.Len(t, store.Children(), 5)
	assert.Len(t, store.Parents(), parentsBefore)
	assert.Equal(t, []int{2, 2, 1}, store.ChildBatchSizes())
}

// tiedRows returns four queries for two ASINs on the same date. swap flips the
// ASIN order within each query, as a warehouse may for tied sort keys.
func tiedRows(swap bool) []warehouse.RawPerformanceRow {
	asins := []string{"B001", "B002"}
	if swap {
		asins = []string{"B002", "B001"}
	}
	var rows []warehouse.RawPerformanceRow
	for _, q := range []string{"chef knife", "knife block", "knife sharpener", "paring knife"} {
		for _, asin := range asins {
			rows = append(rows, row("2024-01-01", asin, q, 100, 10))
		}
	}
	return rows
}

func TestSync_ResumeIgnoresWarehouseRowOrder(t *testing.T) {
	store := memory.New()
	failing := true
	store.Hooks.UpsertChildren = func(call int, batch []models.ChildRecord) error {
		if failing && call == 2 {
			return errors.New("network reset")
		}
		return nil
	}
	r := NewReconciler(store, store, testConfig(3))

	var last Checkpoint
	_, err := r.Sync(context.Background(), tiedRows(false), Options{
		OnBatch: func(ctx context.Context, cp Checkpoint) error {
			last = cp
			return nil
		},
	})
	require.Error(t, err)
	require.Equal(t, 3, last.Covered)
	require.Len(t, store.Children(), 3)

	failing = false
	report, err := r.Sync(context.Background(), tiedRows(true), Options{
		Resume: Resume{SkipParents: true, After: &last.Last, Covered: last.Covered},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, report.ChildrenResumed)
	assert.Equal(t, 5, report.ChildrenInserted)
	assert.Len(t, store.Children(), 8)
}

func TestSync_StaleCheckpointWritesEveryChild(t *testing.T) {
	store := memory.New()
	r := NewReconciler(store, store, testConfig(2))

	_, err := r.Sync(context.Background(), fiveRows()[:2], Options{})
	require.NoError(t, err)
	require.Len(t, store.Children(), 2)

	// A row sorting before the checkpoint key arrived since the failed run.
	rows := append(fiveRows(), row("2024-01-01", "B001", "angle guide", 50, 5))
	after := ChildKey{ParentID: 1, SearchQuery: "knife sharpener"}
	report, err := r.Sync(context.Background(), rows, Options{
		Resume: Resume{SkipParents: false, After: &after, Covered: 2},
	})
	require.NoError(t, err)
	assert.Zero(t, report.ChildrenResumed)
	assert.Equal(t, 6, report.ChildrenProcessed)
	assert.Len(t, store.Children(), 6)
}

func TestSync_CheckpointStopsAtFirstGap(t *testing.T) {
	store := memory.New()
	store.Hooks.UpsertChildren = func(call int, batch []models.ChildRecord) error {
		if call == 2 {
			return errors.New("constraint violation")
		}
		return nil
	}
	cfg := testConfig(2)
	cfg.ContinueOnError = true

	var checkpoints []Checkpoint
	_, err := NewReconciler(store, store, cfg).Sync(context.Background(), fiveRows(), Options{
		OnBatch: func(ctx context.Context, cp Checkpoint) error {
			checkpoints = append(checkpoints, cp)
			return nil
		},
	})
	require.NoError(t, err)
	require.Len(t, checkpoints, 3)
	assert.Equal(t, 2, checkpoints[2].Covered)
	assert.Equal(t, ChildKey{ParentID: 1, SearchQuery: "knife sharpener"}, checkpoints[2].Last)
	assert.Equal(t, 3, checkpoints[2].RowsProcessed)
}

func TestSync_CheckpointErrorStopsRun(t *testing.T) {
	store := memory.New()
	_, err := NewReconciler(store, store, testConfig(2)).Sync(context.Background(), fiveRows(), Options{
		OnBatch: func(ctx context.Context, cp Checkpoint) error { return errors.New("state store down") },
	})
	require.Error(t, err)
	assert.Len(t, store.Children(), 2)
}

func TestSync_EmptyInput(t *testing.T) {
	store := memory.New()
	report, err := NewReconciler(store, store, testConfig(10)).Sync(context.Background(), nil, Options{})
	require.NoError(t, err)
	assert.Zero(t, report.BatchesTotal)
	assert.Empty(t, store.Parents())
}

func TestDistinctParents(t *testing.T) {
	withEnd := row("2024-01-01", "B003", "q", 1, 0)
	withEnd.EndDate = day("2024-01-31")

	parents := DistinctParents(append(fiveRows(), withEnd), 7)
	require.Len(t, parents, 4)
	assert.Equal(t, "B001", parents[0].ASIN)
	assert.Equal(t, day("2024-01-08"), parents[1].StartDate)
	assert.Equal(t, "B002", parents[2].ASIN)
	assert.Equal(t, day("2024-01-31"), parents[3].EndDate)
}

func TestCheckQuality(t *testing.T) {
	bad := row("2024-01-01", "B001", "q", 10, 20)
	bad.ImpressionShare = 1.5
	neg := row("2024-01-01", "B001", "r", 10, 0)
	neg.Purchases = -1

	q := CheckQuality([]warehouse.RawPerformanceRow{row("2024-01-01", "B001", "ok", 100, 10), bad, neg})
	assert.Equal(t, 3, q.RowsChecked)
	assert.Equal(t, 1, q.Counts[CheckClicksOverImpressions])
	assert.Equal(t, 1, q.Counts[CheckShareOutOfRange])
	assert.Equal(t, 1, q.Counts[CheckNegativeCount])
	assert.Zero(t, q.Counts[CheckCartAddsOverClicks])
	assert.Equal(t, 3, q.Total())
	assert.Len(t, q.Samples, 3)
}

func TestSync_OnParentsDone(t *testing.T) {
	store := memory.New()
	var calls []int
	opts := Options{OnParentsDone: func(ctx context.Context, inserted int) error {
		calls = append(calls, inserted)
		return nil
	}}

	_, err := NewReconciler(store, store, testConfig(10)).Sync(context.Background(), fiveRows(), opts)
	require.NoError(t, err)
	opts.Resume.SkipParents = true
	_, err = NewReconciler(store, store, testConfig(10)).Sync(context.Background(), fiveRows(), opts)
	require.NoError(t, err)

	assert.Equal(t, []int{3, 0}, calls)
}
