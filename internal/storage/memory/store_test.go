package memory

import (
	"context"
	"errors"
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

func TestStore_UpsertIgnoresConflicts(t *testing.T) {
	ctx := context.Background()
	s := New()

	p := models.ParentRecord{ASIN: "B001", StartDate: day("2024-01-01"), EndDate: day("2024-01-07")}
	n, err := s.UpsertParents(ctx, []models.ParentRecord{p, p})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := s.ResolveParentIDs(ctx, []models.ParentKey{p.Key()})
	require.NoError(t, err)
	id := ids[p.Key()]
	require.NotZero(t, id)

	c := models.ChildRecord{ParentID: id, SearchQuery: "whetstone"}
	n, err = s.UpsertChildren(ctx, []models.ChildRecord{c, c})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, s.Children(), 1)
	assert.Equal(t, []int{2}, s.ChildBatchSizes())
}

func TestStore_Hooks(t *testing.T) {
	ctx := context.Background()
	s := New()
	boom := errors.New("boom")

	s.Hooks.UpsertParents = func(batch []models.ParentRecord) ([]models.ParentRecord, error) {
		return batch[:1], nil
	}
	s.Hooks.UpsertChildren = func(call int, batch []models.ChildRecord) error {
		if call == 2 {
			return boom
		}
		return nil
	}

	n, err := s.UpsertParents(ctx, []models.ParentRecord{
		{ASIN: "B001", StartDate: day("2024-01-01"), EndDate: day("2024-01-07")},
		{ASIN: "B002", StartDate: day("2024-01-01"), EndDate: day("2024-01-07")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.UpsertChildren(ctx, []models.ChildRecord{{ParentID: 1, SearchQuery: "a"}})
	require.NoError(t, err)
	_, err = s.UpsertChildren(ctx, []models.ChildRecord{{ParentID: 1, SearchQuery: "b"}})
	assert.ErrorIs(t, err, boom)
}

func TestStore_TryLock(t *testing.T) {
	ctx := context.Background()
	s := New()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, ok, err := s.TryLock(ctx, "p", "a", "h", t0, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	state, ok, err := s.TryLock(ctx, "p", "b", "h", t0.Add(time.Second), 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "a", state.Metadata.LockID)

	// Mutating the returned copy must not leak into the store.
	state.Metadata.LockID = "mutated"
	reloaded, err := s.LoadState(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, "a", reloaded.Metadata.LockID)
}

func TestStore_ListKeywordMetrics(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.UpsertParents(ctx, []models.ParentRecord{
		{ASIN: "B002", StartDate: day("2024-01-01"), EndDate: day("2024-01-07")},
		{ASIN: "B001", StartDate: day("2024-01-01"), EndDate: day("2024-01-07")},
	})
	require.NoError(t, err)
	parents := s.Parents()

	_, err = s.UpsertChildren(ctx, []models.ChildRecord{
		{ParentID: parents[0].ID, SearchQuery: "b"},
		{ParentID: parents[1].ID, SearchQuery: "z"},
		{ParentID: parents[1].ID, SearchQuery: "a"},
	})
	require.NoError(t, err)

	metrics, err := s.ListKeywordMetrics(ctx, models.KeywordFilter{})
	require.NoError(t, err)
	require.Len(t, metrics, 3)
	assert.Equal(t, "B001", metrics[0].ASIN)
	assert.Equal(t, "a", metrics[0].SearchQuery)
	assert.Equal(t, "z", metrics[1].SearchQuery)
	assert.Equal(t, "B002", metrics[2].ASIN)

	metrics, err = s.ListKeywordMetrics(ctx, models.KeywordFilter{ASINs: []string{"B002"}, Keywords: []string{"B"}})
	require.NoError(t, err)
	assert.Len(t, metrics, 1)
}
