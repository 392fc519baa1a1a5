package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/pkg/apperr"
)

// newTestClient connects to SQP_SYNC_TEST_POSTGRES_DSN in a throwaway schema.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("SQP_SYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SQP_SYNC_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	schema := "sqp_test_" + time.Now().Format("20060102150405")
	c, err := NewClient(ctx, Config{DSN: dsn, MaxConns: 2, Schema: schema})
	require.NoError(t, err)
	require.NoError(t, c.InitSchema(ctx))
	t.Cleanup(func() {
		_, _ = c.pool.Exec(context.Background(), `DROP SCHEMA "`+schema+`" CASCADE`)
		c.Close()
	})
	return c
}

func TestClient_UpsertAndRead(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 6)
	parents := []models.ParentRecord{{ASIN: "B001", StartDate: start, EndDate: end}}

	n, err := c.UpsertParents(ctx, parents)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = c.UpsertParents(ctx, parents)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ids, err := c.ResolveParentIDs(ctx, []models.ParentKey{parents[0].Key()})
	require.NoError(t, err)
	id := ids[parents[0].Key()]
	require.NotZero(t, id)

	n, err = c.UpsertChildren(ctx, []models.ChildRecord{{ParentID: id, SearchQuery: "whetstone", Impressions: 10}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	metrics, err := c.ListKeywordMetrics(ctx, models.KeywordFilter{Keywords: []string{"WHETSTONE"}})
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	assert.Equal(t, int64(10), metrics[0].Impressions)
	assert.True(t, start.Equal(metrics[0].StartDate))
}

func TestClient_TryLock(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	t0 := time.Now().UTC().Truncate(time.Second)

	_, ok, err := c.TryLock(ctx, "p", "a", "h", t0, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	st, ok, err := c.TryLock(ctx, "p", "b", "h", t0.Add(time.Second), 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "a", st.Metadata.LockID)

	_, ok, err = c.TryLock(ctx, "p", "c", "h", t0.Add(6*time.Minute), 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestThrottled_ClassifiesServerLimits(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"53300", true},
		{"53400", true},
		{"57P03", true},
		{"23505", false},
		{"40001", false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := throttled(&pgconn.PgError{Code: tt.code, Message: "server error"})
			assert.Equal(t, tt.want, apperr.IsRateLimited(err))
		})
	}
}
