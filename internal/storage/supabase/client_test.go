package supabase

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqp-sync/backend/internal/ingestion"
	"github.com/sqp-sync/backend/internal/storage/memory"
	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/internal/warehouse"
	"github.com/sqp-sync/backend/pkg/apperr"
)

func TestStateRowRoundTrip(t *testing.T) {
	lockedAt := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	st := &models.PipelineState{
		PipelineID:  "p",
		Status:      models.StatusLocked,
		CurrentStep: "extract",
		Metadata:    models.StateMetadata{LockID: "l", LockHolder: "h", LockedAt: &lockedAt, ErrorCount: 1},
	}

	row := fromState(st)
	assert.Equal(t, "l", *row.LockID)
	assert.Equal(t, "extract", *row.CurrentStep)

	back := row.toState()
	assert.Equal(t, st.Status, back.Status)
	assert.Equal(t, "l", back.Metadata.LockID)
	assert.Equal(t, 1, back.Metadata.ErrorCount)
	assert.NotNil(t, back.StepData)
}

func TestStateRow_EmptyColumnsBecomeNull(t *testing.T) {
	row := fromState(&models.PipelineState{PipelineID: "p", Status: models.StatusIdle})
	assert.Nil(t, row.LockID)
	assert.Nil(t, row.CurrentStep)
}

func TestDedupe(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, dedupe([]string{"a", "b", "a"}))
	assert.Empty(t, dedupe(nil))
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient("", "")
	assert.Error(t, err)
}

func TestClient_RateLimitedResponsesAreRetried(t *testing.T) {
	bodies := []struct {
		name string
		body string
	}{
		{"postgrest", `{"code":"429","message":"Too Many Requests"}`},
		{"gateway", `{"message":"API rate limit exceeded"}`},
	}
	for _, tt := range bodies {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(srv.URL, "anon-key")
			require.NoError(t, err)

			audit := memory.New()
			r := ingestion.NewReconciler(c, audit, ingestion.Config{BatchSize: 10, MaxRetries: 2, RetryBaseDelay: time.Millisecond})
			_, err = r.Sync(context.Background(), []warehouse.RawPerformanceRow{{
				Date:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
				ParentASIN:  "B001",
				SearchQuery: "knife sharpener",
			}}, ingestion.Options{})

			var rle *apperr.RateLimitError
			require.ErrorAs(t, err, &rle)
			assert.Equal(t, 3, rle.Attempts)
			assert.Equal(t, int32(3), calls.Load())
		})
	}
}

func TestUpsertParents_ReadsOnlyBatchStartDates(t *testing.T) {
	var mu sync.Mutex
	var reads []url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet {
			mu.Lock()
			reads = append(reads, r.URL.Query())
			mu.Unlock()
			_, _ = w.Write([]byte(`[{"asin":"B001","start_date":"2024-01-01","end_date":"2024-01-07"}]`))
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "anon-key")
	require.NoError(t, err)

	jan1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jan8 := jan1.AddDate(0, 0, 7)
	inserted, err := c.UpsertParents(context.Background(), []models.ParentRecord{
		{ASIN: "B001", StartDate: jan1, EndDate: jan1.AddDate(0, 0, 6)},
		{ASIN: "B001", StartDate: jan8, EndDate: jan8.AddDate(0, 0, 6)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	require.Len(t, reads, 1)
	assert.Equal(t, "in.(B001)", reads[0].Get("asin"))
	assert.Equal(t, "in.(2024-01-01,2024-01-08)", reads[0].Get("start_date"))
}
