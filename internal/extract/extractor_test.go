package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqp-sync/backend/internal/warehouse"
	"github.com/sqp-sync/backend/internal/warehouse/warehousetest"
	"github.com/sqp-sync/backend/pkg/apperr"
	"github.com/sqp-sync/backend/pkg/circuitbreaker"
)

func day(s string) time.Time {
	d, _ := time.Parse("2006-01-02", s)
	return d
}

func TestExtract(t *testing.T) {
	src := &warehousetest.Source{Records: []warehouse.Record{
		warehousetest.Row(warehouse.RawPerformanceRow{Date: day("2024-01-01"), ParentASIN: "B001", SearchQuery: "a"}),
		warehousetest.Row(warehouse.RawPerformanceRow{Date: day("2024-01-08"), ParentASIN: "B001", SearchQuery: "b"}),
	}}
	e := New(src, "proj.ds.sqp", nil)

	res, err := e.Extract(context.Background(), Request{Start: day("2024-01-01"), End: day("2024-01-14"), ASINs: []string{"B001"}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.RecordCount)
	assert.Equal(t, day("2024-01-08"), res.LastDataTimestamp)
	require.Len(t, src.Queries, 1)
	assert.Contains(t, src.Queries[0].SQL, "UNNEST(@asins)")
}

func TestExtract_Empty(t *testing.T) {
	e := New(&warehousetest.Source{}, "sqp", nil)

	res, err := e.Extract(context.Background(), Request{Start: day("2024-01-01"), End: day("2024-01-07")})
	require.NoError(t, err)
	assert.Zero(t, res.RecordCount)
	assert.True(t, res.LastDataTimestamp.IsZero())
}

func TestExtract_FailuresAreWrappedAndNotRetried(t *testing.T) {
	boom := errors.New("connection reset")
	tests := []struct {
		name string
		src  *warehousetest.Source
		req  Request
	}{
		{"query error", &warehousetest.Source{Errs: []error{boom}}, Request{Start: day("2024-01-01"), End: day("2024-01-07")}},
		{"decode error", &warehousetest.Source{Records: []warehouse.Record{{Columns: []string{"Date"}, Values: []any{42}}}}, Request{Start: day("2024-01-01"), End: day("2024-01-07")}},
		{"invalid window", &warehousetest.Source{}, Request{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.src, "sqp", nil).Extract(context.Background(), tt.req)

			var extractionErr *apperr.ExtractionError
			require.ErrorAs(t, err, &extractionErr)
			assert.LessOrEqual(t, tt.src.Calls(), 1)
		})
	}
}

func TestExtract_BreakerOpensAfterFailures(t *testing.T) {
	boom := errors.New("warehouse down")
	src := &warehousetest.Source{Errs: []error{boom, boom}}
	cb := circuitbreaker.NewCircuitBreaker("warehouse", circuitbreaker.Config{FailureThreshold: 2, Timeout: time.Hour})
	e := New(src, "sqp", nil, WithBreaker(cb))
	req := Request{Start: day("2024-01-01"), End: day("2024-01-07")}

	for i := 0; i < 2; i++ {
		_, err := e.Extract(context.Background(), req)
		require.ErrorIs(t, err, boom)
	}

	_, err := e.Extract(context.Background(), req)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, src.Calls())
}
