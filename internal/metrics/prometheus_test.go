package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_IsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Init()
		Init()
	})
}

func TestSetPipelineStatus(t *testing.T) {
	all := []string{"idle", "running", "failed"}
	SetPipelineStatus("p", "running", all)

	assert.Equal(t, 1.0, testutil.ToFloat64(PipelineStatus.WithLabelValues("p", "running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(PipelineStatus.WithLabelValues("p", "idle")))

	SetPipelineStatus("p", "failed", all)
	assert.Equal(t, 0.0, testutil.ToFloat64(PipelineStatus.WithLabelValues("p", "running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(PipelineStatus.WithLabelValues("p", "failed")))
}

func TestMetricsHandler(t *testing.T) {
	Init()
	RowsExtracted.Add(3)

	app := fiber.New()
	app.Get("/metrics", MetricsHandler())

	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sqp_sync_rows_extracted_total")
}
