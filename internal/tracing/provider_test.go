package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sqp-sync/backend/pkg/config"
)

func TestSetup_DisabledIsNoop(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.TracingConfig
	}{
		{"disabled", config.TracingConfig{Enabled: false, Endpoint: "http://localhost:4318"}},
		{"no endpoint", config.TracingConfig{Enabled: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Setup(context.Background(), tt.cfg)
			require.NoError(t, err)
			assert.NoError(t, shutdown(context.Background()))
		})
	}
}

func TestTracer_StartsSpans(t *testing.T) {
	ctx, span := Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.NotNil(t, ctx)
}
