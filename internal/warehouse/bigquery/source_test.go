package bigquery

import (
	"errors"
	"fmt"
	"testing"

	bq "cloud.google.com/go/bigquery"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"

	"github.com/sqp-sync/backend/pkg/apperr"
)

func TestIsRateLimit(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &googleapi.Error{Code: 429}, true},
		{"quota reason", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}}}, true},
		{"wrapped rate limit", fmt.Errorf("read: %w", &googleapi.Error{Code: 400, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}), true},
		{"not found", &googleapi.Error{Code: 404}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRateLimit(tt.err))
			assert.Equal(t, tt.want, apperr.IsRateLimited(classify(tt.err)))
		})
	}
}

func TestSchemaColumns(t *testing.T) {
	cols := schemaColumns(bq.Schema{{Name: "Date"}, {Name: "Search Query"}})
	assert.Equal(t, []string{"Date", "Search Query"}, cols)
}
