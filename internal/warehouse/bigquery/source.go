// Package bigquery runs extraction queries against Google BigQuery.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	bq "cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/sqp-sync/backend/internal/warehouse"
	"github.com/sqp-sync/backend/pkg/apperr"
	"github.com/sqp-sync/backend/pkg/logger"
)

type Config struct {
	ProjectID       string
	Location        string
	CredentialsFile string
	Timeout         time.Duration
}

type Source struct {
	client   *bq.Client
	location string
	timeout  time.Duration
}

var _ warehouse.Source = (*Source)(nil)

func New(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("bigquery project id is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := bq.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	logger.Info("BigQuery source initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("location", cfg.Location),
	)

	return &Source{client: client, location: cfg.Location, timeout: cfg.Timeout}, nil
}

func (s *Source) Dialect() warehouse.Dialect { return warehouse.BigQuery }

func (s *Source) Close() error {
	return s.client.Close()
}

func (s *Source) Query(ctx context.Context, q warehouse.Query) ([]warehouse.Record, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	query := s.client.Query(q.SQL)
	query.Location = s.location
	for _, p := range q.Params {
		query.Parameters = append(query.Parameters, bq.QueryParameter{Name: p.Name, Value: p.Value})
	}

	it, err := query.Read(ctx)
	if err != nil {
		return nil, classify(err)
	}

	var records []warehouse.Record
	var columns []string
	for {
		var values []bq.Value
		err := it.Next(&values)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classify(err)
		}
		if columns == nil {
			columns = schemaColumns(it.Schema)
		}

		rec := warehouse.Record{Columns: columns, Values: make([]any, len(values))}
		for i, v := range values {
			rec.Values[i] = v
		}
		records = append(records, rec)
	}

	logger.Debug("BigQuery query completed", zap.Int("rows", len(records)), zap.Uint64("total_rows", it.TotalRows))
	return records, nil
}

func schemaColumns(schema bq.Schema) []string {
	cols := make([]string, len(schema))
	for i, f := range schema {
		cols[i] = f.Name
	}
	return cols
}

// classify marks quota and throttling responses as rate limited.
func classify(err error) error {
	if IsRateLimit(err) {
		return apperr.RateLimited(err)
	}
	return err
}

func IsRateLimit(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	if gerr.Code == http.StatusTooManyRequests {
		return true
	}
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "quotaExceeded", "backendError":
			return true
		}
	}
	return false
}
