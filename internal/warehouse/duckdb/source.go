// Package duckdb runs extraction queries against a local DuckDB database,
// typically holding parquet or CSV exports of the warehouse table.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/warehouse"
	"github.com/sqp-sync/backend/pkg/apperr"
	"github.com/sqp-sync/backend/pkg/logger"
)

type Source struct {
	db *sql.DB
}

var _ warehouse.Source = (*Source)(nil)

// Open opens the database at path; an empty path is an in-memory database.
func Open(path string) (*Source, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}

	logger.Info("DuckDB source initialized", zap.String("path", path))
	return &Source{db: db}, nil
}

func (s *Source) Dialect() warehouse.Dialect { return warehouse.DuckDB }

func (s *Source) Close() error {
	return s.db.Close()
}

// Exec runs a statement without results, used to stage tables and views.
func (s *Source) Exec(ctx context.Context, stmt string, args ...any) error {
	_, err := s.db.ExecContext(ctx, stmt, args...)
	return err
}

var viewPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AttachFiles exposes parquet or CSV files matching glob as a view.
func (s *Source) AttachFiles(ctx context.Context, view, glob string) error {
	if !viewPattern.MatchString(view) {
		return fmt.Errorf("invalid view name %q", view)
	}
	reader := "read_parquet"
	if strings.HasSuffix(strings.ToLower(glob), ".csv") {
		reader = "read_csv_auto"
	}
	glob = strings.ReplaceAll(glob, "'", "''")
	stmt := fmt.Sprintf(`CREATE OR REPLACE VIEW "%s" AS SELECT * FROM %s('%s')`, view, reader, glob)
	if err := s.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to attach %s: %w", glob, err)
	}
	logger.Info("DuckDB view attached", zap.String("view", view), zap.String("files", glob))
	return nil
}

func (s *Source) Query(ctx context.Context, q warehouse.Query) ([]warehouse.Record, error) {
	args := make([]any, len(q.Params))
	for i, p := range q.Params {
		args[i] = sql.Named(p.Name, p.Value)
	}

	rows, err := s.db.QueryContext(ctx, q.SQL, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var records []warehouse.Record
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		records = append(records, warehouse.Record{Columns: columns, Values: values})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return records, nil
}

func classify(err error) error {
	if apperr.LooksRateLimited(err) {
		return apperr.RateLimited(err)
	}
	return err
}
