// Package postgres is the production relational store on pgx.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/storage"
	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/pkg/apperr"
	"github.com/sqp-sync/backend/pkg/logger"
)

type Config struct {
	DSN        string
	MaxConns   int
	ViaBouncer bool
	Schema     string
}

type Client struct {
	pool   *pgxpool.Pool
	schema string
}

var _ storage.Store = (*Client)(nil)

func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 2
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	if cfg.ViaBouncer {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}

	logger.Info("Postgres client initialized",
		zap.String("schema", schema),
		zap.Int("max_conns", cfg.MaxConns),
		zap.Bool("via_bouncer", cfg.ViaBouncer),
	)

	return &Client{pool: pool, schema: schema}, nil
}

func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

// t qualifies a table name with the configured schema.
func (c *Client) t(name string) string {
	return fmt.Sprintf(`"%s".%s`, c.schema, name)
}

func (c *Client) InitSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS "%[1]s";

CREATE TABLE IF NOT EXISTS "%[1]s".asin_performance_data (
  id          BIGSERIAL PRIMARY KEY,
  asin        TEXT NOT NULL,
  start_date  DATE NOT NULL,
  end_date    DATE NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (asin, start_date, end_date)
);
CREATE INDEX IF NOT EXISTS asin_performance_data_start_idx
  ON "%[1]s".asin_performance_data (start_date);

CREATE TABLE IF NOT EXISTS "%[1]s".search_query_performance (
  id                   BIGSERIAL PRIMARY KEY,
  asin_performance_id  BIGINT NOT NULL REFERENCES "%[1]s".asin_performance_data(id) ON DELETE CASCADE,
  search_query         TEXT NOT NULL,
  search_query_score   DOUBLE PRECISION,
  search_query_volume  BIGINT,
  impressions          BIGINT,
  clicks               BIGINT,
  cart_adds            BIGINT,
  purchases            BIGINT,
  total_impressions    BIGINT,
  total_clicks         BIGINT,
  total_cart_adds      BIGINT,
  total_purchases      BIGINT,
  impression_share     DOUBLE PRECISION,
  click_share          DOUBLE PRECISION,
  cart_add_share       DOUBLE PRECISION,
  purchase_share       DOUBLE PRECISION,
  ctr                  DOUBLE PRECISION,
  cvr                  DOUBLE PRECISION,
  cart_add_rate        DOUBLE PRECISION,
  purchase_rate        DOUBLE PRECISION,
  created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
  UNIQUE (asin_performance_id, search_query)
);
CREATE INDEX IF NOT EXISTS search_query_performance_query_idx
  ON "%[1]s".search_query_performance (lower(search_query));

CREATE TABLE IF NOT EXISTS "%[1]s".sync_log (
  id              BIGSERIAL PRIMARY KEY,
  run_id          TEXT NOT NULL,
  table_name      TEXT NOT NULL,
  status          TEXT NOT NULL,
  started_at      TIMESTAMPTZ NOT NULL,
  completed_at    TIMESTAMPTZ,
  rows_processed  INTEGER NOT NULL DEFAULT 0,
  error_message   TEXT
);

CREATE TABLE IF NOT EXISTS "%[1]s".sync_schedule (
  table_name               TEXT PRIMARY KEY,
  enabled                  BOOLEAN NOT NULL DEFAULT true,
  refresh_frequency_hours  INTEGER NOT NULL,
  priority                 INTEGER NOT NULL DEFAULT 0,
  dependencies             TEXT[] NOT NULL DEFAULT '{}',
  lookback_days            INTEGER NOT NULL DEFAULT 0,
  last_run_at              TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS "%[1]s".pipeline_state (
  pipeline_id        TEXT PRIMARY KEY,
  status             TEXT NOT NULL,
  last_run_time      TIMESTAMPTZ,
  last_success_time  TIMESTAMPTZ,
  current_step       TEXT,
  step_data          JSONB NOT NULL DEFAULT '{}'::jsonb,
  metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
  lock_id            TEXT,
  lock_holder        TEXT,
  locked_at          TIMESTAMPTZ,
  updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS "%[1]s".pipeline_state_transitions (
  id           BIGSERIAL PRIMARY KEY,
  pipeline_id  TEXT NOT NULL,
  from_status  TEXT NOT NULL,
  to_status    TEXT NOT NULL,
  timestamp    TIMESTAMPTZ NOT NULL,
  metadata     JSONB
);
CREATE INDEX IF NOT EXISTS pipeline_state_transitions_ts_idx
  ON "%[1]s".pipeline_state_transitions (pipeline_id, timestamp DESC);
`, c.schema)

	if _, err := c.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Info("Postgres schema initialized", zap.String("schema", c.schema))
	return nil
}

// sendBatch executes every queued statement and returns total rows affected.
func (c *Client) sendBatch(ctx context.Context, b *pgx.Batch) (int, error) {
	br := c.pool.SendBatch(ctx, b)
	total := 0
	for k := 0; k < b.Len(); k++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return total, err
		}
		total += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return total, err
	}
	return total, nil
}

// SQLSTATEs retried with backoff.
var throttleCodes = map[string]bool{
	"53300": true, // too_many_connections
	"53400": true, // configuration_limit_exceeded
	"57P03": true, // cannot_connect_now
}

func throttled(err error) error {
	return storage.Throttled(err, func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && throttleCodes[pgErr.Code]
	})
}

func (c *Client) UpsertParents(ctx context.Context, parents []models.ParentRecord) (int, error) {
	if len(parents) == 0 {
		return 0, nil
	}

	q := `INSERT INTO ` + c.t(models.TableParents) + ` (asin, start_date, end_date)
VALUES ($1, $2, $3)
ON CONFLICT (asin, start_date, end_date) DO NOTHING`

	b := &pgx.Batch{}
	for _, p := range parents {
		b.Queue(q, p.ASIN, models.DateOf(p.StartDate), models.DateOf(p.EndDate))
	}
	inserted, err := c.sendBatch(ctx, b)
	if err != nil {
		return inserted, fmt.Errorf("failed to upsert parents: %w", throttled(err))
	}
	return inserted, nil
}

func (c *Client) ResolveParentIDs(ctx context.Context, keys []models.ParentKey) (map[models.ParentKey]int64, error) {
	out := make(map[models.ParentKey]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	asins, dates := storage.SplitKeys(keys)
	rows, err := c.pool.Query(ctx,
		`SELECT id, asin, start_date FROM `+c.t(models.TableParents)+`
WHERE asin = ANY($1) AND start_date = ANY($2)`, asins, dates)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve parent ids: %w", throttled(err))
	}
	defer rows.Close()

	want := storage.KeySet(keys)
	for rows.Next() {
		var id int64
		var asin string
		var start time.Time
		if err := rows.Scan(&id, &asin, &start); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		key := models.ParentKey{ASIN: asin, StartDate: models.DateOf(start)}
		if _, ok := want[key]; ok {
			out[key] = id
		}
	}
	return out, rows.Err()
}

func (c *Client) UpsertChildren(ctx context.Context, children []models.ChildRecord) (int, error) {
	if len(children) == 0 {
		return 0, nil
	}

	q := `INSERT INTO ` + c.t(models.TableChildren) + `
(asin_performance_id, search_query, search_query_score, search_query_volume,
 impressions, clicks, cart_adds, purchases,
 total_impressions, total_clicks, total_cart_adds, total_purchases,
 impression_share, click_share, cart_add_share, purchase_share,
 ctr, cvr, cart_add_rate, purchase_rate)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
ON CONFLICT (asin_performance_id, search_query) DO NOTHING`

	b := &pgx.Batch{}
	for _, r := range children {
		b.Queue(q,
			r.ParentID, r.SearchQuery, r.SearchQueryScore, r.SearchQueryVolume,
			r.Impressions, r.Clicks, r.CartAdds, r.Purchases,
			r.TotalImpressions, r.TotalClicks, r.TotalCartAdds, r.TotalPurchases,
			r.ImpressionShare, r.ClickShare, r.CartAddShare, r.PurchaseShare,
			r.CTR, r.CVR, r.CartAddRate, r.PurchaseRate,
		)
	}
	inserted, err := c.sendBatch(ctx, b)
	if err != nil {
		return inserted, fmt.Errorf("failed to upsert children: %w", throttled(err))
	}
	return inserted, nil
}

func (c *Client) ListKeywordMetrics(ctx context.Context, filter models.KeywordFilter) ([]models.KeywordMetric, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.ASINs) > 0 {
		where = append(where, "p.asin = ANY("+arg(filter.ASINs)+")")
	}
	if len(filter.Keywords) > 0 {
		lowered := make([]string, len(filter.Keywords))
		for i, k := range filter.Keywords {
			lowered[i] = strings.ToLower(k)
		}
		where = append(where, "lower(s.search_query) = ANY("+arg(lowered)+")")
	}
	if !filter.Start.IsZero() {
		where = append(where, "p.start_date >= "+arg(models.DateOf(filter.Start)))
	}
	if !filter.End.IsZero() {
		where = append(where, "p.end_date <= "+arg(models.DateOf(filter.End)))
	}

	q := `SELECT p.asin, p.start_date, p.end_date, s.search_query,
  s.impressions, s.clicks, s.cart_adds, s.purchases,
  s.ctr, s.cvr, s.cart_add_rate, s.purchase_rate,
  s.impression_share, s.click_share, s.cart_add_share, s.purchase_share
FROM ` + c.t(models.TableChildren) + ` s
JOIN ` + c.t(models.TableParents) + ` p ON p.id = s.asin_performance_id`
	if len(where) > 0 {
		q += "\nWHERE " + strings.Join(where, " AND ")
	}
	q += "\nORDER BY p.start_date, p.asin, s.search_query"

	rows, err := c.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list keyword metrics: %w", err)
	}
	defer rows.Close()

	var out []models.KeywordMetric
	for rows.Next() {
		var m models.KeywordMetric
		err := rows.Scan(&m.ASIN, &m.StartDate, &m.EndDate, &m.SearchQuery,
			&m.Impressions, &m.Clicks, &m.CartAdds, &m.Purchases,
			&m.CTR, &m.CVR, &m.CartAddRate, &m.PurchaseRate,
			&m.ImpressionShare, &m.ClickShare, &m.CartAddShare, &m.PurchaseShare)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *Client) StartSyncLog(ctx context.Context, entry *models.SyncLog) error {
	err := c.pool.QueryRow(ctx,
		`INSERT INTO `+c.t(models.TableSyncLog)+` (run_id, table_name, status, started_at, rows_processed)
VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		entry.RunID, entry.TableName, string(entry.Status), entry.StartedAt, entry.RowsProcessed,
	).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to insert sync log: %w", err)
	}
	return nil
}

func (c *Client) FinishSyncLog(ctx context.Context, entry *models.SyncLog) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE `+c.t(models.TableSyncLog)+`
SET status=$2, completed_at=$3, rows_processed=$4, error_message=NULLIF($5, '')
WHERE id=$1`,
		entry.ID, string(entry.Status), entry.CompletedAt, entry.RowsProcessed, entry.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to finish sync log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (c *Client) ListSyncLogs(ctx context.Context, limit int) ([]models.SyncLog, error) {
	q := `SELECT id, run_id, table_name, status, started_at, completed_at, rows_processed, COALESCE(error_message, '')
FROM ` + c.t(models.TableSyncLog) + `
ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := c.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	var out []models.SyncLog
	for rows.Next() {
		var l models.SyncLog
		var status string
		if err := rows.Scan(&l.ID, &l.RunID, &l.TableName, &status, &l.StartedAt, &l.CompletedAt, &l.RowsProcessed, &l.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		l.Status = models.SyncStatus(status)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (c *Client) ListSchedules(ctx context.Context) ([]models.SyncSchedule, error) {
	rows, err := c.pool.Query(ctx,
		`SELECT table_name, enabled, refresh_frequency_hours, priority, dependencies, lookback_days, last_run_at
FROM `+c.t(models.TableSchedule)+`
ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var out []models.SyncSchedule
	for rows.Next() {
		var s models.SyncSchedule
		if err := rows.Scan(&s.TableName, &s.Enabled, &s.RefreshFrequencyHours, &s.Priority, &s.Dependencies, &s.LookbackDays, &s.LastRunAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c *Client) UpsertSchedule(ctx context.Context, s models.SyncSchedule) error {
	deps := s.Dependencies
	if deps == nil {
		deps = []string{}
	}
	_, err := c.pool.Exec(ctx,
		`INSERT INTO `+c.t(models.TableSchedule)+`
(table_name, enabled, refresh_frequency_hours, priority, dependencies, lookback_days, last_run_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (table_name) DO UPDATE SET
  enabled = EXCLUDED.enabled,
  refresh_frequency_hours = EXCLUDED.refresh_frequency_hours,
  priority = EXCLUDED.priority,
  dependencies = EXCLUDED.dependencies,
  lookback_days = EXCLUDED.lookback_days,
  last_run_at = COALESCE(EXCLUDED.last_run_at, sync_schedule.last_run_at)`,
		s.TableName, s.Enabled, s.RefreshFrequencyHours, s.Priority, deps, s.LookbackDays, s.LastRunAt)
	if err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return nil
}

func (c *Client) MarkScheduleRun(ctx context.Context, tableName string, at time.Time) error {
	tag, err := c.pool.Exec(ctx,
		`UPDATE `+c.t(models.TableSchedule)+` SET last_run_at=$2 WHERE table_name=$1`, tableName, at)
	if err != nil {
		return fmt.Errorf("failed to mark schedule run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

const stateColumns = `pipeline_id, status, last_run_time, last_success_time, COALESCE(current_step, ''),
  step_data, metadata, COALESCE(lock_id, ''), COALESCE(lock_holder, ''), locked_at, updated_at`

func scanState(row pgx.Row) (*models.PipelineState, error) {
	var st models.PipelineState
	var status, lockID, lockHolder string
	var stepData, metadata []byte
	var lockedAt *time.Time

	err := row.Scan(&st.PipelineID, &status, &st.LastRunTime, &st.LastSuccessTime, &st.CurrentStep,
		&stepData, &metadata, &lockID, &lockHolder, &lockedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.Status = models.PipelineStatus(status)
	if err := json.Unmarshal(stepData, &st.StepData); err != nil {
		return nil, fmt.Errorf("invalid step_data: %w", err)
	}
	if st.StepData == nil {
		st.StepData = map[string]interface{}{}
	}
	if err := json.Unmarshal(metadata, &st.Metadata); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}
	st.Metadata.LockID = lockID
	st.Metadata.LockHolder = lockHolder
	st.Metadata.LockedAt = lockedAt
	return &st, nil
}

func (c *Client) ensureState(ctx context.Context, pipelineID string) error {
	_, err := c.pool.Exec(ctx,
		`INSERT INTO `+c.t(models.TableState)+` (pipeline_id, status) VALUES ($1, $2)
ON CONFLICT (pipeline_id) DO NOTHING`, pipelineID, string(models.StatusIdle))
	if err != nil {
		return fmt.Errorf("failed to create pipeline state: %w", err)
	}
	return nil
}

func (c *Client) LoadState(ctx context.Context, pipelineID string) (*models.PipelineState, error) {
	if err := c.ensureState(ctx, pipelineID); err != nil {
		return nil, err
	}
	st, err := scanState(c.pool.QueryRow(ctx,
		`SELECT `+stateColumns+` FROM `+c.t(models.TableState)+` WHERE pipeline_id=$1`, pipelineID))
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline state: %w", err)
	}
	return st, nil
}

func (c *Client) SaveState(ctx context.Context, st *models.PipelineState) error {
	stepData, err := json.Marshal(st.StepData)
	if err != nil {
		return fmt.Errorf("failed to encode step_data: %w", err)
	}
	metadata, err := json.Marshal(st.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = c.pool.Exec(ctx,
		`INSERT INTO `+c.t(models.TableState)+`
(pipeline_id, status, last_run_time, last_success_time, current_step, step_data, metadata, lock_id, lock_holder, locked_at, updated_at)
VALUES ($1,$2,$3,$4,NULLIF($5, ''),$6,$7,NULLIF($8, ''),NULLIF($9, ''),$10,$11)
ON CONFLICT (pipeline_id) DO UPDATE SET
  status = EXCLUDED.status,
  last_run_time = EXCLUDED.last_run_time,
  last_success_time = EXCLUDED.last_success_time,
  current_step = EXCLUDED.current_step,
  step_data = EXCLUDED.step_data,
  metadata = EXCLUDED.metadata,
  lock_id = EXCLUDED.lock_id,
  lock_holder = EXCLUDED.lock_holder,
  locked_at = EXCLUDED.locked_at,
  updated_at = EXCLUDED.updated_at`,
		st.PipelineID, string(st.Status), st.LastRunTime, st.LastSuccessTime, st.CurrentStep,
		stepData, metadata, st.Metadata.LockID, st.Metadata.LockHolder, st.Metadata.LockedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save pipeline state: %w", err)
	}
	return nil
}

// TryLock is a single conditional UPDATE; concurrent callers race on the row
// lock and only one sees RETURNING produce a row.
func (c *Client) TryLock(ctx context.Context, pipelineID, lockID, holder string, now time.Time, ttl time.Duration) (*models.PipelineState, bool, error) {
	if err := c.ensureState(ctx, pipelineID); err != nil {
		return nil, false, err
	}

	statuses := make([]string, len(storage.LockStatuses))
	for i, s := range storage.LockStatuses {
		statuses[i] = string(s)
	}

	st, err := scanState(c.pool.QueryRow(ctx,
		`UPDATE `+c.t(models.TableState)+`
SET status=$2, lock_id=$3, lock_holder=$4, locked_at=$5, updated_at=$5
WHERE pipeline_id=$1
  AND NOT (status = ANY($6) AND locked_at IS NOT NULL AND locked_at > $7)
RETURNING `+stateColumns,
		pipelineID, string(models.StatusLocked), lockID, holder, now, statuses, now.Add(-ttl)))
	if err == nil {
		return st, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	current, err := c.LoadState(ctx, pipelineID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (c *Client) AppendTransition(ctx context.Context, tr *models.StateTransition) error {
	meta, err := json.Marshal(tr.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode transition metadata: %w", err)
	}
	err = c.pool.QueryRow(ctx,
		`INSERT INTO `+c.t(models.TableTransitions)+` (pipeline_id, from_status, to_status, timestamp, metadata)
VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		tr.PipelineID, string(tr.FromStatus), string(tr.ToStatus), tr.Timestamp, meta).Scan(&tr.ID)
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	return nil
}

func (c *Client) ListTransitions(ctx context.Context, pipelineID string, limit int) ([]models.StateTransition, error) {
	q := `SELECT id, pipeline_id, from_status, to_status, timestamp, metadata
FROM ` + c.t(models.TableTransitions) + `
WHERE pipeline_id=$1
ORDER BY timestamp DESC, id DESC`
	args := []any{pipelineID}
	if limit > 0 {
		q += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := c.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var out []models.StateTransition
	for rows.Next() {
		var tr models.StateTransition
		var from, to string
		var meta []byte
		if err := rows.Scan(&tr.ID, &tr.PipelineID, &from, &to, &tr.Timestamp, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		tr.FromStatus = models.PipelineStatus(from)
		tr.ToStatus = models.PipelineStatus(to)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &tr.Metadata); err != nil {
				return nil, fmt.Errorf("invalid transition metadata: %w", err)
			}
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (c *Client) DeleteTransitionsBefore(ctx context.Context, pipelineID string, cutoff time.Time) (int64, error) {
	tag, err := c.pool.Exec(ctx,
		`DELETE FROM `+c.t(models.TableTransitions)+` WHERE pipeline_id=$1 AND timestamp < $2`, pipelineID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete transitions: %w", err)
	}
	return tag.RowsAffected(), nil
}
