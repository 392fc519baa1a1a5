package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/storage"
	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/pkg/apperr"
	"github.com/sqp-sync/backend/pkg/logger"
)

const dateLayout = "2006-01-02"

type Client struct {
	db *sql.DB
}

var _ storage.Store = (*Client)(nil)

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer keeps ":memory:" databases shared and makes TryLock's
	// conditional update race-free.
	db.SetMaxOpenConns(1)

	_, err = db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if dbPath != ":memory:" {
		_, err = db.Exec("PRAGMA journal_mode = WAL")
		if err != nil {
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS asin_performance_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		asin TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE (asin, start_date, end_date)
	);
	CREATE INDEX IF NOT EXISTS idx_parents_start ON asin_performance_data(start_date);

	CREATE TABLE IF NOT EXISTS search_query_performance (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		asin_performance_id INTEGER NOT NULL,
		search_query TEXT NOT NULL,
		search_query_score REAL,
		search_query_volume INTEGER,
		impressions INTEGER,
		clicks INTEGER,
		cart_adds INTEGER,
		purchases INTEGER,
		total_impressions INTEGER,
		total_clicks INTEGER,
		total_cart_adds INTEGER,
		total_purchases INTEGER,
		impression_share REAL,
		click_share REAL,
		cart_add_share REAL,
		purchase_share REAL,
		ctr REAL,
		cvr REAL,
		cart_add_rate REAL,
		purchase_rate REAL,
		created_at INTEGER NOT NULL,
		UNIQUE (asin_performance_id, search_query),
		FOREIGN KEY (asin_performance_id) REFERENCES asin_performance_data(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_children_query ON search_query_performance(search_query);

	CREATE TABLE IF NOT EXISTS sync_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		table_name TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		completed_at INTEGER,
		rows_processed INTEGER DEFAULT 0,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sync_log_started ON sync_log(started_at);

	CREATE TABLE IF NOT EXISTS sync_schedule (
		table_name TEXT PRIMARY KEY,
		enabled INTEGER NOT NULL DEFAULT 1,
		refresh_frequency_hours INTEGER NOT NULL,
		priority INTEGER DEFAULT 0,
		dependencies TEXT,
		lookback_days INTEGER DEFAULT 0,
		last_run_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS pipeline_state (
		pipeline_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		last_run_time INTEGER,
		last_success_time INTEGER,
		current_step TEXT,
		step_data TEXT,
		metadata TEXT,
		lock_id TEXT,
		lock_holder TEXT,
		locked_at INTEGER,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pipeline_state_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		metadata TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_pipeline ON pipeline_state_transitions(pipeline_id, timestamp);
	`

	_, err := c.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// throttled treats a busy or locked database file as transient: another
// writer holds it and the batch can be retried after a backoff.
func throttled(err error) error {
	return storage.Throttled(err, func(err error) bool {
		var sqliteErr sqlite3.Error
		return errors.As(err, &sqliteErr) &&
			(sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked)
	})
}

func (c *Client) UpsertParents(ctx context.Context, parents []models.ParentRecord) (int, error) {
	if len(parents) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO asin_performance_data (asin, start_date, end_date, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(asin, start_date, end_date) DO NOTHING
	`

	inserted, err := c.inTx(ctx, query, len(parents), func(i int) []any {
		p := parents[i]
		return []any{p.ASIN, p.StartDate.Format(dateLayout), p.EndDate.Format(dateLayout), createdAt(p.CreatedAt)}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upsert parents: %w", throttled(err))
	}

	logger.Debug("Parents upserted", zap.Int("batch", len(parents)), zap.Int("inserted", inserted))
	return inserted, nil
}

func (c *Client) ResolveParentIDs(ctx context.Context, keys []models.ParentKey) (map[models.ParentKey]int64, error) {
	out := make(map[models.ParentKey]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	asins, dates := storage.SplitKeys(keys)
	query := fmt.Sprintf(
		`SELECT id, asin, start_date FROM asin_performance_data WHERE asin IN (%s) AND start_date IN (%s)`,
		placeholders(len(asins)), placeholders(len(dates)),
	)
	args := make([]any, 0, len(asins)+len(dates))
	for _, a := range asins {
		args = append(args, a)
	}
	for _, d := range dates {
		args = append(args, d.Format(dateLayout))
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve parent ids: %w", throttled(err))
	}
	defer rows.Close()

	want := storage.KeySet(keys)
	for rows.Next() {
		var id int64
		var asin, start string
		if err := rows.Scan(&id, &asin, &start); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		d, err := time.Parse(dateLayout, start)
		if err != nil {
			return nil, fmt.Errorf("invalid start_date %q: %w", start, err)
		}
		key := models.ParentKey{ASIN: asin, StartDate: d}
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

	query := `
		INSERT INTO search_query_performance (
			asin_performance_id, search_query, search_query_score, search_query_volume,
			impressions, clicks, cart_adds, purchases,
			total_impressions, total_clicks, total_cart_adds, total_purchases,
			impression_share, click_share, cart_add_share, purchase_share,
			ctr, cvr, cart_add_rate, purchase_rate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asin_performance_id, search_query) DO NOTHING
	`

	inserted, err := c.inTx(ctx, query, len(children), func(i int) []any {
		r := children[i]
		return []any{
			r.ParentID, r.SearchQuery, r.SearchQueryScore, r.SearchQueryVolume,
			r.Impressions, r.Clicks, r.CartAdds, r.Purchases,
			r.TotalImpressions, r.TotalClicks, r.TotalCartAdds, r.TotalPurchases,
			r.ImpressionShare, r.ClickShare, r.CartAddShare, r.PurchaseShare,
			r.CTR, r.CVR, r.CartAddRate, r.PurchaseRate, createdAt(r.CreatedAt),
		}
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upsert children: %w", throttled(err))
	}
	return inserted, nil
}

// inTx runs one prepared statement per row inside a single transaction and
// returns the total rows affected.
func (c *Client) inTx(ctx context.Context, query string, n int, args func(i int) []any) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	total := 0
	for i := 0; i < n; i++ {
		res, err := stmt.ExecContext(ctx, args(i)...)
		if err != nil {
			return 0, err
		}
		affected, _ := res.RowsAffected()
		total += int(affected)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func (c *Client) ListKeywordMetrics(ctx context.Context, filter models.KeywordFilter) ([]models.KeywordMetric, error) {
	var where []string
	var args []any

	if len(filter.ASINs) > 0 {
		where = append(where, fmt.Sprintf("p.asin IN (%s)", placeholders(len(filter.ASINs))))
		for _, a := range filter.ASINs {
			args = append(args, a)
		}
	}
	if len(filter.Keywords) > 0 {
		where = append(where, fmt.Sprintf("LOWER(s.search_query) IN (%s)", placeholders(len(filter.Keywords))))
		for _, k := range filter.Keywords {
			args = append(args, strings.ToLower(k))
		}
	}
	if !filter.Start.IsZero() {
		where = append(where, "p.start_date >= ?")
		args = append(args, filter.Start.Format(dateLayout))
	}
	if !filter.End.IsZero() {
		where = append(where, "p.end_date <= ?")
		args = append(args, filter.End.Format(dateLayout))
	}

	query := `
		SELECT p.asin, p.start_date, p.end_date, s.search_query,
			s.impressions, s.clicks, s.cart_adds, s.purchases,
			s.ctr, s.cvr, s.cart_add_rate, s.purchase_rate,
			s.impression_share, s.click_share, s.cart_add_share, s.purchase_share
		FROM search_query_performance s
		JOIN asin_performance_data p ON p.id = s.asin_performance_id
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY p.start_date, p.asin, s.search_query"

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list keyword metrics: %w", err)
	}
	defer rows.Close()

	var metrics []models.KeywordMetric
	for rows.Next() {
		var m models.KeywordMetric
		var start, end string
		err := rows.Scan(&m.ASIN, &start, &end, &m.SearchQuery,
			&m.Impressions, &m.Clicks, &m.CartAdds, &m.Purchases,
			&m.CTR, &m.CVR, &m.CartAddRate, &m.PurchaseRate,
			&m.ImpressionShare, &m.ClickShare, &m.CartAddShare, &m.PurchaseShare)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if m.StartDate, err = time.Parse(dateLayout, start); err != nil {
			return nil, err
		}
		if m.EndDate, err = time.Parse(dateLayout, end); err != nil {
			return nil, err
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

func (c *Client) StartSyncLog(ctx context.Context, entry *models.SyncLog) error {
	query := `INSERT INTO sync_log (run_id, table_name, status, started_at, rows_processed) VALUES (?, ?, ?, ?, ?)`

	res, err := c.db.ExecContext(ctx, query, entry.RunID, entry.TableName, entry.Status, entry.StartedAt.UnixNano(), entry.RowsProcessed)
	if err != nil {
		return fmt.Errorf("failed to insert sync log: %w", err)
	}
	entry.ID, err = res.LastInsertId()
	return err
}

func (c *Client) FinishSyncLog(ctx context.Context, entry *models.SyncLog) error {
	query := `UPDATE sync_log SET status = ?, completed_at = ?, rows_processed = ?, error_message = ? WHERE id = ?`

	res, err := c.db.ExecContext(ctx, query, entry.Status, nullableTime(entry.CompletedAt), entry.RowsProcessed, entry.ErrorMessage, entry.ID)
	if err != nil {
		return fmt.Errorf("failed to finish sync log: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (c *Client) ListSyncLogs(ctx context.Context, limit int) ([]models.SyncLog, error) {
	query := `
		SELECT id, run_id, table_name, status, started_at, completed_at, rows_processed, COALESCE(error_message, '')
		FROM sync_log
		ORDER BY id DESC
		LIMIT ?
	`
	if limit <= 0 {
		limit = -1
	}

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	defer rows.Close()

	var logs []models.SyncLog
	for rows.Next() {
		var l models.SyncLog
		var started int64
		var completed sql.NullInt64
		if err := rows.Scan(&l.ID, &l.RunID, &l.TableName, &l.Status, &started, &completed, &l.RowsProcessed, &l.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		l.StartedAt = time.Unix(0, started).UTC()
		l.CompletedAt = timeFromNull(completed)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (c *Client) ListSchedules(ctx context.Context) ([]models.SyncSchedule, error) {
	query := `
		SELECT table_name, enabled, refresh_frequency_hours, priority, COALESCE(dependencies, '[]'), lookback_days, last_run_at
		FROM sync_schedule
		ORDER BY table_name
	`

	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []models.SyncSchedule
	for rows.Next() {
		var s models.SyncSchedule
		var deps string
		var lastRun sql.NullInt64
		if err := rows.Scan(&s.TableName, &s.Enabled, &s.RefreshFrequencyHours, &s.Priority, &deps, &s.LookbackDays, &lastRun); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(deps), &s.Dependencies); err != nil {
			return nil, fmt.Errorf("invalid dependencies for %s: %w", s.TableName, err)
		}
		s.LastRunAt = timeFromNull(lastRun)
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

func (c *Client) UpsertSchedule(ctx context.Context, schedule models.SyncSchedule) error {
	depsJSON, _ := json.Marshal(schedule.Dependencies)

	query := `
		INSERT INTO sync_schedule (table_name, enabled, refresh_frequency_hours, priority, dependencies, lookback_days, last_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(table_name) DO UPDATE SET
			enabled = excluded.enabled,
			refresh_frequency_hours = excluded.refresh_frequency_hours,
			priority = excluded.priority,
			dependencies = excluded.dependencies,
			lookback_days = excluded.lookback_days,
			last_run_at = COALESCE(excluded.last_run_at, sync_schedule.last_run_at)
	`

	_, err := c.db.ExecContext(ctx, query,
		schedule.TableName, schedule.Enabled, schedule.RefreshFrequencyHours, schedule.Priority,
		string(depsJSON), schedule.LookbackDays, nullableTime(schedule.LastRunAt))
	if err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return nil
}

func (c *Client) MarkScheduleRun(ctx context.Context, tableName string, at time.Time) error {
	res, err := c.db.ExecContext(ctx, `UPDATE sync_schedule SET last_run_at = ? WHERE table_name = ?`, at.UnixNano(), tableName)
	if err != nil {
		return fmt.Errorf("failed to mark schedule run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (c *Client) LoadState(ctx context.Context, pipelineID string) (*models.PipelineState, error) {
	if err := c.ensureState(ctx, pipelineID); err != nil {
		return nil, err
	}

	query := `
		SELECT pipeline_id, status, last_run_time, last_success_time, COALESCE(current_step, ''),
			COALESCE(step_data, '{}'), COALESCE(metadata, '{}'),
			COALESCE(lock_id, ''), COALESCE(lock_holder, ''), locked_at, updated_at
		FROM pipeline_state WHERE pipeline_id = ?
	`

	var st models.PipelineState
	var lastRun, lastSuccess, lockedAt sql.NullInt64
	var stepData, metadata, lockID, lockHolder string
	var updated int64

	err := c.db.QueryRowContext(ctx, query, pipelineID).Scan(
		&st.PipelineID, &st.Status, &lastRun, &lastSuccess, &st.CurrentStep,
		&stepData, &metadata, &lockID, &lockHolder, &lockedAt, &updated,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline state: %w", err)
	}

	if err := json.Unmarshal([]byte(stepData), &st.StepData); err != nil {
		return nil, fmt.Errorf("invalid step_data: %w", err)
	}
	if st.StepData == nil {
		st.StepData = map[string]interface{}{}
	}
	if err := json.Unmarshal([]byte(metadata), &st.Metadata); err != nil {
		return nil, fmt.Errorf("invalid metadata: %w", err)
	}

	st.LastRunTime = timeFromNull(lastRun)
	st.LastSuccessTime = timeFromNull(lastSuccess)
	st.Metadata.LockID = lockID
	st.Metadata.LockHolder = lockHolder
	st.Metadata.LockedAt = timeFromNull(lockedAt)
	st.UpdatedAt = time.Unix(0, updated).UTC()
	return &st, nil
}

func (c *Client) ensureState(ctx context.Context, pipelineID string) error {
	initial := storage.NewState(pipelineID, time.Now())
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO pipeline_state (pipeline_id, status, step_data, metadata, updated_at) VALUES (?, ?, '{}', '{}', ?)
		 ON CONFLICT(pipeline_id) DO NOTHING`,
		pipelineID, initial.Status, initial.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to create pipeline state: %w", err)
	}
	return nil
}

func (c *Client) SaveState(ctx context.Context, state *models.PipelineState) error {
	stepData, err := json.Marshal(state.StepData)
	if err != nil {
		return fmt.Errorf("failed to encode step_data: %w", err)
	}
	metadata, err := json.Marshal(state.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	query := `
		INSERT INTO pipeline_state (pipeline_id, status, last_run_time, last_success_time, current_step,
			step_data, metadata, lock_id, lock_holder, locked_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pipeline_id) DO UPDATE SET
			status = excluded.status,
			last_run_time = excluded.last_run_time,
			last_success_time = excluded.last_success_time,
			current_step = excluded.current_step,
			step_data = excluded.step_data,
			metadata = excluded.metadata,
			lock_id = excluded.lock_id,
			lock_holder = excluded.lock_holder,
			locked_at = excluded.locked_at,
			updated_at = excluded.updated_at
	`

	_, err = c.db.ExecContext(ctx, query,
		state.PipelineID, state.Status, nullableTime(state.LastRunTime), nullableTime(state.LastSuccessTime),
		state.CurrentStep, string(stepData), string(metadata),
		state.Metadata.LockID, state.Metadata.LockHolder, nullableTime(state.Metadata.LockedAt),
		state.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save pipeline state: %w", err)
	}
	return nil
}

func (c *Client) TryLock(ctx context.Context, pipelineID, lockID, holder string, now time.Time, ttl time.Duration) (*models.PipelineState, bool, error) {
	if err := c.ensureState(ctx, pipelineID); err != nil {
		return nil, false, err
	}

	query := `
		UPDATE pipeline_state
		SET status = ?, lock_id = ?, lock_holder = ?, locked_at = ?, updated_at = ?
		WHERE pipeline_id = ?
			AND NOT (status IN (?, ?) AND locked_at IS NOT NULL AND locked_at > ?)
	`

	res, err := c.db.ExecContext(ctx, query,
		models.StatusLocked, lockID, holder, now.UnixNano(), now.UnixNano(),
		pipelineID,
		storage.LockStatuses[0], storage.LockStatuses[1], now.Add(-ttl).UnixNano(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	affected, _ := res.RowsAffected()

	state, err := c.LoadState(ctx, pipelineID)
	if err != nil {
		return nil, false, err
	}
	return state, affected == 1, nil
}

func (c *Client) AppendTransition(ctx context.Context, transition *models.StateTransition) error {
	metaJSON, err := json.Marshal(transition.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode transition metadata: %w", err)
	}

	res, err := c.db.ExecContext(ctx,
		`INSERT INTO pipeline_state_transitions (pipeline_id, from_status, to_status, timestamp, metadata) VALUES (?, ?, ?, ?, ?)`,
		transition.PipelineID, transition.FromStatus, transition.ToStatus, transition.Timestamp.UnixNano(), string(metaJSON))
	if err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	transition.ID, err = res.LastInsertId()
	return err
}

func (c *Client) ListTransitions(ctx context.Context, pipelineID string, limit int) ([]models.StateTransition, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := c.db.QueryContext(ctx, `
		SELECT id, pipeline_id, from_status, to_status, timestamp, COALESCE(metadata, 'null')
		FROM pipeline_state_transitions
		WHERE pipeline_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?`, pipelineID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	var out []models.StateTransition
	for rows.Next() {
		var t models.StateTransition
		var ts int64
		var meta string
		if err := rows.Scan(&t.ID, &t.PipelineID, &t.FromStatus, &t.ToStatus, &ts, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
			return nil, fmt.Errorf("invalid transition metadata: %w", err)
		}
		t.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (c *Client) DeleteTransitionsBefore(ctx context.Context, pipelineID string, cutoff time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM pipeline_state_transitions WHERE pipeline_id = ? AND timestamp < ?`,
		pipelineID, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete transitions: %w", err)
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func createdAt(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixNano()
	}
	return t.UnixNano()
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
