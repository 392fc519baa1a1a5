// Package supabase stores sync data through a Supabase project's PostgREST
// API. It expects the Postgres schema to have been applied already.
package supabase

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	supa "github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"github.com/sqp-sync/backend/internal/storage"
	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/pkg/apperr"
	"github.com/sqp-sync/backend/pkg/logger"
)

const dateLayout = "2006-01-02"

type Client struct {
	client *supa.Client
}

var _ storage.Store = (*Client)(nil)

func NewClient(url, key string) (*Client, error) {
	if url == "" || key == "" {
		return nil, fmt.Errorf("supabase url and key are required")
	}
	client, err := supa.NewClient(url, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	logger.Info("Supabase client initialized", zap.String("url", url))
	return &Client{client: client}, nil
}

func (c *Client) Close() error { return nil }

// InitSchema is a no-op: PostgREST cannot run DDL, so the schema is applied
// with the Postgres migrations.
func (c *Client) InitSchema(ctx context.Context) error {
	logger.Debug("Supabase schema is managed by migrations")
	return nil
}

type parentRow struct {
	ID        int64  `json:"id,omitempty"`
	ASIN      string `json:"asin"`
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

type childRow struct {
	ParentID          int64   `json:"asin_performance_id"`
	SearchQuery       string  `json:"search_query"`
	SearchQueryScore  float64 `json:"search_query_score"`
	SearchQueryVolume int64   `json:"search_query_volume"`
	Impressions       int64   `json:"impressions"`
	Clicks            int64   `json:"clicks"`
	CartAdds          int64   `json:"cart_adds"`
	Purchases         int64   `json:"purchases"`
	TotalImpressions  int64   `json:"total_impressions"`
	TotalClicks       int64   `json:"total_clicks"`
	TotalCartAdds     int64   `json:"total_cart_adds"`
	TotalPurchases    int64   `json:"total_purchases"`
	ImpressionShare   float64 `json:"impression_share"`
	ClickShare        float64 `json:"click_share"`
	CartAddShare      float64 `json:"cart_add_share"`
	PurchaseShare     float64 `json:"purchase_share"`
	CTR               float64 `json:"ctr"`
	CVR               float64 `json:"cvr"`
	CartAddRate       float64 `json:"cart_add_rate"`
	PurchaseRate      float64 `json:"purchase_rate"`
}

func toChildRow(r models.ChildRecord) childRow {
	return childRow{
		ParentID: r.ParentID, SearchQuery: r.SearchQuery,
		SearchQueryScore: r.SearchQueryScore, SearchQueryVolume: r.SearchQueryVolume,
		Impressions: r.Impressions, Clicks: r.Clicks, CartAdds: r.CartAdds, Purchases: r.Purchases,
		TotalImpressions: r.TotalImpressions, TotalClicks: r.TotalClicks,
		TotalCartAdds: r.TotalCartAdds, TotalPurchases: r.TotalPurchases,
		ImpressionShare: r.ImpressionShare, ClickShare: r.ClickShare,
		CartAddShare: r.CartAddShare, PurchaseShare: r.PurchaseShare,
		CTR: r.CTR, CVR: r.CVR, CartAddRate: r.CartAddRate, PurchaseRate: r.PurchaseRate,
	}
}

// UpsertParents reads the existing keys first so only new rows are written
// and the returned count matches ON CONFLICT DO NOTHING.
func (c *Client) UpsertParents(ctx context.Context, parents []models.ParentRecord) (int, error) {
	if len(parents) == 0 {
		return 0, nil
	}

	asins := make([]string, 0, len(parents))
	starts := make([]string, 0, len(parents))
	for _, p := range parents {
		asins = append(asins, p.ASIN)
		starts = append(starts, p.StartDate.Format(dateLayout))
	}

	var existing []parentRow
	if _, err := c.client.From(models.TableParents).
		Select("asin,start_date,end_date", "", false).
		In("asin", dedupe(asins)).
		In("start_date", dedupe(starts)).
		ExecuteTo(&existing); err != nil {
		return 0, fmt.Errorf("failed to read parents: %w", storage.Throttled(err, nil))
	}
	seen := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		seen[e.ASIN+"|"+e.StartDate+"|"+e.EndDate] = struct{}{}
	}

	var fresh []parentRow
	for _, p := range parents {
		row := parentRow{ASIN: p.ASIN, StartDate: p.StartDate.Format(dateLayout), EndDate: p.EndDate.Format(dateLayout)}
		key := row.ASIN + "|" + row.StartDate + "|" + row.EndDate
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, row)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	if _, _, err := c.client.From(models.TableParents).
		Upsert(fresh, "asin,start_date,end_date", "minimal", "").
		Execute(); err != nil {
		return 0, fmt.Errorf("failed to upsert parents: %w", storage.Throttled(err, nil))
	}
	return len(fresh), nil
}

func (c *Client) ResolveParentIDs(ctx context.Context, keys []models.ParentKey) (map[models.ParentKey]int64, error) {
	out := make(map[models.ParentKey]int64, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	asins, dates := storage.SplitKeys(keys)
	dateStrs := make([]string, len(dates))
	for i, d := range dates {
		dateStrs[i] = d.Format(dateLayout)
	}

	var rows []parentRow
	if _, err := c.client.From(models.TableParents).
		Select("id,asin,start_date,end_date", "", false).
		In("asin", asins).
		In("start_date", dateStrs).
		ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to resolve parent ids: %w", storage.Throttled(err, nil))
	}

	want := storage.KeySet(keys)
	for _, r := range rows {
		d, err := time.Parse(dateLayout, r.StartDate)
		if err != nil {
			return nil, fmt.Errorf("invalid start_date %q: %w", r.StartDate, err)
		}
		key := models.ParentKey{ASIN: r.ASIN, StartDate: d}
		if _, ok := want[key]; ok {
			out[key] = r.ID
		}
	}
	return out, nil
}

func (c *Client) UpsertChildren(ctx context.Context, children []models.ChildRecord) (int, error) {
	if len(children) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(children))
	for _, r := range children {
		ids = append(ids, strconv.FormatInt(r.ParentID, 10))
	}

	var existing []struct {
		ParentID    int64  `json:"asin_performance_id"`
		SearchQuery string `json:"search_query"`
	}
	if _, err := c.client.From(models.TableChildren).
		Select("asin_performance_id,search_query", "", false).
		In("asin_performance_id", dedupe(ids)).
		ExecuteTo(&existing); err != nil {
		return 0, fmt.Errorf("failed to read children: %w", storage.Throttled(err, nil))
	}
	seen := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		seen[strconv.FormatInt(e.ParentID, 10)+"|"+e.SearchQuery] = struct{}{}
	}

	var fresh []childRow
	for _, r := range children {
		key := strconv.FormatInt(r.ParentID, 10) + "|" + r.SearchQuery
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		fresh = append(fresh, toChildRow(r))
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	if _, _, err := c.client.From(models.TableChildren).
		Upsert(fresh, "asin_performance_id,search_query", "minimal", "").
		Execute(); err != nil {
		return 0, fmt.Errorf("failed to upsert children: %w", storage.Throttled(err, nil))
	}
	return len(fresh), nil
}

type metricRow struct {
	SearchQuery     string  `json:"search_query"`
	Impressions     int64   `json:"impressions"`
	Clicks          int64   `json:"clicks"`
	CartAdds        int64   `json:"cart_adds"`
	Purchases       int64   `json:"purchases"`
	CTR             float64 `json:"ctr"`
	CVR             float64 `json:"cvr"`
	CartAddRate     float64 `json:"cart_add_rate"`
	PurchaseRate    float64 `json:"purchase_rate"`
	ImpressionShare float64 `json:"impression_share"`
	ClickShare      float64 `json:"click_share"`
	CartAddShare    float64 `json:"cart_add_share"`
	PurchaseShare   float64 `json:"purchase_share"`

	Parent parentRow `json:"asin_performance_data"`
}

func (c *Client) ListKeywordMetrics(ctx context.Context, filter models.KeywordFilter) ([]models.KeywordMetric, error) {
	q := c.client.From(models.TableChildren).
		Select("search_query,impressions,clicks,cart_adds,purchases,ctr,cvr,cart_add_rate,purchase_rate,"+
			"impression_share,click_share,cart_add_share,purchase_share,"+
			"asin_performance_data!inner(asin,start_date,end_date)", "", false)

	if len(filter.ASINs) > 0 {
		q = q.In("asin_performance_data.asin", filter.ASINs)
	}
	if !filter.Start.IsZero() {
		q = q.Gte("asin_performance_data.start_date", filter.Start.Format(dateLayout))
	}
	if !filter.End.IsZero() {
		q = q.Lte("asin_performance_data.end_date", filter.End.Format(dateLayout))
	}

	var rows []metricRow
	if _, err := q.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to list keyword metrics: %w", err)
	}

	keywords := make(map[string]struct{}, len(filter.Keywords))
	for _, k := range filter.Keywords {
		keywords[strings.ToLower(k)] = struct{}{}
	}

	out := make([]models.KeywordMetric, 0, len(rows))
	for _, r := range rows {
		if len(keywords) > 0 {
			if _, ok := keywords[strings.ToLower(r.SearchQuery)]; !ok {
				continue
			}
		}
		start, err := time.Parse(dateLayout, r.Parent.StartDate)
		if err != nil {
			return nil, fmt.Errorf("invalid start_date %q: %w", r.Parent.StartDate, err)
		}
		end, err := time.Parse(dateLayout, r.Parent.EndDate)
		if err != nil {
			return nil, fmt.Errorf("invalid end_date %q: %w", r.Parent.EndDate, err)
		}
		out = append(out, models.KeywordMetric{
			ASIN: r.Parent.ASIN, SearchQuery: r.SearchQuery, StartDate: start, EndDate: end,
			Impressions: r.Impressions, Clicks: r.Clicks, CartAdds: r.CartAdds, Purchases: r.Purchases,
			CTR: r.CTR, CVR: r.CVR, CartAddRate: r.CartAddRate, PurchaseRate: r.PurchaseRate,
			ImpressionShare: r.ImpressionShare, ClickShare: r.ClickShare,
			CartAddShare: r.CartAddShare, PurchaseShare: r.PurchaseShare,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		if out[i].ASIN != out[j].ASIN {
			return out[i].ASIN < out[j].ASIN
		}
		return out[i].SearchQuery < out[j].SearchQuery
	})
	return out, nil
}

type syncLogRow struct {
	ID            int64      `json:"id,omitempty"`
	RunID         string     `json:"run_id"`
	TableName     string     `json:"table_name"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
	RowsProcessed int        `json:"rows_processed"`
	ErrorMessage  *string    `json:"error_message"`
}

func (c *Client) StartSyncLog(ctx context.Context, entry *models.SyncLog) error {
	var created []syncLogRow
	row := syncLogRow{RunID: entry.RunID, TableName: entry.TableName, Status: string(entry.Status), StartedAt: entry.StartedAt, RowsProcessed: entry.RowsProcessed}
	if _, err := c.client.From(models.TableSyncLog).
		Insert(row, false, "", "representation", "").
		ExecuteTo(&created); err != nil {
		return fmt.Errorf("failed to insert sync log: %w", err)
	}
	if len(created) == 0 {
		return fmt.Errorf("failed to insert sync log: no row returned")
	}
	entry.ID = created[0].ID
	return nil
}

func (c *Client) FinishSyncLog(ctx context.Context, entry *models.SyncLog) error {
	update := map[string]interface{}{
		"status":         string(entry.Status),
		"completed_at":   entry.CompletedAt,
		"rows_processed": entry.RowsProcessed,
		"error_message":  nullIfEmpty(entry.ErrorMessage),
	}
	var updated []syncLogRow
	if _, err := c.client.From(models.TableSyncLog).
		Update(update, "representation", "").
		Eq("id", strconv.FormatInt(entry.ID, 10)).
		ExecuteTo(&updated); err != nil {
		return fmt.Errorf("failed to finish sync log: %w", err)
	}
	if len(updated) == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

func (c *Client) ListSyncLogs(ctx context.Context, limit int) ([]models.SyncLog, error) {
	var rows []syncLogRow
	if _, err := c.client.From(models.TableSyncLog).
		Select("*", "", false).
		ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to list sync logs: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID > rows[j].ID })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]models.SyncLog, 0, len(rows))
	for _, r := range rows {
		l := models.SyncLog{
			ID: r.ID, RunID: r.RunID, TableName: r.TableName, Status: models.SyncStatus(r.Status),
			StartedAt: r.StartedAt, CompletedAt: r.CompletedAt, RowsProcessed: r.RowsProcessed,
		}
		if r.ErrorMessage != nil {
			l.ErrorMessage = *r.ErrorMessage
		}
		out = append(out, l)
	}
	return out, nil
}

func (c *Client) ListSchedules(ctx context.Context) ([]models.SyncSchedule, error) {
	var out []models.SyncSchedule
	if _, err := c.client.From(models.TableSchedule).
		Select("*", "", false).
		ExecuteTo(&out); err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableName < out[j].TableName })
	return out, nil
}

func (c *Client) UpsertSchedule(ctx context.Context, schedule models.SyncSchedule) error {
	if schedule.Dependencies == nil {
		schedule.Dependencies = []string{}
	}
	if _, _, err := c.client.From(models.TableSchedule).
		Upsert(schedule, "table_name", "minimal", "").
		Execute(); err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return nil
}

func (c *Client) MarkScheduleRun(ctx context.Context, tableName string, at time.Time) error {
	var updated []models.SyncSchedule
	if _, err := c.client.From(models.TableSchedule).
		Update(map[string]interface{}{"last_run_at": at}, "representation", "").
		Eq("table_name", tableName).
		ExecuteTo(&updated); err != nil {
		return fmt.Errorf("failed to mark schedule run: %w", err)
	}
	if len(updated) == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

type stateRow struct {
	PipelineID      string                 `json:"pipeline_id"`
	Status          string                 `json:"status"`
	LastRunTime     *time.Time             `json:"last_run_time"`
	LastSuccessTime *time.Time             `json:"last_success_time"`
	CurrentStep     *string                `json:"current_step"`
	StepData        map[string]interface{} `json:"step_data"`
	Metadata        models.StateMetadata   `json:"metadata"`
	LockID          *string                `json:"lock_id"`
	LockHolder      *string                `json:"lock_holder"`
	LockedAt        *time.Time             `json:"locked_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

func fromState(st *models.PipelineState) stateRow {
	return stateRow{
		PipelineID:      st.PipelineID,
		Status:          string(st.Status),
		LastRunTime:     st.LastRunTime,
		LastSuccessTime: st.LastSuccessTime,
		CurrentStep:     nullIfEmpty(st.CurrentStep),
		StepData:        st.StepData,
		Metadata:        st.Metadata,
		LockID:          nullIfEmpty(st.Metadata.LockID),
		LockHolder:      nullIfEmpty(st.Metadata.LockHolder),
		LockedAt:        st.Metadata.LockedAt,
		UpdatedAt:       st.UpdatedAt,
	}
}

func (r stateRow) toState() *models.PipelineState {
	st := &models.PipelineState{
		PipelineID:      r.PipelineID,
		Status:          models.PipelineStatus(r.Status),
		LastRunTime:     r.LastRunTime,
		LastSuccessTime: r.LastSuccessTime,
		StepData:        r.StepData,
		Metadata:        r.Metadata,
		UpdatedAt:       r.UpdatedAt,
	}
	if st.StepData == nil {
		st.StepData = map[string]interface{}{}
	}
	if r.CurrentStep != nil {
		st.CurrentStep = *r.CurrentStep
	}
	st.Metadata.LockID, st.Metadata.LockHolder = "", ""
	if r.LockID != nil {
		st.Metadata.LockID = *r.LockID
	}
	if r.LockHolder != nil {
		st.Metadata.LockHolder = *r.LockHolder
	}
	st.Metadata.LockedAt = r.LockedAt
	return st
}

func (c *Client) LoadState(ctx context.Context, pipelineID string) (*models.PipelineState, error) {
	var rows []stateRow
	if _, err := c.client.From(models.TableState).
		Select("*", "", false).
		Eq("pipeline_id", pipelineID).
		ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to load pipeline state: %w", err)
	}
	if len(rows) > 0 {
		return rows[0].toState(), nil
	}

	st := storage.NewState(pipelineID, time.Now().UTC())
	if _, _, err := c.client.From(models.TableState).
		Insert(fromState(st), true, "pipeline_id", "minimal", "").
		Execute(); err != nil {
		return nil, fmt.Errorf("failed to create pipeline state: %w", err)
	}
	return st, nil
}

func (c *Client) SaveState(ctx context.Context, st *models.PipelineState) error {
	if _, _, err := c.client.From(models.TableState).
		Upsert(fromState(st), "pipeline_id", "minimal", "").
		Execute(); err != nil {
		return fmt.Errorf("failed to save pipeline state: %w", err)
	}
	return nil
}

// TryLock issues one filtered PATCH, which PostgREST runs as a single UPDATE.
func (c *Client) TryLock(ctx context.Context, pipelineID, lockID, holder string, now time.Time, ttl time.Duration) (*models.PipelineState, bool, error) {
	if _, err := c.LoadState(ctx, pipelineID); err != nil {
		return nil, false, err
	}

	statuses := make([]string, len(storage.LockStatuses))
	for i, s := range storage.LockStatuses {
		statuses[i] = string(s)
	}
	cutoff := now.Add(-ttl).UTC().Format(time.RFC3339Nano)
	free := fmt.Sprintf("status.not.in.(%s),locked_at.is.null,locked_at.lte.%s", strings.Join(statuses, ","), cutoff)

	update := map[string]interface{}{
		"status":      string(models.StatusLocked),
		"lock_id":     lockID,
		"lock_holder": holder,
		"locked_at":   now,
		"updated_at":  now,
	}
	var rows []stateRow
	if _, err := c.client.From(models.TableState).
		Update(update, "representation", "").
		Eq("pipeline_id", pipelineID).
		Or(free, "").
		ExecuteTo(&rows); err != nil {
		return nil, false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if len(rows) == 1 {
		return rows[0].toState(), true, nil
	}

	current, err := c.LoadState(ctx, pipelineID)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

func (c *Client) AppendTransition(ctx context.Context, tr *models.StateTransition) error {
	var created []models.StateTransition
	row := map[string]interface{}{
		"pipeline_id": tr.PipelineID,
		"from_status": string(tr.FromStatus),
		"to_status":   string(tr.ToStatus),
		"timestamp":   tr.Timestamp,
		"metadata":    tr.Metadata,
	}
	if _, err := c.client.From(models.TableTransitions).
		Insert(row, false, "", "representation", "").
		ExecuteTo(&created); err != nil {
		return fmt.Errorf("failed to insert transition: %w", err)
	}
	if len(created) > 0 {
		tr.ID = created[0].ID
	}
	return nil
}

func (c *Client) ListTransitions(ctx context.Context, pipelineID string, limit int) ([]models.StateTransition, error) {
	var rows []models.StateTransition
	if _, err := c.client.From(models.TableTransitions).
		Select("*", "", false).
		Eq("pipeline_id", pipelineID).
		ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.After(rows[j].Timestamp)
		}
		return rows[i].ID > rows[j].ID
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (c *Client) DeleteTransitionsBefore(ctx context.Context, pipelineID string, cutoff time.Time) (int64, error) {
	var deleted []models.StateTransition
	if _, err := c.client.From(models.TableTransitions).
		Delete("representation", "").
		Eq("pipeline_id", pipelineID).
		Lt("timestamp", cutoff.UTC().Format(time.RFC3339Nano)).
		ExecuteTo(&deleted); err != nil {
		return 0, fmt.Errorf("failed to delete transitions: %w", err)
	}
	return int64(len(deleted)), nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
