package models

import "time"

// Table names in the relational store.
const (
	TableParents     = "asin_performance_data"
	TableChildren    = "search_query_performance"
	TableSyncLog     = "sync_log"
	TableSchedule    = "sync_schedule"
	TableState       = "pipeline_state"
	TableTransitions = "pipeline_state_transitions"
)

// ParentRecord is one (entity, period) row. Unique on (ASIN, StartDate, EndDate).
type ParentRecord struct {
	ID        int64     `json:"id,omitempty"`
	ASIN      string    `json:"asin"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
	CreatedAt time.Time `json:"created_at"`
}

// ParentKey is how child rows address their parent.
type ParentKey struct {
	ASIN      string
	StartDate time.Time
}

func (p ParentRecord) Key() ParentKey {
	return ParentKey{ASIN: p.ASIN, StartDate: DateOf(p.StartDate)}
}

// ChildRecord is one search phrase under a parent. Unique on (ParentID, SearchQuery).
type ChildRecord struct {
	ID                int64     `json:"id,omitempty"`
	ParentID          int64     `json:"asin_performance_id"`
	SearchQuery       string    `json:"search_query"`
	SearchQueryScore  float64   `json:"search_query_score"`
	SearchQueryVolume int64     `json:"search_query_volume"`
	Impressions       int64     `json:"impressions"`
	Clicks            int64     `json:"clicks"`
	CartAdds          int64     `json:"cart_adds"`
	Purchases         int64     `json:"purchases"`
	TotalImpressions  int64     `json:"total_impressions"`
	TotalClicks       int64     `json:"total_clicks"`
	TotalCartAdds     int64     `json:"total_cart_adds"`
	TotalPurchases    int64     `json:"total_purchases"`
	ImpressionShare   float64   `json:"impression_share"`
	ClickShare        float64   `json:"click_share"`
	CartAddShare      float64   `json:"cart_add_share"`
	PurchaseShare     float64   `json:"purchase_share"`
	CTR               float64   `json:"ctr"`
	CVR               float64   `json:"cvr"`
	CartAddRate       float64   `json:"cart_add_rate"`
	PurchaseRate      float64   `json:"purchase_rate"`
	CreatedAt         time.Time `json:"created_at"`
}

// KeywordMetric is the read-side row handed to aggregation and the API. The
// JSON names are the dashboard contract.
type KeywordMetric struct {
	ASIN            string    `json:"asin,omitempty"`
	SearchQuery     string    `json:"searchQuery"`
	StartDate       time.Time `json:"startDate"`
	EndDate         time.Time `json:"endDate"`
	Impressions     int64     `json:"impressions"`
	Clicks          int64     `json:"clicks"`
	CartAdds        int64     `json:"cartAdds"`
	Purchases       int64     `json:"purchases"`
	CTR             float64   `json:"ctr"`
	CVR             float64   `json:"cvr"`
	CartAddRate     float64   `json:"cartAddRate"`
	PurchaseRate    float64   `json:"purchaseRate"`
	ImpressionShare float64   `json:"impressionShare"`
	ClickShare      float64   `json:"clickShare"`
	CartAddShare    float64   `json:"cartAddShare"`
	PurchaseShare   float64   `json:"purchaseShare"`
}

// KeywordFilter selects read-side rows. Empty slices mean no filter.
type KeywordFilter struct {
	ASINs    []string
	Keywords []string
	Start    time.Time
	End      time.Time
}

type SyncStatus string

const (
	SyncInProgress SyncStatus = "in_progress"
	SyncSuccess    SyncStatus = "success"
	SyncFailed     SyncStatus = "failed"
)

// SyncLog is the audit row written once per table per run.
type SyncLog struct {
	ID            int64      `json:"id,omitempty"`
	RunID         string     `json:"run_id"`
	TableName     string     `json:"table_name"`
	Status        SyncStatus `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	RowsProcessed int        `json:"rows_processed"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}

// SyncSchedule configures periodic syncs of one warehouse source table.
type SyncSchedule struct {
	TableName             string     `json:"table_name"`
	Enabled               bool       `json:"enabled"`
	RefreshFrequencyHours int        `json:"refresh_frequency_hours"`
	Priority              int        `json:"priority"`
	Dependencies          []string   `json:"dependencies"`
	LookbackDays          int        `json:"lookback_days"`
	LastRunAt             *time.Time `json:"last_run_at,omitempty"`
}

func (s SyncSchedule) RefreshFrequency() time.Duration {
	return time.Duration(s.RefreshFrequencyHours) * time.Hour
}

// Due reports whether the schedule should run at now.
func (s SyncSchedule) Due(now time.Time) bool {
	if !s.Enabled {
		return false
	}
	if s.LastRunAt == nil {
		return true
	}
	return now.Sub(*s.LastRunAt) >= s.RefreshFrequency()
}

type PipelineStatus string

const (
	StatusIdle      PipelineStatus = "idle"
	StatusLocked    PipelineStatus = "locked"
	StatusRunning   PipelineStatus = "running"
	StatusCompleted PipelineStatus = "completed"
	StatusFailed    PipelineStatus = "failed"
	StatusCancelled PipelineStatus = "cancelled"
)

// PipelineState is the single mutable row per pipeline id.
type PipelineState struct {
	PipelineID      string                 `json:"pipeline_id"`
	Status          PipelineStatus         `json:"status"`
	LastRunTime     *time.Time             `json:"last_run_time,omitempty"`
	LastSuccessTime *time.Time             `json:"last_success_time,omitempty"`
	CurrentStep     string                 `json:"current_step,omitempty"`
	StepData        map[string]interface{} `json:"step_data"`
	Metadata        StateMetadata          `json:"metadata"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

type StateMetadata struct {
	LockID       string       `json:"lock_id,omitempty"`
	LockHolder   string       `json:"lock_holder,omitempty"`
	LockedAt     *time.Time   `json:"locked_at,omitempty"`
	ErrorCount   int          `json:"error_count"`
	SuccessCount int          `json:"success_count"`
	RecentRuns   []RunOutcome `json:"recent_runs,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
}

type RunOutcome struct {
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
}

// StateTransition is an append-only history row.
type StateTransition struct {
	ID         int64                  `json:"id,omitempty"`
	PipelineID string                 `json:"pipeline_id"`
	FromStatus PipelineStatus         `json:"from_status"`
	ToStatus   PipelineStatus         `json:"to_status"`
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Metric projects a child row and its parent onto the read-side shape.
func (c ChildRecord) Metric(parent ParentRecord) KeywordMetric {
	return KeywordMetric{
		ASIN:            parent.ASIN,
		SearchQuery:     c.SearchQuery,
		StartDate:       parent.StartDate,
		EndDate:         parent.EndDate,
		Impressions:     c.Impressions,
		Clicks:          c.Clicks,
		CartAdds:        c.CartAdds,
		Purchases:       c.Purchases,
		CTR:             c.CTR,
		CVR:             c.CVR,
		CartAddRate:     c.CartAddRate,
		PurchaseRate:    c.PurchaseRate,
		ImpressionShare: c.ImpressionShare,
		ClickShare:      c.ClickShare,
		CartAddShare:    c.CartAddShare,
		PurchaseShare:   c.PurchaseShare,
	}
}
