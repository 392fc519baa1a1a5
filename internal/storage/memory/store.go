// Package memory is an in-process implementation of storage.Store used by
// tests and dry runs. It enforces the same unique keys as the SQL schemas.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sqp-sync/backend/internal/storage"
	"github.com/sqp-sync/backend/internal/storage/models"
	"github.com/sqp-sync/backend/pkg/apperr"
)

// Hooks inject failures or filtering into writes.
type Hooks struct {
	// UpsertParents may rewrite or reject a parent batch before it is applied.
	UpsertParents func(batch []models.ParentRecord) ([]models.ParentRecord, error)
	// UpsertChildren may reject a child batch; call counts start at 1.
	UpsertChildren func(call int, batch []models.ChildRecord) error
}

type parentKey struct {
	asin  string
	start time.Time
	end   time.Time
}

type childKey struct {
	parentID int64
	query    string
}

type Store struct {
	mu sync.Mutex

	Hooks Hooks

	parents       map[parentKey]models.ParentRecord
	parentOrder   []parentKey
	children      map[childKey]models.ChildRecord
	childOrder    []childKey
	syncLogs      []models.SyncLog
	schedules     map[string]models.SyncSchedule
	states        map[string]models.PipelineState
	transitions   []models.StateTransition
	nextID        int64
	childUpserts  int
	upsertedBatch []int
	clock         func() time.Time
}

func New() *Store {
	return &Store{
		parents:   make(map[parentKey]models.ParentRecord),
		children:  make(map[childKey]models.ChildRecord),
		schedules: make(map[string]models.SyncSchedule),
		states:    make(map[string]models.PipelineState),
		clock:     time.Now,
	}
}

var _ storage.Store = (*Store)(nil)

func (s *Store) InitSchema(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *Store) UpsertParents(ctx context.Context, parents []models.ParentRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Hooks.UpsertParents != nil {
		var err error
		if parents, err = s.Hooks.UpsertParents(parents); err != nil {
			return 0, err
		}
	}

	inserted := 0
	for _, p := range parents {
		key := parentKey{asin: p.ASIN, start: models.DateOf(p.StartDate), end: models.DateOf(p.EndDate)}
		if _, ok := s.parents[key]; ok {
			continue
		}
		p.ID = s.id()
		p.StartDate = key.start
		p.EndDate = key.end
		if p.CreatedAt.IsZero() {
			p.CreatedAt = s.clock()
		}
		s.parents[key] = p
		s.parentOrder = append(s.parentOrder, key)
		inserted++
	}
	return inserted, nil
}

func (s *Store) ResolveParentIDs(ctx context.Context, keys []models.ParentKey) (map[models.ParentKey]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[models.ParentKey]struct{}, len(keys))
	for _, k := range keys {
		want[models.ParentKey{ASIN: k.ASIN, StartDate: models.DateOf(k.StartDate)}] = struct{}{}
	}

	out := make(map[models.ParentKey]int64, len(keys))
	for _, key := range s.parentOrder {
		p := s.parents[key]
		if _, ok := want[p.Key()]; ok {
			out[p.Key()] = p.ID
		}
	}
	return out, nil
}

func (s *Store) UpsertChildren(ctx context.Context, children []models.ChildRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.childUpserts++
	if s.Hooks.UpsertChildren != nil {
		if err := s.Hooks.UpsertChildren(s.childUpserts, children); err != nil {
			return 0, err
		}
	}
	s.upsertedBatch = append(s.upsertedBatch, len(children))

	inserted := 0
	for _, c := range children {
		key := childKey{parentID: c.ParentID, query: c.SearchQuery}
		if _, ok := s.children[key]; ok {
			continue
		}
		c.ID = s.id()
		if c.CreatedAt.IsZero() {
			c.CreatedAt = s.clock()
		}
		s.children[key] = c
		s.childOrder = append(s.childOrder, key)
		inserted++
	}
	return inserted, nil
}

func (s *Store) ListKeywordMetrics(ctx context.Context, filter models.KeywordFilter) ([]models.KeywordMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	asins := toSet(filter.ASINs, false)
	keywords := toSet(filter.Keywords, true)

	byID := make(map[int64]models.ParentRecord, len(s.parents))
	for _, p := range s.parents {
		byID[p.ID] = p
	}

	var out []models.KeywordMetric
	for _, key := range s.childOrder {
		c := s.children[key]
		p, ok := byID[c.ParentID]
		if !ok {
			continue
		}
		if len(asins) > 0 {
			if _, ok := asins[p.ASIN]; !ok {
				continue
			}
		}
		if len(keywords) > 0 {
			if _, ok := keywords[strings.ToLower(c.SearchQuery)]; !ok {
				continue
			}
		}
		if !filter.Start.IsZero() && p.StartDate.Before(models.DateOf(filter.Start)) {
			continue
		}
		if !filter.End.IsZero() && p.EndDate.After(models.DateOf(filter.End)) {
			continue
		}
		out = append(out, c.Metric(p))
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

func (s *Store) StartSyncLog(ctx context.Context, entry *models.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = s.id()
	s.syncLogs = append(s.syncLogs, *entry)
	return nil
}

func (s *Store) FinishSyncLog(ctx context.Context, entry *models.SyncLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.syncLogs {
		if s.syncLogs[i].ID == entry.ID {
			s.syncLogs[i] = *entry
			return nil
		}
	}
	return apperr.ErrNotFound
}

func (s *Store) ListSyncLogs(ctx context.Context, limit int) ([]models.SyncLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.SyncLog, 0, len(s.syncLogs))
	for i := len(s.syncLogs) - 1; i >= 0; i-- {
		out = append(out, s.syncLogs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]models.SyncSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.SyncSchedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, sched)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TableName < out[j].TableName })
	return out, nil
}

func (s *Store) UpsertSchedule(ctx context.Context, schedule models.SyncSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedules[schedule.TableName] = schedule
	return nil
}

func (s *Store) MarkScheduleRun(ctx context.Context, tableName string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[tableName]
	if !ok {
		return apperr.ErrNotFound
	}
	sched.LastRunAt = &at
	s.schedules[tableName] = sched
	return nil
}

func (s *Store) LoadState(ctx context.Context, pipelineID string) (*models.PipelineState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.loadLocked(pipelineID)
}

func (s *Store) loadLocked(pipelineID string) (*models.PipelineState, error) {
	state, ok := s.states[pipelineID]
	if !ok {
		state = *storage.NewState(pipelineID, s.clock())
		s.states[pipelineID] = state
	}
	return cloneState(state)
}

func (s *Store) SaveState(ctx context.Context, state *models.PipelineState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied, err := cloneState(*state)
	if err != nil {
		return err
	}
	s.states[state.PipelineID] = *copied
	return nil
}

func (s *Store) TryLock(ctx context.Context, pipelineID, lockID, holder string, now time.Time, ttl time.Duration) (*models.PipelineState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.loadLocked(pipelineID)
	if err != nil {
		return nil, false, err
	}
	if storage.LockHeld(state, now, ttl) {
		return state, false, nil
	}

	lockedAt := now
	state.Status = models.StatusLocked
	state.Metadata.LockID = lockID
	state.Metadata.LockHolder = holder
	state.Metadata.LockedAt = &lockedAt
	state.UpdatedAt = now
	s.states[pipelineID] = *state

	out, err := cloneState(*state)
	return out, true, err
}

func (s *Store) AppendTransition(ctx context.Context, transition *models.StateTransition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	transition.ID = s.id()
	s.transitions = append(s.transitions, *transition)
	return nil
}

func (s *Store) ListTransitions(ctx context.Context, pipelineID string, limit int) ([]models.StateTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.StateTransition
	for i := len(s.transitions) - 1; i >= 0; i-- {
		if s.transitions[i].PipelineID != pipelineID {
			continue
		}
		out = append(out, s.transitions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) DeleteTransitionsBefore(ctx context.Context, pipelineID string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.transitions[:0]
	var deleted int64
	for _, tr := range s.transitions {
		if tr.PipelineID == pipelineID && tr.Timestamp.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, tr)
	}
	s.transitions = kept
	return deleted, nil
}

// Parents returns parent rows in insertion order.
func (s *Store) Parents() []models.ParentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ParentRecord, 0, len(s.parentOrder))
	for _, key := range s.parentOrder {
		out = append(out, s.parents[key])
	}
	return out
}

// Children returns child rows in insertion order.
func (s *Store) Children() []models.ChildRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.ChildRecord, 0, len(s.childOrder))
	for _, key := range s.childOrder {
		out = append(out, s.children[key])
	}
	return out
}

// ChildBatchSizes returns the size of every applied child upsert call.
func (s *Store) ChildBatchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int(nil), s.upsertedBatch...)
}

func toSet(values []string, lower bool) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if lower {
			v = strings.ToLower(v)
		}
		out[v] = struct{}{}
	}
	return out
}

// cloneState deep-copies through JSON so callers never share maps with the store.
func cloneState(state models.PipelineState) (*models.PipelineState, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var out models.PipelineState
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out.StepData == nil {
		out.StepData = map[string]interface{}{}
	}
	return &out, nil
}
