// Package memory holds in-process implementations of the repository
// interfaces. They back the test suites and local runs without Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maheshrc27/postflow-analytics/internal/models"
	"github.com/maheshrc27/postflow-analytics/internal/repository"
)

type AccountRepository struct {
	mu       sync.Mutex
	accounts map[int64]*models.Account
	nextID   int64
}

func NewAccountRepository() *AccountRepository {
	return &AccountRepository{accounts: make(map[int64]*models.Account)}
}

// Add stores a copy of a and assigns an id when a.ID is zero.
func (r *AccountRepository) Add(a models.Account) *models.Account {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == 0 {
		r.nextID++
		a.ID = r.nextID
	} else if a.ID > r.nextID {
		r.nextID = a.ID
	}
	if a.AccountStatus == "" {
		a.AccountStatus = models.AccountStatusActive
	}
	stored := a
	r.accounts[a.ID] = &stored
	out := stored
	return &out
}

func (r *AccountRepository) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[id]
	if !ok {
		return nil, nil
	}
	out := *a
	return &out, nil
}

func (r *AccountRepository) ListActive(ctx context.Context) ([]*models.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.Account
	for _, a := range r.accounts {
		if a.AccountStatus == models.AccountStatusActive {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *AccountRepository) SetLastSuccessfulSync(ctx context.Context, id int64, t time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.accounts[id]
	if !ok {
		return false, nil
	}
	if a.LastSuccessfulSyncAt != nil && !a.LastSuccessfulSyncAt.Before(t) {
		return false, nil
	}
	ts := t
	a.LastSuccessfulSyncAt = &ts
	a.UpdatedAt = time.Now()
	return true, nil
}

func (r *AccountRepository) MarkReauthRequired(ctx context.Context, id int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.accounts[id]; ok {
		a.AccountStatus = models.AccountStatusReauthRequired
		a.StatusReason = reason
	}
	return nil
}

type PostRepository struct {
	mu     sync.Mutex
	posts  map[int64]*models.Post
	nextID int64
}

func NewPostRepository() *PostRepository {
	return &PostRepository{posts: make(map[int64]*models.Post)}
}

func (r *PostRepository) Add(p models.Post) *models.Post {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.ID == 0 {
		r.nextID++
		p.ID = r.nextID
	} else if p.ID > r.nextID {
		r.nextID = p.ID
	}
	stored := p
	r.posts[p.ID] = &stored
	out := stored
	return &out
}

func (r *PostRepository) GetByExternalID(ctx context.Context, accountID int64, externalID string) (*models.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.posts {
		if p.AccountID == accountID && p.ExternalID == externalID {
			out := *p
			return &out, nil
		}
	}
	return nil, nil
}

type MetricSnapshotRepository struct {
	mu     sync.Mutex
	rows   []*models.MetricSnapshot
	nextID int64
}

func NewMetricSnapshotRepository() *MetricSnapshotRepository {
	return &MetricSnapshotRepository{}
}

func sameDay(a, b time.Time) bool {
	return a.Format(time.DateOnly) == b.Format(time.DateOnly)
}

func (r *MetricSnapshotRepository) matching(subjectType models.SubjectType, subjectID int64, day time.Time) []*models.MetricSnapshot {
	var out []*models.MetricSnapshot
	for _, s := range r.rows {
		if s.SubjectType == subjectType && s.SubjectID == subjectID && sameDay(s.ObservationDay, day) {
			out = append(out, s)
		}
	}
	return out
}

func latest(rows []*models.MetricSnapshot) *models.MetricSnapshot {
	var best *models.MetricSnapshot
	for _, s := range rows {
		if best == nil || s.RecordedAt.After(best.RecordedAt) ||
			(s.RecordedAt.Equal(best.RecordedAt) && s.ID > best.ID) {
			best = s
		}
	}
	return best
}

func (r *MetricSnapshotRepository) LatestForDay(ctx context.Context, subjectType models.SubjectType, subjectID int64, day time.Time) (*models.MetricSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	best := latest(r.matching(subjectType, subjectID, day))
	if best == nil {
		return nil, nil
	}
	out := *best
	return &out, nil
}

func (r *MetricSnapshotRepository) Insert(ctx context.Context, s *models.MetricSnapshot) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.matching(s.SubjectType, s.SubjectID, s.ObservationDay)) > 0 {
		return 0, repository.ErrConflict
	}
	return r.appendLocked(*s), nil
}

// Seed appends a row unconditionally, e.g. to reproduce duplicates left by
// older writers.
func (r *MetricSnapshotRepository) Seed(s models.MetricSnapshot) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(s)
}

func (r *MetricSnapshotRepository) appendLocked(s models.MetricSnapshot) int64 {
	r.nextID++
	s.ID = r.nextID
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	r.rows = append(r.rows, &s)
	return s.ID
}

func (r *MetricSnapshotRepository) UpdateValues(ctx context.Context, id int64, expectedRecordedAt time.Time, s *models.MetricSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, row := range r.rows {
		if row.ID != id {
			continue
		}
		if !row.RecordedAt.Equal(expectedRecordedAt) {
			return repository.ErrConflict
		}
		row.RecordedAt = s.RecordedAt
		row.MetricValues = s.MetricValues
		row.RawPayload = s.RawPayload
		row.UpdatedAt = time.Now()
		return nil
	}
	return repository.ErrConflict
}

func (r *MetricSnapshotRepository) ListDuplicateGroups(ctx context.Context, accountID int64, since time.Time) ([]models.DuplicateGroup, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	type key struct {
		t   models.SubjectType
		id  int64
		day string
	}
	counts := make(map[key]*models.DuplicateGroup)
	var order []key
	sinceDay := since.Format(time.DateOnly)
	for _, s := range r.rows {
		day := s.ObservationDay.Format(time.DateOnly)
		if s.AccountID != accountID || day < sinceDay {
			continue
		}
		k := key{s.SubjectType, s.SubjectID, day}
		g, ok := counts[k]
		if !ok {
			g = &models.DuplicateGroup{SubjectType: s.SubjectType, SubjectID: s.SubjectID, ObservationDay: s.ObservationDay}
			counts[k] = g
			order = append(order, k)
		}
		g.Rows++
	}

	var groups []models.DuplicateGroup
	for _, k := range order {
		if g := counts[k]; g.Rows > 1 {
			groups = append(groups, *g)
		}
	}
	return groups, nil
}

func (r *MetricSnapshotRepository) CollapseDuplicates(ctx context.Context, g models.DuplicateGroup) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := latest(r.matching(g.SubjectType, g.SubjectID, g.ObservationDay))
	if keep == nil {
		return 0, nil
	}

	var deleted int64
	kept := r.rows[:0]
	for _, s := range r.rows {
		if s != keep && s.SubjectType == g.SubjectType && s.SubjectID == g.SubjectID && sameDay(s.ObservationDay, g.ObservationDay) {
			deleted++
			continue
		}
		kept = append(kept, s)
	}
	r.rows = kept
	return deleted, nil
}

func (r *MetricSnapshotRepository) ListAuthoritative(ctx context.Context, subjectType models.SubjectType, subjectID int64, from, to time.Time) ([]*models.MetricSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fromDay, toDay := from.Format(time.DateOnly), to.Format(time.DateOnly)
	byDay := make(map[string]*models.MetricSnapshot)
	for _, s := range r.rows {
		day := s.ObservationDay.Format(time.DateOnly)
		if s.SubjectType != subjectType || s.SubjectID != subjectID || day < fromDay || day > toDay {
			continue
		}
		if cur, ok := byDay[day]; !ok || latest([]*models.MetricSnapshot{cur, s}) == s {
			byDay[day] = s
		}
	}

	out := make([]*models.MetricSnapshot, 0, len(byDay))
	for _, s := range byDay {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservationDay.Before(out[j].ObservationDay) })
	return out, nil
}

// All returns a copy of every stored row in insertion order.
func (r *MetricSnapshotRepository) All() []models.MetricSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.MetricSnapshot, 0, len(r.rows))
	for _, s := range r.rows {
		out = append(out, *s)
	}
	return out
}

type SyncRunRepository struct {
	mu   sync.Mutex
	runs []*models.SyncRun
}

func NewSyncRunRepository() *SyncRunRepository {
	return &SyncRunRepository{}
}

func (r *SyncRunRepository) Create(ctx context.Context, run *models.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *run
	r.runs = append(r.runs, &cp)
	return nil
}

func (r *SyncRunRepository) find(id string) *models.SyncRun {
	for _, run := range r.runs {
		if run.ID == id {
			return run
		}
	}
	return nil
}

func (r *SyncRunRepository) UpdateProgress(ctx context.Context, run *models.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.find(run.ID)
	if stored == nil || stored.Finished() {
		return nil
	}
	*stored = *run
	stored.FinishedAt = nil
	stored.Outcome = models.SyncOutcomeRunning
	return nil
}

func (r *SyncRunRepository) Finalize(ctx context.Context, run *models.SyncRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.find(run.ID)
	if stored == nil || stored.Finished() {
		return repository.ErrConflict
	}
	*stored = *run
	return nil
}

func (r *SyncRunRepository) LatestByAccount(ctx context.Context, accountID int64) (*models.SyncRun, error) {
	runs, _ := r.ListByAccount(ctx, accountID, 1)
	if len(runs) == 0 {
		return nil, nil
	}
	return runs[0], nil
}

func (r *SyncRunRepository) ListByAccount(ctx context.Context, accountID int64, limit int) ([]*models.SyncRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.SyncRun
	for i := len(r.runs) - 1; i >= 0; i-- {
		if r.runs[i].AccountID == accountID {
			cp := *r.runs[i]
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ repository.AccountRepository        = (*AccountRepository)(nil)
	_ repository.PostRepository           = (*PostRepository)(nil)
	_ repository.MetricSnapshotRepository = (*MetricSnapshotRepository)(nil)
	_ repository.SyncRunRepository        = (*SyncRunRepository)(nil)
)
