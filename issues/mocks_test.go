package issues_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-civic/auth"
	"github.com/goliatone/go-civic/issues"
	"github.com/google/uuid"
)

// memStore is an in-memory issues.Store with the same conditional write
// semantics as the SQL store.
type memStore struct {
	mu     sync.Mutex
	issues map[uuid.UUID]*issues.Issue
	ledger map[uuid.UUID]map[uuid.UUID]struct{}
}

func newMemStore() *memStore {
	return &memStore{
		issues: map[uuid.UUID]*issues.Issue{},
		ledger: map[uuid.UUID]map[uuid.UUID]struct{}{},
	}
}

var _ issues.Store = (*memStore)(nil)

func (m *memStore) Create(_ context.Context, issue *issues.Issue) (*issues.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	m.issues[issue.ID] = m.clone(issue)
	m.ledger[issue.ID] = map[uuid.UUID]struct{}{}
	return m.read(issue.ID), nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*issues.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.issues[id]; !ok {
		return nil, issues.ErrIssueNotFound
	}
	return m.read(id), nil
}

func (m *memStore) List(_ context.Context, q issues.ListQuery) ([]*issues.Issue, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*issues.Issue
	for id, issue := range m.issues {
		if q.Status != "" && string(issue.Status) != q.Status {
			continue
		}
		if q.Category != "" && string(issue.Category) != q.Category {
			continue
		}
		if q.CreatedBy != "" && issue.CreatedBy.String() != q.CreatedBy {
			continue
		}
		out = append(out, m.read(id))
	}

	sort.Slice(out, func(i, j int) bool {
		if q.Sort == string(issues.SortUpvotes) && out[i].Upvotes != out[j].Upvotes {
			return out[i].Upvotes > out[j].Upvotes
		}
		if q.Sort == string(issues.SortOldest) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	total := len(out)
	start := min(q.Offset(), total)
	end := min(start+q.Limit, total)
	return out[start:end], total, nil
}

func (m *memStore) Update(_ context.Context, id uuid.UUID, patch issues.Patch) (*issues.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	issue, ok := m.issues[id]
	if !ok {
		return nil, issues.ErrIssueNotFound
	}

	if patch.Title != nil {
		issue.Title = *patch.Title
	}
	if patch.Description != nil {
		issue.Description = *patch.Description
	}
	if patch.Category != nil {
		issue.Category = *patch.Category
	}
	if patch.Location != nil {
		issue.Location = *patch.Location
	}
	if patch.Priority != nil {
		issue.Priority = *patch.Priority
	}
	if patch.Tags != nil {
		issue.Tags = append([]string(nil), (*patch.Tags)...)
	}
	if patch.ImageURL != nil {
		issue.ImageURL = *patch.ImageURL
	}
	if patch.AssignedTo != nil {
		v := *patch.AssignedTo
		issue.AssignedTo = &v
	}
	issue.UpdatedAt = patch.UpdatedAt
	return m.read(id), nil
}

func (m *memStore) UpdateStatus(_ context.Context, id uuid.UUID, from, to issues.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	issue, ok := m.issues[id]
	if !ok || issue.Status != from {
		return false, nil
	}
	issue.Status = to
	return true, nil
}

func (m *memStore) AddUpvote(_ context.Context, id, userID uuid.UUID) (*issues.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	issue, ok := m.issues[id]
	if !ok {
		return nil, issues.ErrIssueNotFound
	}
	if _, dup := m.ledger[id][userID]; dup {
		return nil, issues.ErrAlreadyUpvoted
	}
	m.ledger[id][userID] = struct{}{}
	issue.Upvotes++
	return m.read(id), nil
}

func (m *memStore) Delete(_ context.Context, id uuid.UUID, untouched bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	issue, ok := m.issues[id]
	if !ok {
		return false, nil
	}
	if untouched && (issue.Status != issues.StatusOpen || issue.Upvotes > 0) {
		return false, nil
	}
	delete(m.issues, id)
	delete(m.ledger, id)
	return true, nil
}

// setStatus forces the stored status, simulating a concurrent writer
func (m *memStore) setStatus(id uuid.UUID, status issues.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues[id].Status = status
}

// forceUpvote bumps the counter and ledger without the policy check
func (m *memStore) forceUpvote(id, userID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger[id][userID] = struct{}{}
	m.issues[id].Upvotes++
}

func (m *memStore) read(id uuid.UUID) *issues.Issue {
	out := m.clone(m.issues[id])
	out.UpvotedBy = make([]uuid.UUID, 0, len(m.ledger[id]))
	for voter := range m.ledger[id] {
		out.UpvotedBy = append(out.UpvotedBy, voter)
	}
	if out.Tags == nil {
		out.Tags = []string{}
	}
	return out
}

func (m *memStore) clone(issue *issues.Issue) *issues.Issue {
	cp := *issue
	cp.Tags = append([]string(nil), issue.Tags...)
	cp.UpvotedBy = nil
	return &cp
}

type eventLog struct {
	mu     sync.Mutex
	events []auth.ActivityEvent
}

func (e *eventLog) Record(_ context.Context, event auth.ActivityEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func (e *eventLog) find(eventType auth.ActivityEventType) (auth.ActivityEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.EventType == eventType {
			return ev, true
		}
	}
	return auth.ActivityEvent{}, false
}

type fixture struct {
	store   *memStore
	events  *eventLog
	service *issues.Service

	clockMu sync.Mutex
	now     time.Time
}

func newFixture(t *testing.T, opts ...issues.Option) *fixture {
	t.Helper()

	f := &fixture{
		store:  newMemStore(),
		events: &eventLog{},
		now:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}

	clock := func() time.Time {
		f.clockMu.Lock()
		defer f.clockMu.Unlock()
		f.now = f.now.Add(time.Second)
		return f.now
	}

	opts = append([]issues.Option{
		issues.WithActivitySink(f.events),
		issues.WithClock(clock),
	}, opts...)

	f.service = issues.NewService(f.store, opts...)
	return f
}

func citizen() auth.Principal {
	return auth.Principal{ID: uuid.New(), Role: auth.RoleUser}
}

func citizenWithID(id uuid.UUID) auth.Principal {
	return auth.Principal{ID: id, Role: auth.RoleUser}
}

func admin() auth.Principal {
	return auth.Principal{ID: uuid.New(), Role: auth.RoleAdmin}
}

func validCreate() issues.CreateIssueMessage {
	return issues.CreateIssueMessage{
		Title:       "Pothole on Main St",
		Description: "A large pothole near the school entrance.",
		Category:    string(issues.CategoryRoads),
		Location:    "Main St & 3rd Ave",
	}
}

func (f *fixture) createIssue(t *testing.T, owner auth.Principal) *issues.Issue {
	t.Helper()
	issue, err := f.service.Create(t.Context(), owner, validCreate())
	if err != nil {
		t.Fatalf("create issue: %v", err)
	}
	return issue
}
