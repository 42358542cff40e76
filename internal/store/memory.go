package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/livinglabs/livelab/internal/pkg/errors"
)

// MemoryStore keeps everything in memory (for testing and dry runs).
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]User
	queries map[string]Query
	runs    map[string]Run
	// byOwner maps user ID + query ID to a run ID.
	byOwner map[[2]string]string
	lastEnd time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]User),
		queries: make(map[string]Query),
		runs:    make(map[string]Run),
		byOwner: make(map[[2]string]string),
	}
}

func (m *MemoryStore) ListActiveRuns(ctx context.Context) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]Run, 0, len(m.runs))
	for _, r := range m.runs {
		if q, ok := m.queries[r.QueryID]; ok && q.Deleted {
			continue
		}
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs, nil
}

func (m *MemoryStore) GetQuery(ctx context.Context, id string) (*Query, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.queries[id]
	if !ok {
		return nil, apperrors.NotFoundError("query " + id)
	}
	return copyQuery(q), nil
}

func (m *MemoryStore) GetUser(ctx context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, apperrors.NotFoundError("user " + id)
	}
	return &u, nil
}

func (m *MemoryStore) DeleteRun(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.runs[id]
	if !ok {
		return apperrors.NotFoundError("run " + id)
	}
	delete(m.runs, id)
	delete(m.byOwner, [2]string{r.UserID, r.QueryID})
	return nil
}

func (m *MemoryStore) PutUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return apperrors.ValidationError("user ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.users[u.ID] = u
	return nil
}

func (m *MemoryStore) PutQuery(ctx context.Context, q Query) error {
	if q.ID == "" {
		return apperrors.ValidationError("query ID is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.queries[q.ID] = *copyQuery(q)
	return nil
}

func (m *MemoryStore) SubmitRun(ctx context.Context, r Run) (Run, error) {
	if r.UserID == "" || r.QueryID == "" {
		return Run{}, apperrors.ValidationError("run needs a user and a query")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := [2]string{r.UserID, r.QueryID}
	if id, ok := m.byOwner[key]; ok {
		stored := m.runs[id]
		if r.ModifiedTime.After(stored.ModifiedTime) {
			stored.ModifiedTime = r.ModifiedTime
			m.runs[id] = stored
		}
		return stored, nil
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, taken := m.runs[r.ID]; taken {
		return Run{}, apperrors.ValidationError("run ID " + r.ID + " belongs to another user or query")
	}
	m.runs[r.ID] = r
	m.byOwner[key] = r.ID
	return r, nil
}

func (m *MemoryStore) TouchDoclist(ctx context.Context, queryID string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queries[queryID]
	if !ok {
		return apperrors.NotFoundError("query " + queryID)
	}
	q.DoclistModified = &t
	m.queries[queryID] = q
	return nil
}

func (m *MemoryStore) SetQueryDeleted(ctx context.Context, queryID string, deleted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.queries[queryID]
	if !ok {
		return apperrors.NotFoundError("query " + queryID)
	}
	q.Deleted = deleted
	m.queries[queryID] = q
	return nil
}

func (m *MemoryStore) LastSweepEnd(ctx context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastEnd, nil
}

func (m *MemoryStore) SetLastSweepEnd(ctx context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.After(m.lastEnd) {
		m.lastEnd = t
	}
	return nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error {
	return nil
}

// copyQuery detaches the DoclistModified pointer from the stored value.
func copyQuery(q Query) *Query {
	if q.DoclistModified != nil {
		t := *q.DoclistModified
		q.DoclistModified = &t
	}
	return &q
}
