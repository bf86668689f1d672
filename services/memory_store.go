package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gifconv/models"
)

// MemoryStore keeps conversion records in process memory. Each update runs
// under one lock, which gives it the same find-and-update atomicity as the
// conditional UPDATE in DatabaseService.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*models.Conversion
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.Conversion), now: time.Now}
}

func (m *MemoryStore) Create(ctx context.Context, c *models.Conversion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[c.ID]; ok {
		return fmt.Errorf("conversion %s already exists", c.ID)
	}
	if c.Status == "" {
		c.Status = models.StatusPending
	}
	now := m.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	stored := *c
	m.records[c.ID] = &stored
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Conversion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.records[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (m *MemoryStore) ListByOwner(ctx context.Context, ownerID string, limit int) ([]models.Conversion, error) {
	if limit <= 0 {
		limit = 50
	}

	m.mu.Lock()
	var out []models.Conversion
	for _, c := range m.records {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) FindAndUpdate(ctx context.Context, id string, u models.RecordUpdate) (*models.Conversion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.records[id]
	if !ok {
		return nil, models.ErrNotFound
	}

	next := *c
	if err := next.Apply(u, m.now().UTC()); err != nil {
		return nil, fmt.Errorf("%w: %s -> %s", err, c.Status, u.TargetStatus())
	}
	*c = next

	out := next
	return &out, nil
}
