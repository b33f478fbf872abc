package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/umanagarjuna/content-cache/internal/content/domain"
)

// MemoryRepository is used when no database is configured. Its contents
// do not survive a restart.
type MemoryRepository struct {
	mu     sync.Mutex
	nextID int64
	items  map[string]domain.FailedItem
	now    func() time.Time
}

var _ FailedItemRepository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		items: make(map[string]domain.FailedItem),
		now:   time.Now,
	}
}

func (r *MemoryRepository) Record(_ context.Context, jobID string, errs []domain.JobError) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, item := range toFailedItems(jobID, errs, r.now()) {
		if old, ok := r.items[item.ContentID]; ok {
			item.ID = old.ID
		} else {
			r.nextID++
			item.ID = r.nextID
		}
		r.items[item.ContentID] = item
	}
	return nil
}

func (r *MemoryRepository) List(_ context.Context, limit int) ([]domain.FailedItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.FailedItem, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.After(out[j].FailedAt)
		}
		return out[i].ID > out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Clear(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.items)
	r.items = make(map[string]domain.FailedItem)
	return n, nil
}
