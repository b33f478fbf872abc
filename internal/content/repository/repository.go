package repository

import (
	"context"

	"github.com/umanagarjuna/content-cache/internal/content/domain"
)

// FailedItemRepository keeps the items warm-up jobs could not fetch, one
// row per content id, so they can be listed and retried later.
type FailedItemRepository interface {
	Record(ctx context.Context, jobID string, errs []domain.JobError) error
	List(ctx context.Context, limit int) ([]domain.FailedItem, error)
	Clear(ctx context.Context) (int, error)
}
