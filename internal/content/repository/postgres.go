package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/umanagarjuna/content-cache/internal/content/domain"
)

const schema = `
        CREATE TABLE IF NOT EXISTS failed_items (
            id         BIGSERIAL PRIMARY KEY,
            job_id     TEXT NOT NULL,
            content_id TEXT NOT NULL UNIQUE,
            error      TEXT NOT NULL,
            failed_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
        )`

type PostgresRepository struct {
	db *sqlx.DB
}

var _ FailedItemRepository = (*PostgresRepository)(nil)

func NewPostgresRepository(db *sqlx.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create failed_items table: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Record(ctx context.Context, jobID string,
	errs []domain.JobError) error {

	rows := toFailedItems(jobID, errs, time.Now())
	if len(rows) == 0 {
		return nil
	}

	query := `
        INSERT INTO failed_items (job_id, content_id, error, failed_at)
        VALUES (:job_id, :content_id, :error, :failed_at)
        ON CONFLICT (content_id) DO UPDATE
        SET job_id = EXCLUDED.job_id,
            error = EXCLUDED.error,
            failed_at = EXCLUDED.failed_at`

	if _, err := r.db.NamedExecContext(ctx, query, rows); err != nil {
		return fmt.Errorf("failed to record failed items: %w", err)
	}
	return nil
}

func (r *PostgresRepository) List(ctx context.Context, limit int) (
	[]domain.FailedItem, error) {

	if limit <= 0 {
		limit = 100
	}

	var items []domain.FailedItem
	query := `
        SELECT id, job_id, content_id, error, failed_at
        FROM failed_items
        ORDER BY failed_at DESC, id DESC
        LIMIT $1`

	if err := r.db.SelectContext(ctx, &items, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list failed items: %w", err)
	}
	return items, nil
}

func (r *PostgresRepository) Clear(ctx context.Context) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM failed_items`)
	if err != nil {
		return 0, fmt.Errorf("failed to clear failed items: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return int(n), nil
}

// toFailedItems drops synthetic job-level entries, which name no item, and
// keeps the last error per content id.
func toFailedItems(jobID string, errs []domain.JobError, now time.Time) []domain.FailedItem {
	index := make(map[string]int, len(errs))
	var rows []domain.FailedItem
	for _, e := range errs {
		if e.ContentID == "" || e.ContentID == domain.SystemContentID {
			continue
		}
		item := domain.FailedItem{
			JobID:     jobID,
			ContentID: e.ContentID,
			Error:     e.Error,
			FailedAt:  now,
		}
		if i, ok := index[e.ContentID]; ok {
			rows[i] = item
			continue
		}
		index[e.ContentID] = len(rows)
		rows = append(rows, item)
	}
	return rows
}
