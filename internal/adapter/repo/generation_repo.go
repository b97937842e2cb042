package repo

import (
	"context"
	"fmt"

	"promptstudio/internal/domain"
	"promptstudio/internal/infra"
	"promptstudio/internal/sqlinline"
)

// GenerationRepositoryPG implements domain.GenerationRepository on top of
// the generated_images table.
type GenerationRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewGenerationRepository creates a repository backed by PostgreSQL.
func NewGenerationRepository(sql infra.SQLExecutor) *GenerationRepositoryPG {
	return &GenerationRepositoryPG{sql: sql}
}

// SaveAll inserts one row per completed slot. Rows are written
// independently so a single bad row does not lose its siblings; the first
// failure is reported after the remaining rows were attempted.
func (r *GenerationRepositoryPG) SaveAll(ctx context.Context, records []domain.GeneratedRecord) error {
	var firstErr error
	for _, rec := range records {
		_, err := r.sql.Exec(ctx, sqlinline.QInsertGeneratedImage,
			rec.UserID,
			rec.URL,
			rec.Prompt,
			rec.Style,
			rec.Ratio,
			rec.Strength,
			rec.Seed,
			rec.PipelineID,
			rec.Workflow,
			rec.IsVideo,
		)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("insert generated image: %w", err)
		}
	}
	return firstErr
}

// ListByUser fetches the raw history rows, newest first. The is_video value
// is scanned loosely; normalization happens in the history reconciler.
func (r *GenerationRepositoryPG) ListByUser(ctx context.Context, userID string, limit int) ([]domain.HistoryRow, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.sql.Query(ctx, sqlinline.QListGeneratedImages, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.HistoryRow
	for rows.Next() {
		var row domain.HistoryRow
		if err := rows.Scan(
			&row.ID,
			&row.URL,
			&row.Prompt,
			&row.Style,
			&row.Ratio,
			&row.Workflow,
			&row.IsVideo,
			&row.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// CountToday returns how many generations the user persisted since midnight,
// used for the daily quota precondition.
func (r *GenerationRepositoryPG) CountToday(ctx context.Context, userID string) (int, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QCountGeneratedToday, userID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

var _ domain.GenerationRepository = (*GenerationRepositoryPG)(nil)
