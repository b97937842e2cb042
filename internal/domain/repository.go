package domain

import "context"

// GenerationRepository persists completed generations and serves the
// history view.
type GenerationRepository interface {
	SaveAll(ctx context.Context, records []GeneratedRecord) error
	ListByUser(ctx context.Context, userID string, limit int) ([]HistoryRow, error)
	CountToday(ctx context.Context, userID string) (int, error)
}
