package domain

import "time"

// HistoryRow is one persisted generation as it comes back from storage,
// before normalization. IsVideo is deliberately loose: rows written by other
// portal clients have carried it as a boolean, a string or a number.
type HistoryRow struct {
	ID        string
	URL       string
	Prompt    string
	Style     string
	Ratio     string
	Workflow  string
	IsVideo   any
	CreatedAt time.Time
}

// HistoryItem is a normalized, display-ready generation record.
type HistoryItem struct {
	ID        string
	ImageURL  string
	Prompt    string
	Style     string
	Ratio     string
	Workflow  string
	IsVideo   bool
	CreatedAt time.Time
}

// GeneratedRecord is the persistence shape for one completed slot.
type GeneratedRecord struct {
	UserID     string
	URL        string
	Prompt     string
	Style      string
	Ratio      string
	Strength   float64
	Seed       string
	PipelineID string
	Workflow   string
	IsVideo    bool
}
