package domain

import "time"

// BatchStatus values are free-form human readable strings surfaced to the
// portal UI. The well-known phases are listed here; pollers may append
// service-specific progress labels.
const (
	BatchStatusSubmitting = "submitting"
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusPartial    = "partial"
	BatchStatusError      = "error"
)

// Workflow labels recognized by the portal.
const (
	WorkflowNoReference = "no-reference"
	WorkflowReference   = "reference"
	WorkflowVideo       = "video"
)

// GeneratedItem is one finished output occupying a slot.
type GeneratedItem struct {
	URL        string
	Seed       string
	PipelineID string
	IsVideo    bool
}

// GenerationParams are the shared inputs for every slot in a batch.
type GenerationParams struct {
	Prompt       string
	Style        string
	AspectRatio  string
	Workflow     string
	Strength     float64
	Seed         int64 // -1 lets the service pick per submission
	ReferenceURL string
	PipelineID   string
	IsVideo      bool
}

// BatchRecord is the aggregate state of one user-triggered generation batch.
// Slots has length TotalSlots for the whole lifetime of the record; a nil
// entry is a slot still waiting for its result.
type BatchRecord struct {
	ID          string
	UserID      string
	Status      string
	TotalSlots  int
	Slots       []*GeneratedItem
	Completed   bool
	Error       string
	Params      GenerationParams
	StartTime   time.Time
	ElapsedTime time.Duration
}

// FilledSlots returns the populated slots in slot order.
func (b *BatchRecord) FilledSlots() []GeneratedItem {
	items := make([]GeneratedItem, 0, len(b.Slots))
	for _, slot := range b.Slots {
		if slot != nil {
			items = append(items, *slot)
		}
	}
	return items
}

// HasResult reports whether at least one slot holds an item.
func (b *BatchRecord) HasResult() bool {
	for _, slot := range b.Slots {
		if slot != nil {
			return true
		}
	}
	return false
}
