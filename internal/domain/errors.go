package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrReferenceRequired = errors.New("reference image required")
	ErrInvalidSlotCount  = errors.New("slot count must be 1, 2 or 4")
	ErrBatchCompleted    = errors.New("batch already completed")
)
