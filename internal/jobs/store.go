package jobs

import (
	"sync"
	"time"

	"promptstudio/internal/domain"
)

// Store is the in-memory registry of generation batches. All mutation goes
// through the store mutex so concurrent slot writes from independent pollers
// are serialized deterministically. Records accumulate for the lifetime of
// the process; there is no deletion path.
type Store struct {
	mu      sync.Mutex
	batches map[string]*domain.BatchRecord
	// dead marks slots that can never fill (submission failure, terminal
	// poll failure, timeout). A batch is naturally done when every slot is
	// either filled or dead.
	dead  map[string][]bool
	order []string
}

func NewStore() *Store {
	return &Store{
		batches: make(map[string]*domain.BatchRecord),
		dead:    make(map[string][]bool),
	}
}

// Create registers a new batch. The store owns the record from here on;
// callers read through snapshots.
func (s *Store) Create(rec *domain.BatchRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[rec.ID] = rec
	s.dead[rec.ID] = make([]bool, len(rec.Slots))
	s.order = append(s.order, rec.ID)
}

// Get returns a snapshot of the batch, if present.
func (s *Store) Get(id string) (domain.BatchRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.batches[id]
	if !ok {
		return domain.BatchRecord{}, false
	}
	return snapshot(rec), true
}

// ListByUser returns snapshots of the user's batches in creation order.
func (s *Store) ListByUser(userID string) []domain.BatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BatchRecord, 0, 4)
	for _, id := range s.order {
		rec := s.batches[id]
		if rec.UserID == userID {
			out = append(out, snapshot(rec))
		}
	}
	return out
}

// SetStatus updates the human-readable status line. Completed batches are
// left untouched.
func (s *Store) SetStatus(id, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.batches[id]
	if !ok || rec.Completed {
		return
	}
	rec.Status = status
}

// SetError records the last failure message. An error does not by itself
// complete the batch; sibling pollers keep running.
func (s *Store) SetError(id, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.batches[id]
	if !ok || rec.Completed {
		return
	}
	rec.Error = msg
}

// FillSlot writes a finished item into its slot. It reports whether the
// write left no pending slots (every slot filled or dead), which is the
// natural-completion trigger. Writes to completed batches, filled slots, or
// out-of-range indices are rejected.
func (s *Store) FillSlot(id string, idx int, item domain.GeneratedItem) (lastSlot bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.batches[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if rec.Completed {
		return false, domain.ErrBatchCompleted
	}
	if idx < 0 || idx >= len(rec.Slots) {
		return false, domain.ErrNotFound
	}
	if rec.Slots[idx] != nil {
		return false, nil
	}
	stored := item
	rec.Slots[idx] = &stored
	return s.noPendingLocked(id), nil
}

// MarkSlotFailed flags a slot as permanently empty. It reports whether the
// batch has no pending slots left and whether any slot holds a result.
func (s *Store) MarkSlotFailed(id string, idx int) (allDone, anyFilled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.batches[id]
	if !ok || rec.Completed {
		return false, false
	}
	if flags := s.dead[id]; idx >= 0 && idx < len(flags) {
		flags[idx] = true
	}
	return s.noPendingLocked(id), hasResultLocked(rec)
}

// Finalize flips the batch to completed exactly once and reports whether
// the caller won the latch. Only the winner may persist results, which
// closes the double-flush race between a timeout path and a late natural
// completion. The final status is derived here so it cannot disagree with
// the slot contents.
func (s *Store) Finalize(id string) (domain.BatchRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.batches[id]
	if !ok || rec.Completed {
		return domain.BatchRecord{}, false
	}
	rec.Completed = true
	rec.ElapsedTime = time.Since(rec.StartTime)
	filled := 0
	for _, slot := range rec.Slots {
		if slot != nil {
			filled++
		}
	}
	switch {
	case filled == len(rec.Slots):
		rec.Status = domain.BatchStatusCompleted
	case filled > 0:
		rec.Status = domain.BatchStatusPartial
	default:
		rec.Status = domain.BatchStatusError
	}
	return snapshot(rec), true
}

func (s *Store) noPendingLocked(id string) bool {
	rec := s.batches[id]
	flags := s.dead[id]
	for i, slot := range rec.Slots {
		if slot == nil && (i >= len(flags) || !flags[i]) {
			return false
		}
	}
	return true
}

func hasResultLocked(rec *domain.BatchRecord) bool {
	for _, slot := range rec.Slots {
		if slot != nil {
			return true
		}
	}
	return false
}

// Tick refreshes ElapsedTime on all incomplete batches.
func (s *Store) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.batches {
		if !rec.Completed {
			rec.ElapsedTime = now.Sub(rec.StartTime)
		}
	}
}

func snapshot(rec *domain.BatchRecord) domain.BatchRecord {
	out := *rec
	out.Slots = make([]*domain.GeneratedItem, len(rec.Slots))
	for i, slot := range rec.Slots {
		if slot != nil {
			item := *slot
			out.Slots[i] = &item
		}
	}
	return out
}
