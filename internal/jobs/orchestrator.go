package jobs

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"promptstudio/internal/domain"
	"promptstudio/internal/infra"
	"promptstudio/internal/providers/pipeline"
)

// SubmitClient is the slice of the pipeline client the orchestrator needs.
type SubmitClient interface {
	StatusClient
	Submit(ctx context.Context, req pipeline.SubmitRequest) (string, error)
	DefaultPipelineID() string
}

// Orchestrator turns one generate action into a batch record plus one
// independent submission and poller per slot.
type Orchestrator struct {
	client SubmitClient
	store  *Store
	repo   domain.GenerationRepository
	logger infra.Logger
	cfg    PollConfig

	// ctx outlives individual HTTP requests; pollers are detached from the
	// request that spawned them and die with the process instead.
	ctx context.Context
	wg  sync.WaitGroup

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewOrchestrator(ctx context.Context, client SubmitClient, store *Store, repo domain.GenerationRepository, logger infra.Logger, cfg PollConfig) *Orchestrator {
	return &Orchestrator{
		client:  client,
		store:   store,
		repo:    repo,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		ctx:     ctx,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Submit creates the batch and fans out totalSlots submissions, each with an
// independent seed resolution: an explicit seed is forwarded verbatim to
// every slot, otherwise each submission asks the service for its own random
// one. Distinct seeds across slots are not guaranteed beyond that.
func (o *Orchestrator) Submit(userID string, params domain.GenerationParams, totalSlots int) (string, error) {
	switch totalSlots {
	case 1, 2, 4:
	default:
		return "", domain.ErrInvalidSlotCount
	}
	if params.Workflow == domain.WorkflowReference && params.ReferenceURL == "" {
		return "", domain.ErrReferenceRequired
	}
	if params.Seed <= 0 {
		params.Seed = -1
	}
	if params.PipelineID == "" {
		params.PipelineID = o.client.DefaultPipelineID()
	}

	rec := &domain.BatchRecord{
		ID:         uuid.NewString(),
		UserID:     userID,
		Status:     domain.BatchStatusSubmitting,
		TotalSlots: totalSlots,
		Slots:      make([]*domain.GeneratedItem, totalSlots),
		Params:     params,
		StartTime:  time.Now(),
	}
	o.store.Create(rec)

	batchCtx, cancel := context.WithCancel(o.ctx)
	o.mu.Lock()
	o.cancels[rec.ID] = cancel
	o.mu.Unlock()

	for slot := 0; slot < totalSlots; slot++ {
		o.wg.Add(1)
		go func(slot int) {
			defer o.wg.Done()
			o.runSlot(batchCtx, rec.ID, slot, params)
		}(slot)
	}

	o.logger.Info().
		Str("batch_id", rec.ID).
		Str("user_id", userID).
		Int("slots", totalSlots).
		Bool("video", params.IsVideo).
		Msg("orchestrator: batch submitted")
	return rec.ID, nil
}

// Cancel tears down all pollers of a batch. Manual cancellation does not
// flush partial results; only the timeout paths do.
func (o *Orchestrator) Cancel(batchID string) error {
	o.mu.Lock()
	cancel, ok := o.cancels[batchID]
	if ok {
		delete(o.cancels, batchID)
	}
	o.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}
	cancel()
	o.logger.Info().Str("batch_id", batchID).Msg("orchestrator: batch cancelled")
	return nil
}

// release detaches a finished batch's child context from the orchestrator
// context. Without it every completed batch would keep a live cancel func
// registered for the process lifetime.
func (o *Orchestrator) release(batchID string) {
	o.mu.Lock()
	cancel, ok := o.cancels[batchID]
	if ok {
		delete(o.cancels, batchID)
	}
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// RunTicker refreshes elapsed time on incomplete batches until ctx ends.
func (o *Orchestrator) RunTicker(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			o.store.Tick(now)
		}
	}
}

// Wait blocks until all pollers have terminated. Used on shutdown.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) runSlot(ctx context.Context, batchID string, slot int, params domain.GenerationParams) {
	jobID, err := o.client.Submit(ctx, pipeline.SubmitRequest{
		PipelineID:   params.PipelineID,
		Prompt:       params.Prompt,
		AspectRatio:  params.AspectRatio,
		ReferenceURL: params.ReferenceURL,
		IsVideo:      params.IsVideo,
		Style:        params.Style,
		Strength:     params.Strength,
		Seed:         params.Seed,
	})
	if err != nil {
		// The slot never enters polling and stays permanently empty; no
		// automatic retry.
		o.store.SetError(batchID, "submission failed: "+err.Error())
		o.logger.Error().Err(err).
			Str("batch_id", batchID).
			Int("slot", slot).
			Msg("orchestrator: submission failed")
		allDone, anyFilled := o.store.MarkSlotFailed(batchID, slot)
		if anyFilled || allDone {
			o.finalize(batchID)
		}
		return
	}
	o.store.SetStatus(batchID, domain.BatchStatusProcessing)

	p := &poller{
		client:   o.client,
		store:    o.store,
		logger:   o.logger,
		cfg:      o.cfg,
		batchID:  batchID,
		slot:     slot,
		jobID:    jobID,
		finalize: o.finalize,
	}
	outcome := p.run(ctx)
	o.logger.Debug().
		Str("batch_id", batchID).
		Int("slot", slot).
		Str("job_id", jobID).
		Str("outcome", string(outcome)).
		Msg("orchestrator: slot finished")
}

// finalize runs at most once per batch; the store latch picks the winner.
// Persistence failures are logged as a non-fatal notice and never touch the
// in-memory record.
func (o *Orchestrator) finalize(batchID string) {
	rec, won := o.store.Finalize(batchID)
	if !won {
		return
	}
	// The latch is closed; any poller still running for this batch would
	// only have its writes rejected, so stop them now.
	o.release(batchID)
	items := rec.FilledSlots()
	o.logger.Info().
		Str("batch_id", batchID).
		Str("status", rec.Status).
		Int("filled", len(items)).
		Int("total", rec.TotalSlots).
		Msg("orchestrator: batch finalized")
	if len(items) == 0 {
		return
	}
	records := make([]domain.GeneratedRecord, 0, len(items))
	for _, item := range items {
		records = append(records, recordForItem(rec, item))
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), 15*time.Second)
	defer cancel()
	if err := o.repo.SaveAll(ctx, records); err != nil {
		o.logger.Warn().Err(err).
			Str("batch_id", batchID).
			Int("records", len(records)).
			Msg("orchestrator: persisting generated items failed")
	}
}

func recordForItem(rec domain.BatchRecord, item domain.GeneratedItem) domain.GeneratedRecord {
	workflow := rec.Params.Workflow
	if item.IsVideo {
		workflow = domain.WorkflowVideo
	}
	seed := item.Seed
	if seed == "" && rec.Params.Seed > 0 {
		seed = strconv.FormatInt(rec.Params.Seed, 10)
	}
	pipelineID := item.PipelineID
	if pipelineID == "" {
		pipelineID = rec.Params.PipelineID
	}
	return domain.GeneratedRecord{
		UserID:     rec.UserID,
		URL:        item.URL,
		Prompt:     rec.Params.Prompt,
		Style:      rec.Params.Style,
		Ratio:      rec.Params.AspectRatio,
		Strength:   rec.Params.Strength,
		Seed:       seed,
		PipelineID: pipelineID,
		Workflow:   workflow,
		IsVideo:    item.IsVideo,
	}
}
