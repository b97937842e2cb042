package jobs

import (
	"context"
	"time"

	"promptstudio/internal/domain"
	"promptstudio/internal/infra"
	"promptstudio/internal/providers/pipeline"
)

// Outcome is the terminal state of one slot's polling loop.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomePartialTimeout Outcome = "partial_timeout"
	OutcomeStuckTimeout   Outcome = "stuck_timeout"
	OutcomeGlobalTimeout  Outcome = "global_timeout"
	OutcomeError          Outcome = "error"
	OutcomeCancelled      Outcome = "cancelled"
)

// StatusClient is the slice of the pipeline client a poller needs.
type StatusClient interface {
	Status(ctx context.Context, jobID string) (pipeline.JobState, error)
}

// PollConfig tunes the three independent give-up mechanisms. They catch
// different pathologies: MaxAttempts bounds slow-but-moving jobs, StuckWindow
// bounds jobs whose reported status stops changing, GlobalTimeout is a hard
// wall-clock ceiling for runaway jobs.
type PollConfig struct {
	Interval      time.Duration
	MaxAttempts   int
	StuckWindow   time.Duration
	GlobalTimeout time.Duration
}

// DefaultPollConfig mirrors the portal's production tuning: a 5s interval,
// 90 attempts, a 3 minute no-progress window and a 180s hard ceiling.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		Interval:      5 * time.Second,
		MaxAttempts:   90,
		StuckWindow:   3 * time.Minute,
		GlobalTimeout: 180 * time.Second,
	}
}

func (c PollConfig) withDefaults() PollConfig {
	d := DefaultPollConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.StuckWindow <= 0 {
		c.StuckWindow = d.StuckWindow
	}
	if c.GlobalTimeout <= 0 {
		c.GlobalTimeout = d.GlobalTimeout
	}
	return c
}

// poller drives one (batch, slot, external job id) unit to a terminal state.
// Its bookkeeping is slot-local and dies with it; everything shared lives in
// the store.
type poller struct {
	client   StatusClient
	store    *Store
	logger   infra.Logger
	cfg      PollConfig
	batchID  string
	slot     int
	jobID    string
	finalize func(batchID string)
}

// run polls until terminal. Cancellation of ctx stops the loop without
// flushing partial results; the timeout paths do flush when any sibling
// slot already holds a result.
func (p *poller) run(ctx context.Context) Outcome {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	guard := time.NewTimer(p.cfg.GlobalTimeout)
	defer guard.Stop()

	attempts := 0
	lastStatus := ""
	lastChange := time.Now()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug().
				Str("batch_id", p.batchID).
				Int("slot", p.slot).
				Str("job_id", p.jobID).
				Msg("poller: cancelled")
			return OutcomeCancelled
		case <-guard.C:
			return p.giveUp(OutcomeGlobalTimeout, "generation exceeded the time limit")
		case now := <-ticker.C:
			state, err := p.client.Status(ctx, p.jobID)
			attempts++
			if err != nil {
				if ctx.Err() != nil {
					return OutcomeCancelled
				}
				// Transport blips are not terminal; a persistent outage
				// runs into the stuck window or the attempt ceiling.
				p.logger.Warn().Err(err).
					Str("batch_id", p.batchID).
					Str("job_id", p.jobID).
					Int("attempt", attempts).
					Msg("poller: status check failed")
			} else if state.Succeeded() {
				return p.complete(state)
			} else if state.Failed() {
				return p.fail(state)
			} else {
				if state.Status != lastStatus {
					lastStatus = state.Status
					lastChange = now
					p.store.SetStatus(p.batchID, domain.BatchStatusProcessing+": "+state.Status)
				}
			}
			if attempts >= p.cfg.MaxAttempts {
				return p.giveUp(OutcomePartialTimeout, "generation did not finish in time")
			}
			if now.Sub(lastChange) > p.cfg.StuckWindow {
				return p.giveUp(OutcomeStuckTimeout, "generation stopped making progress")
			}
		}
	}
}

func (p *poller) complete(state pipeline.JobState) Outcome {
	item := domain.GeneratedItem{
		URL:        state.OutputURL,
		Seed:       state.Seed,
		PipelineID: state.PipelineID,
	}
	rec, ok := p.store.Get(p.batchID)
	if ok {
		item.IsVideo = rec.Params.IsVideo
	}
	if item.PipelineID == "" && ok {
		item.PipelineID = rec.Params.PipelineID
	}
	lastSlot, err := p.store.FillSlot(p.batchID, p.slot, item)
	if err != nil {
		// A late result after a timeout flush; the latch already closed
		// the batch, so this write is a no-op.
		p.logger.Debug().Err(err).
			Str("batch_id", p.batchID).
			Int("slot", p.slot).
			Msg("poller: slot write rejected")
		return OutcomeCompleted
	}
	p.logger.Info().
		Str("batch_id", p.batchID).
		Int("slot", p.slot).
		Str("job_id", p.jobID).
		Msg("poller: slot completed")
	if lastSlot {
		p.finalize(p.batchID)
	}
	return OutcomeCompleted
}

func (p *poller) fail(state pipeline.JobState) Outcome {
	msg := state.Message
	if msg == "" {
		msg = "generation failed"
	}
	p.store.SetError(p.batchID, msg)
	p.logger.Warn().
		Str("batch_id", p.batchID).
		Int("slot", p.slot).
		Str("job_id", p.jobID).
		Str("status", state.Status).
		Msg("poller: execution failed")
	// A failed sibling never discards results other slots already earned:
	// flush the partial set right away, and close the batch as failed when
	// this was the last pending slot and nothing ever succeeded.
	allDone, anyFilled := p.store.MarkSlotFailed(p.batchID, p.slot)
	if anyFilled || allDone {
		p.finalize(p.batchID)
	}
	return OutcomeError
}

// giveUp resolves the three timeout flavors: flush whatever is already
// filled when at least one slot succeeded, otherwise the batch failed.
func (p *poller) giveUp(outcome Outcome, msg string) Outcome {
	allDone, anyFilled := p.store.MarkSlotFailed(p.batchID, p.slot)
	if anyFilled {
		p.logger.Warn().
			Str("batch_id", p.batchID).
			Int("slot", p.slot).
			Str("outcome", string(outcome)).
			Msg("poller: gave up with partial results")
		p.finalize(p.batchID)
		return outcome
	}
	p.store.SetError(p.batchID, msg)
	if allDone {
		p.finalize(p.batchID)
	}
	p.logger.Error().
		Str("batch_id", p.batchID).
		Int("slot", p.slot).
		Str("outcome", string(outcome)).
		Msg("poller: gave up with no results")
	return OutcomeError
}
