package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"promptstudio/internal/domain"
	"promptstudio/internal/providers/pipeline"
)

// jobScript drives one submitted execution through a fixed status sequence;
// the last state repeats once the sequence is exhausted.
type jobScript struct {
	submitErr error
	statusErr error
	states    []pipeline.JobState

	calls int
}

// scriptedClient hands out scripts in submission order. Slots share identical
// parameters, so which goroutine draws which script does not matter.
type scriptedClient struct {
	mu      sync.Mutex
	scripts []*jobScript
	perJob  map[string]*jobScript
	next    int

	submissions []pipeline.SubmitRequest
}

func newScriptedClient(scripts ...*jobScript) *scriptedClient {
	return &scriptedClient{scripts: scripts, perJob: make(map[string]*jobScript)}
}

func (c *scriptedClient) DefaultPipelineID() string { return "flux-general" }

func (c *scriptedClient) Submit(ctx context.Context, req pipeline.SubmitRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.next >= len(c.scripts) {
		return "", errors.New("no script left")
	}
	script := c.scripts[c.next]
	c.next++
	c.submissions = append(c.submissions, req)
	if script.submitErr != nil {
		return "", script.submitErr
	}
	jobID := fmt.Sprintf("job-%d", c.next)
	c.perJob[jobID] = script
	return jobID, nil
}

func (c *scriptedClient) Status(ctx context.Context, jobID string) (pipeline.JobState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	script, ok := c.perJob[jobID]
	if !ok {
		return pipeline.JobState{}, errors.New("unknown job")
	}
	script.calls++
	if script.statusErr != nil {
		return pipeline.JobState{}, script.statusErr
	}
	idx := script.calls - 1
	if idx >= len(script.states) {
		idx = len(script.states) - 1
	}
	return script.states[idx], nil
}

type capturingRepo struct {
	mu    sync.Mutex
	saves [][]domain.GeneratedRecord
}

func (r *capturingRepo) SaveAll(ctx context.Context, records []domain.GeneratedRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cloned := make([]domain.GeneratedRecord, len(records))
	copy(cloned, records)
	r.saves = append(r.saves, cloned)
	return nil
}

func (r *capturingRepo) ListByUser(ctx context.Context, userID string, limit int) ([]domain.HistoryRow, error) {
	return nil, nil
}

func (r *capturingRepo) CountToday(ctx context.Context, userID string) (int, error) {
	return 0, nil
}

func (r *capturingRepo) saveCalls() [][]domain.GeneratedRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

func testPollConfig() PollConfig {
	return PollConfig{
		Interval:      2 * time.Millisecond,
		MaxAttempts:   50,
		StuckWindow:   time.Second,
		GlobalTimeout: time.Second,
	}
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func processing() pipeline.JobState {
	return pipeline.JobState{Status: "processing"}
}

func completed(url string) pipeline.JobState {
	return pipeline.JobState{Status: "completed", OutputURL: url, Seed: "777"}
}

func failed(msg string) pipeline.JobState {
	return pipeline.JobState{Status: "failed", Message: msg}
}

func TestSubmitValidatesSlotCount(t *testing.T) {
	o := NewOrchestrator(context.Background(), newScriptedClient(), NewStore(), &capturingRepo{}, testLogger(), testPollConfig())
	for _, n := range []int{0, 3, 5, -1} {
		if _, err := o.Submit("user-1", domain.GenerationParams{Prompt: "p"}, n); !errors.Is(err, domain.ErrInvalidSlotCount) {
			t.Fatalf("quantity %d: err = %v, want ErrInvalidSlotCount", n, err)
		}
	}
}

func TestSubmitRequiresReferenceURL(t *testing.T) {
	o := NewOrchestrator(context.Background(), newScriptedClient(), NewStore(), &capturingRepo{}, testLogger(), testPollConfig())
	_, err := o.Submit("user-1", domain.GenerationParams{Prompt: "p", Workflow: domain.WorkflowReference}, 1)
	if !errors.Is(err, domain.ErrReferenceRequired) {
		t.Fatalf("err = %v, want ErrReferenceRequired", err)
	}
}

func TestBatchCompletesAcrossSlots(t *testing.T) {
	scripts := make([]*jobScript, 4)
	for i := range scripts {
		scripts[i] = &jobScript{states: []pipeline.JobState{
			processing(),
			processing(),
			completed(fmt.Sprintf("https://cdn.test/out-%d.png", i)),
		}}
	}
	client := newScriptedClient(scripts...)
	store := NewStore()
	repo := &capturingRepo{}
	o := NewOrchestrator(context.Background(), client, store, repo, testLogger(), testPollConfig())

	batchID, err := o.Submit("user-1", domain.GenerationParams{Prompt: "p", Workflow: domain.WorkflowNoReference}, 4)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Wait()

	rec, ok := store.Get(batchID)
	if !ok {
		t.Fatalf("batch missing")
	}
	if rec.Status != domain.BatchStatusCompleted {
		t.Fatalf("status = %q, want completed", rec.Status)
	}
	if got := len(rec.FilledSlots()); got != 4 {
		t.Fatalf("filled = %d, want 4", got)
	}
	saves := repo.saveCalls()
	if len(saves) != 1 {
		t.Fatalf("SaveAll calls = %d, want exactly 1", len(saves))
	}
	if len(saves[0]) != 4 {
		t.Fatalf("persisted records = %d, want 4", len(saves[0]))
	}
	for _, r := range saves[0] {
		if r.UserID != "user-1" || r.URL == "" || r.Workflow != domain.WorkflowNoReference {
			t.Fatalf("bad record: %#v", r)
		}
	}
}

func TestFailedSlotKeepsSiblingResult(t *testing.T) {
	client := newScriptedClient(
		&jobScript{states: []pipeline.JobState{failed("gpu pool exhausted")}},
		&jobScript{states: []pipeline.JobState{processing(), processing(), completed("https://cdn.test/win.png")}},
	)
	store := NewStore()
	repo := &capturingRepo{}
	o := NewOrchestrator(context.Background(), client, store, repo, testLogger(), testPollConfig())

	batchID, err := o.Submit("user-1", domain.GenerationParams{Prompt: "p"}, 2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Wait()

	rec, _ := store.Get(batchID)
	if rec.Status != domain.BatchStatusPartial {
		t.Fatalf("status = %q, want partial", rec.Status)
	}
	if rec.Error != "gpu pool exhausted" {
		t.Fatalf("error = %q, want the provider message", rec.Error)
	}
	saves := repo.saveCalls()
	if len(saves) != 1 || len(saves[0]) != 1 {
		t.Fatalf("expected exactly one flush of one record, got %#v", saves)
	}
	if saves[0][0].URL != "https://cdn.test/win.png" {
		t.Fatalf("persisted wrong record: %#v", saves[0][0])
	}
}

func TestExhaustedAttemptsWithNoResultsFailsBatch(t *testing.T) {
	client := newScriptedClient(&jobScript{states: []pipeline.JobState{processing()}})
	store := NewStore()
	repo := &capturingRepo{}
	cfg := testPollConfig()
	cfg.MaxAttempts = 3
	o := NewOrchestrator(context.Background(), client, store, repo, testLogger(), cfg)

	batchID, err := o.Submit("user-1", domain.GenerationParams{Prompt: "p"}, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Wait()

	rec, _ := store.Get(batchID)
	if rec.Status != domain.BatchStatusError {
		t.Fatalf("status = %q, want error", rec.Status)
	}
	if !strings.Contains(rec.Error, "did not finish") {
		t.Fatalf("error = %q", rec.Error)
	}
	if len(repo.saveCalls()) != 0 {
		t.Fatalf("nothing should be persisted for an empty batch")
	}
}

func TestTimeoutFlushesPartialResults(t *testing.T) {
	client := newScriptedClient(
		&jobScript{states: []pipeline.JobState{completed("https://cdn.test/a.png")}},
		&jobScript{states: []pipeline.JobState{processing()}},
	)
	store := NewStore()
	repo := &capturingRepo{}
	cfg := testPollConfig()
	cfg.MaxAttempts = 4
	o := NewOrchestrator(context.Background(), client, store, repo, testLogger(), cfg)

	batchID, err := o.Submit("user-1", domain.GenerationParams{Prompt: "p"}, 2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Wait()

	rec, _ := store.Get(batchID)
	if rec.Status != domain.BatchStatusPartial {
		t.Fatalf("status = %q, want partial", rec.Status)
	}
	saves := repo.saveCalls()
	if len(saves) != 1 || len(saves[0]) != 1 {
		t.Fatalf("expected one flush of the completed slot, got %#v", saves)
	}
}

func TestStuckWindowGivesUp(t *testing.T) {
	client := newScriptedClient(&jobScript{states: []pipeline.JobState{processing()}})
	store := NewStore()
	repo := &capturingRepo{}
	cfg := testPollConfig()
	cfg.StuckWindow = 6 * time.Millisecond
	o := NewOrchestrator(context.Background(), client, store, repo, testLogger(), cfg)

	batchID, err := o.Submit("user-1", domain.GenerationParams{Prompt: "p"}, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Wait()

	rec, _ := store.Get(batchID)
	if rec.Status != domain.BatchStatusError {
		t.Fatalf("status = %q, want error", rec.Status)
	}
	if !strings.Contains(rec.Error, "stopped making progress") {
		t.Fatalf("error = %q", rec.Error)
	}
}

func TestGlobalTimeoutGivesUp(t *testing.T) {
	client := newScriptedClient(&jobScript{states: []pipeline.JobState{
		processing(),
		{Status: "rendering"},
		{Status: "upscaling"},
		processing(),
		{Status: "rendering"},
		{Status: "upscaling"},
	}})
	store := NewStore()
	repo := &capturingRepo{}
	cfg := testPollConfig()
	cfg.GlobalTimeout = 10 * time.Millisecond
	o := NewOrchestrator(context.Background(), client, store, repo, testLogger(), cfg)

	batchID, err := o.Submit("user-1", domain.GenerationParams{Prompt: "p"}, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Wait()

	rec, _ := store.Get(batchID)
	if rec.Status != domain.BatchStatusError {
		t.Fatalf("status = %q, want error", rec.Status)
	}
	if !strings.Contains(rec.Error, "time limit") {
		t.Fatalf("error = %q", rec.Error)
	}
}

func TestTransientStatusErrorsAreNotTerminal(t *testing.T) {
	script := &jobScript{states: []pipeline.JobState{completed("https://cdn.test/out.png")}}
	client := newScriptedClient(script)
	// First two polls hit a transport failure, then recover.
	flaky := &flakyClient{inner: client, failures: 2}
	store := NewStore()
	repo := &capturingRepo{}
	o := NewOrchestrator(context.Background(), flaky, store, repo, testLogger(), testPollConfig())

	batchID, err := o.Submit("user-1", domain.GenerationParams{Prompt: "p"}, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Wait()

	rec, _ := store.Get(batchID)
	if rec.Status != domain.BatchStatusCompleted {
		t.Fatalf("status = %q, want completed despite transport blips", rec.Status)
	}
}

type flakyClient struct {
	inner    *scriptedClient
	mu       sync.Mutex
	failures int
}

func (f *flakyClient) DefaultPipelineID() string { return f.inner.DefaultPipelineID() }

func (f *flakyClient) Submit(ctx context.Context, req pipeline.SubmitRequest) (string, error) {
	return f.inner.Submit(ctx, req)
}

func (f *flakyClient) Status(ctx context.Context, jobID string) (pipeline.JobState, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return pipeline.JobState{}, errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.inner.Status(ctx, jobID)
}

func TestCancelDiscardsPartialResults(t *testing.T) {
	client := newScriptedClient(
		&jobScript{states: []pipeline.JobState{completed("https://cdn.test/a.png")}},
		&jobScript{states: []pipeline.JobState{processing()}},
	)
	store := NewStore()
	repo := &capturingRepo{}
	o := NewOrchestrator(context.Background(), client, store, repo, testLogger(), testPollConfig())

	batchID, err := o.Submit("user-1", domain.GenerationParams{Prompt: "p"}, 2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Give the first slot time to land its result, then pull the plug on
	// the still-running sibling.
	time.Sleep(20 * time.Millisecond)
	if err := o.Cancel(batchID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	o.Wait()

	rec, _ := store.Get(batchID)
	if rec.Completed {
		t.Fatalf("cancel must not finalize the batch")
	}
	if len(repo.saveCalls()) != 0 {
		t.Fatalf("cancel must not flush results, got %#v", repo.saveCalls())
	}
}

func TestSubmissionFailureLeavesSlotEmpty(t *testing.T) {
	client := newScriptedClient(
		&jobScript{submitErr: errors.New("upstream 503")},
		&jobScript{states: []pipeline.JobState{processing(), completed("https://cdn.test/b.png")}},
	)
	store := NewStore()
	repo := &capturingRepo{}
	o := NewOrchestrator(context.Background(), client, store, repo, testLogger(), testPollConfig())

	batchID, err := o.Submit("user-1", domain.GenerationParams{Prompt: "p"}, 2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Wait()

	rec, _ := store.Get(batchID)
	if rec.Status != domain.BatchStatusPartial {
		t.Fatalf("status = %q, want partial", rec.Status)
	}
	if !strings.Contains(rec.Error, "submission failed") {
		t.Fatalf("error = %q", rec.Error)
	}
	saves := repo.saveCalls()
	if len(saves) != 1 || len(saves[0]) != 1 {
		t.Fatalf("expected one record from the surviving slot, got %#v", saves)
	}
}

func TestVideoRecordsCarryVideoWorkflow(t *testing.T) {
	client := newScriptedClient(&jobScript{states: []pipeline.JobState{completed("https://cdn.test/clip.mp4")}})
	store := NewStore()
	repo := &capturingRepo{}
	o := NewOrchestrator(context.Background(), client, store, repo, testLogger(), testPollConfig())

	_, err := o.Submit("user-1", domain.GenerationParams{Prompt: "p", Workflow: domain.WorkflowNoReference, IsVideo: true}, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Wait()

	saves := repo.saveCalls()
	if len(saves) != 1 || len(saves[0]) != 1 {
		t.Fatalf("expected one record, got %#v", saves)
	}
	rec := saves[0][0]
	if !rec.IsVideo || rec.Workflow != domain.WorkflowVideo {
		t.Fatalf("video record not normalized: %#v", rec)
	}
}

func TestFinalizeReleasesBatchContext(t *testing.T) {
	client := newScriptedClient(&jobScript{states: []pipeline.JobState{completed("https://cdn.test/out.png")}})
	store := NewStore()
	o := NewOrchestrator(context.Background(), client, store, &capturingRepo{}, testLogger(), testPollConfig())

	batchID, err := o.Submit("user-1", domain.GenerationParams{Prompt: "p"}, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	o.Wait()

	o.mu.Lock()
	_, registered := o.cancels[batchID]
	remaining := len(o.cancels)
	o.mu.Unlock()
	if registered || remaining != 0 {
		t.Fatalf("finished batch still holds a cancel func (registered=%v, remaining=%d)", registered, remaining)
	}
	if err := o.Cancel(batchID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cancel after completion: err = %v, want ErrNotFound", err)
	}
}

func TestCancelReleasesBatchContext(t *testing.T) {
	client := newScriptedClient(
		&jobScript{states: []pipeline.JobState{processing()}},
		&jobScript{states: []pipeline.JobState{processing()}},
	)
	store := NewStore()
	o := NewOrchestrator(context.Background(), client, store, &capturingRepo{}, testLogger(), testPollConfig())

	batchID, err := o.Submit("user-1", domain.GenerationParams{Prompt: "p"}, 2)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := o.Cancel(batchID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	o.Wait()

	o.mu.Lock()
	remaining := len(o.cancels)
	o.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("cancelled batch still holds a cancel func")
	}
	if err := o.Cancel(batchID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second cancel: err = %v, want ErrNotFound", err)
	}
}
