package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"promptstudio/internal/domain"
	"promptstudio/pkg/zip"
)

type generateRequest struct {
	Prompt       string  `json:"prompt"`
	Style        string  `json:"style"`
	AspectRatio  string  `json:"aspect_ratio"`
	Workflow     string  `json:"workflow"`
	Strength     float64 `json:"strength"`
	Seed         int64   `json:"seed"`
	ReferenceURL string  `json:"reference_url"`
	PipelineID   string  `json:"pipeline_id"`
	IsVideo      bool    `json:"is_video"`
	Quantity     int     `json:"quantity"`
}

type generateResponse struct {
	BatchID        string `json:"batch_id"`
	Status         string `json:"status"`
	Slots          int    `json:"slots"`
	RemainingQuota int    `json:"remaining_quota"`
}

type slotDTO struct {
	URL        string `json:"url"`
	Seed       string `json:"seed,omitempty"`
	PipelineID string `json:"pipeline_id,omitempty"`
	IsVideo    bool   `json:"is_video"`
}

type batchResponse struct {
	BatchID     string     `json:"batch_id"`
	Status      string     `json:"status"`
	Completed   bool       `json:"completed"`
	TotalSlots  int        `json:"total_slots"`
	Slots       []*slotDTO `json:"slots"`
	Error       string     `json:"error,omitempty"`
	ElapsedMS   int64      `json:"elapsed_ms"`
	StartedAt   time.Time  `json:"started_at"`
	Prompt      string     `json:"prompt"`
	Workflow    string     `json:"workflow"`
	AspectRatio string     `json:"aspect_ratio"`
}

func (a *App) GenerationsCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Prompt == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "prompt required")
		return
	}
	if req.Quantity <= 0 {
		req.Quantity = 1
	}
	if req.Workflow == "" {
		if req.ReferenceURL != "" {
			req.Workflow = domain.WorkflowReference
		} else {
			req.Workflow = domain.WorkflowNoReference
		}
	}
	if req.IsVideo {
		req.Workflow = domain.WorkflowVideo
	}

	used, err := a.Repo.CountToday(r.Context(), userID)
	if err != nil {
		a.Logger.Error().Err(err).Str("user_id", userID).Msg("quota lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to check quota")
		return
	}
	if used+req.Quantity > a.Config.DailyQuota {
		a.error(w, http.StatusForbidden, "quota_exceeded", "daily quota exceeded")
		return
	}

	batchID, err := a.Orchestrator.Submit(userID, domain.GenerationParams{
		Prompt:       req.Prompt,
		Style:        req.Style,
		AspectRatio:  req.AspectRatio,
		Workflow:     req.Workflow,
		Strength:     req.Strength,
		Seed:         req.Seed,
		ReferenceURL: req.ReferenceURL,
		PipelineID:   req.PipelineID,
		IsVideo:      req.IsVideo,
	}, req.Quantity)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidSlotCount):
			a.error(w, http.StatusBadRequest, "bad_request", "quantity must be 1, 2 or 4")
		case errors.Is(err, domain.ErrReferenceRequired):
			a.error(w, http.StatusBadRequest, "bad_request", "reference_url required for reference workflow")
		default:
			a.Logger.Error().Err(err).Str("user_id", userID).Msg("submit failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to start generation")
		}
		return
	}

	a.json(w, http.StatusAccepted, generateResponse{
		BatchID:        batchID,
		Status:         domain.BatchStatusSubmitting,
		Slots:          req.Quantity,
		RemainingQuota: a.Config.DailyQuota - used - req.Quantity,
	})
}

// GenerationsList returns the user's batches from this process, newest work
// last (creation order). The portal uses it to restore in-flight progress
// tiles after a page reload.
func (a *App) GenerationsList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	recs := a.Store.ListByUser(userID)
	items := make([]batchResponse, 0, len(recs))
	for _, rec := range recs {
		items = append(items, batchDTO(rec))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) GenerationsGet(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.batchForRequest(w, r)
	if !ok {
		return
	}
	a.json(w, http.StatusOK, batchDTO(rec))
}

func (a *App) GenerationsCancel(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.batchForRequest(w, r)
	if !ok {
		return
	}
	if rec.Completed {
		a.error(w, http.StatusConflict, "conflict", "batch already completed")
		return
	}
	if err := a.Orchestrator.Cancel(rec.ID); err != nil {
		a.error(w, http.StatusNotFound, "not_found", "batch not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) GenerationsZip(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.batchForRequest(w, r)
	if !ok {
		return
	}
	items := rec.FilledSlots()
	if len(items) == 0 {
		a.error(w, http.StatusNotFound, "not_found", "batch has no results yet")
		return
	}
	assets := make([]zip.Asset, 0, len(items))
	for i, item := range items {
		data, mime := a.fetchMedia(r, item.URL)
		assets = append(assets, zip.Asset{
			Filename: fmt.Sprintf("%s-%d", rec.ID, i+1),
			MIME:     mime,
			Data:     data,
		})
	}
	archive := zip.ArchiveAssets(assets)
	if len(archive) == 0 {
		a.error(w, http.StatusBadGateway, "upstream", "failed to fetch generated media")
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=batch-%s.zip", rec.ID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(archive)
}

// batchForRequest loads the batch named in the URL and enforces ownership.
// Batches of other users read as not found.
func (a *App) batchForRequest(w http.ResponseWriter, r *http.Request) (domain.BatchRecord, bool) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return domain.BatchRecord{}, false
	}
	batchID := chi.URLParam(r, "batch_id")
	if batchID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "batch_id required")
		return domain.BatchRecord{}, false
	}
	rec, ok := a.Store.Get(batchID)
	if !ok || rec.UserID != userID {
		a.error(w, http.StatusNotFound, "not_found", "batch not found")
		return domain.BatchRecord{}, false
	}
	return rec, true
}

func (a *App) fetchMedia(r *http.Request, url string) ([]byte, string) {
	client := a.MediaClient
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, url, nil)
	if err != nil {
		return nil, ""
	}
	resp, err := client.Do(req)
	if err != nil {
		a.Logger.Warn().Err(err).Str("url", url).Msg("media fetch failed")
		return nil, ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, ""
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, ""
	}
	return data, resp.Header.Get("Content-Type")
}

func batchDTO(rec domain.BatchRecord) batchResponse {
	slots := make([]*slotDTO, len(rec.Slots))
	for i, slot := range rec.Slots {
		if slot == nil {
			continue
		}
		slots[i] = &slotDTO{
			URL:        slot.URL,
			Seed:       slot.Seed,
			PipelineID: slot.PipelineID,
			IsVideo:    slot.IsVideo,
		}
	}
	return batchResponse{
		BatchID:     rec.ID,
		Status:      rec.Status,
		Completed:   rec.Completed,
		TotalSlots:  rec.TotalSlots,
		Slots:       slots,
		Error:       rec.Error,
		ElapsedMS:   rec.ElapsedTime.Milliseconds(),
		StartedAt:   rec.StartTime,
		Prompt:      rec.Params.Prompt,
		Workflow:    rec.Params.Workflow,
		AspectRatio: rec.Params.AspectRatio,
	}
}
