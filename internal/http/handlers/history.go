package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"promptstudio/internal/domain"
	"promptstudio/internal/history"
)

type historyItemDTO struct {
	ID        string    `json:"id"`
	ImageURL  string    `json:"image_url"`
	Prompt    string    `json:"prompt"`
	Style     string    `json:"style,omitempty"`
	Ratio     string    `json:"ratio,omitempty"`
	Workflow  string    `json:"workflow"`
	Label     string    `json:"workflow_label"`
	IsVideo   bool      `json:"is_video"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryList serves the history panel. Opening the panel refreshes only
// when the cached view has gone stale; ?refresh=1 is the manual trigger and
// is rate-limited by the per-user cool-down.
func (a *App) HistoryList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	refresher := a.History.For(userID)

	var items []domain.HistoryItem
	var err error
	if r.URL.Query().Get("refresh") != "" {
		items, err = refresher.Refresh(r.Context())
	} else {
		items, err = refresher.Items(r.Context())
	}
	if err != nil {
		// A failed fetch still returns the last good view; only log it.
		a.Logger.Warn().Err(err).Str("user_id", userID).Msg("history fetch failed")
	}

	out := make([]historyItemDTO, 0, len(items))
	for _, item := range items {
		out = append(out, historyItemDTO{
			ID:        history.ItemID(item),
			ImageURL:  item.ImageURL,
			Prompt:    item.Prompt,
			Style:     item.Style,
			Ratio:     item.Ratio,
			Workflow:  item.Workflow,
			Label:     history.WorkflowDisplayName(item.Workflow),
			IsVideo:   item.IsVideo,
			CreatedAt: item.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": out})
}

// HistoryDownload proxies one history item's media with a download
// disposition, so the browser saves it instead of navigating to the CDN.
func (a *App) HistoryDownload(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	itemID := chi.URLParam(r, "id")
	if itemID == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "id required")
		return
	}
	items, err := a.History.For(userID).Items(r.Context())
	if err != nil {
		a.Logger.Warn().Err(err).Str("user_id", userID).Msg("history fetch failed")
	}
	var found *domain.HistoryItem
	for i := range items {
		if history.ItemID(items[i]) == itemID {
			found = &items[i]
			break
		}
	}
	if found == nil {
		a.error(w, http.StatusNotFound, "not_found", "history item not found")
		return
	}
	data, mime := a.fetchMedia(r, found.ImageURL)
	if len(data) == 0 {
		a.error(w, http.StatusBadGateway, "upstream", "failed to fetch media")
		return
	}
	if mime == "" {
		mime = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", itemID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
