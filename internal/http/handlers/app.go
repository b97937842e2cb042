package handlers

import (
	"encoding/json"
	"net/http"

	"promptstudio/internal/domain"
	"promptstudio/internal/history"
	"promptstudio/internal/infra"
	"promptstudio/internal/jobs"
	"promptstudio/internal/middleware"
)

// App is the handler container. Everything it needs is injected from main so
// tests can swap in fakes.
type App struct {
	Store        *jobs.Store
	Orchestrator *jobs.Orchestrator
	Repo         domain.GenerationRepository
	History      *history.Group
	Config       *infra.Config
	Logger       infra.Logger

	// MediaClient fetches generated asset bytes for the zip download.
	MediaClient *http.Client
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]errorBody{"error": {Code: errCode, Message: message}})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}
