package handlers

import (
	"net/http"
)

// Health is the liveness probe. It deliberately touches neither the
// database nor the pipeline service; a degraded upstream must not make the
// portal restart-loop.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "promptstudio",
	})
}
