package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var progressUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin is already vetted by the CORS allow list; the websocket
	// handshake does not go through it.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// GenerationsProgress streams batch snapshots over a websocket until the
// batch completes, so the portal can render live slot fills without polling.
func (a *App) GenerationsProgress(w http.ResponseWriter, r *http.Request) {
	rec, ok := a.batchForRequest(w, r)
	if !ok {
		return
	}
	conn, err := progressUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.Logger.Warn().Err(err).Str("batch_id", rec.ID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain client frames so close handshakes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		snapshot, ok := a.Store.Get(rec.ID)
		if !ok {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(batchDTO(snapshot)); err != nil {
			return
		}
		if snapshot.Completed {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "batch completed"),
				time.Now().Add(time.Second))
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
