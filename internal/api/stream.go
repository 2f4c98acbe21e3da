package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"pricestat/internal/models"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStream pushes the job progress whenever it changes and closes the socket once the job
// reaches a terminal status.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		writeError(w, err, nil)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "websocket upgrade failed", "job_id", id, "error", err)
		return
	}
	defer conn.Close()

	// Reading is needed to observe close frames from the client.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := s.cfg.StreamInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *models.Progress
	for {
		job, err := s.store.GetJob(r.Context(), id)
		if err != nil {
			slog.WarnContext(r.Context(), "stream read failed", "job_id", id, "error", err)
			closeWith(conn, websocket.CloseInternalServerErr, "job unavailable")
			return
		}
		prog := models.ProgressOf(job)
		if last == nil || changed(*last, prog) {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(prog); err != nil {
				return
			}
			last = &prog
		}
		if models.IsTerminal(prog.Status) {
			closeWith(conn, websocket.CloseNormalClosure, prog.Status)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}

func changed(a, b models.Progress) bool {
	return a.Status != b.Status || a.Processed != b.Processed ||
		deref(a.ResultFile) != deref(b.ResultFile) || deref(a.Error) != deref(b.Error)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
