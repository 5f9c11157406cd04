package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/haasonsaas/relay/internal/orchestrator"
)

// handleChat runs one chat turn and streams its events as SSE frames.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.TurnRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request: " + err.Error()})
		return
	}
	if len(req.Messages) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "messages are required"})
		return
	}
	req.UserID = userID(r)

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events := make(chan any, 64)
	done := make(chan struct{})

	// Writer goroutine: client disconnect cancels the request context,
	// which aborts the turn; the channel drains either way.
	go func() {
		defer close(done)
		for event := range events {
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn("marshal event failed", "error", err)
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}()

	if _, err := s.turns.RunTurn(r.Context(), &req, events); err != nil {
		s.logger.Error("turn failed", "error", err, "user", req.UserID)
	}
	close(events)
	<-done
}
