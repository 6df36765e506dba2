package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"teleclinic/internal/util"
	"teleclinic/pkg/domain"
)

const streamHeartbeatInterval = 15 * time.Second

// handleStream serves GET /api/consultations/{id}/stream as a
// Server-Sent Events feed. The subscription is opened before history is
// replayed so no message falls in the gap between replay and live
// delivery; anything both replayed and delivered live is dropped by the
// lastSent sequence check.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	fromSeq, err := parseFromSequence(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "invalid fromSequence")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, codeInternal, "streaming unsupported")
		return
	}

	sub, err := s.app.SubscribeMessages(id, user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	lastSent := fromSeq
	history, err := s.app.ListMessages(id, user, fromSeq, 0)
	if err != nil {
		writeStreamError(w, "replay failed")
		flusher.Flush()
		return
	}
	for _, msg := range history {
		if err := writeStreamMessage(w, msg); err != nil {
			return
		}
		lastSent = msg.Sequence
	}
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			if errors.Is(sub.Err(), domain.ErrSubscriberOverflow) {
				util.LoggerFromContext(r.Context()).Warn("stream subscriber overflow",
					"consultation_id", id, "user_id", user.ID)
				writeStreamError(w, "subscriber overflowed, reconnect and replay")
				flusher.Flush()
			}
			return
		case msg := <-sub.C():
			if msg.Sequence <= lastSent {
				// Already delivered during replay.
				continue
			}
			if err := writeStreamMessage(w, msg); err != nil {
				return
			}
			lastSent = msg.Sequence
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeStreamMessage(w http.ResponseWriter, msg domain.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: message\ndata: %s\n\n", msg.Sequence, payload)
	return err
}

func writeStreamError(w http.ResponseWriter, reason string) {
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", reason)
}
