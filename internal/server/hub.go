package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/diaslmb/tldv/internal/logging"
	"github.com/diaslmb/tldv/internal/session"
	"github.com/diaslmb/tldv/internal/transcribe"
)

// Hub fans session events out to websocket clients. Slow clients miss
// messages rather than block the session.
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{
		log:     logging.WithComponent("hub"),
		clients: make(map[chan []byte]struct{}),
	}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) StateChanged(s session.Snapshot) {
	h.broadcastEvent(StateChangedEvent{
		Event:                newEvent("state_changed", time.Now().UTC()),
		SessionID:            s.SessionID,
		MeetingURL:           s.MeetingURL,
		State:                s.State.String(),
		Reason:               string(s.Reason),
		LastParticipantCount: s.LastParticipantCount,
		Captions:             s.Captions,
	})
}

func (h *Hub) CaptionAccepted(sessionID string, c transcribe.Caption) {
	h.broadcastEvent(CaptionEvent{
		Event:     newEvent("caption", c.ObservedAt),
		SessionID: sessionID,
		Speaker:   c.Speaker,
		Text:      c.Text,
		Offset:    c.Offset,
	})
}

func (h *Hub) SessionFinished(r session.Result) {
	errs := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		errs = append(errs, err.Error())
	}

	var duration float64
	if !r.StartedAt.IsZero() {
		duration = r.EndedAt.Sub(r.StartedAt).Seconds()
	}

	h.broadcastEvent(SessionFinishedEvent{
		Event:       newEvent("session_finished", r.EndedAt),
		SessionID:   r.SessionID,
		Reason:      string(r.Reason),
		Duration:    duration,
		Lines:       len(r.Lines),
		Labels:      len(r.Mappings),
		Resolved:    r.Mappings.Resolved(),
		CaptureOK:   r.Recording.Success,
		ArtifactDir: r.ArtifactDir,
		Errors:      errs,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Error().Err(err).Msg("event marshal error")
		return
	}
	h.Broadcast(payload)
}
