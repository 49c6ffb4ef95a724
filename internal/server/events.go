package server

import "time"

const EventVersion = 1

type Event struct {
	Type      string `json:"type"`
	Version   int    `json:"version"`
	Timestamp string `json:"timestamp"`
}

type StateChangedEvent struct {
	Event
	SessionID            string `json:"session_id"`
	MeetingURL           string `json:"meeting_url"`
	State                string `json:"state"`
	Reason               string `json:"reason,omitempty"`
	LastParticipantCount int    `json:"last_participant_count"`
	Captions             int    `json:"captions"`
}

type CaptionEvent struct {
	Event
	SessionID string  `json:"session_id"`
	Speaker   string  `json:"speaker"`
	Text      string  `json:"text"`
	Offset    float64 `json:"offset"`
}

type SessionFinishedEvent struct {
	Event
	SessionID   string   `json:"session_id"`
	Reason      string   `json:"reason"`
	Duration    float64  `json:"duration"`
	Lines       int      `json:"lines"`
	Labels      int      `json:"labels"`
	Resolved    int      `json:"resolved"`
	CaptureOK   bool     `json:"capture_ok"`
	ArtifactDir string   `json:"artifact_dir,omitempty"`
	Errors      []string `json:"errors"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType string, now time.Time) Event {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
}
