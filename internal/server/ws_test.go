package server

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/diaslmb/tldv/internal/audio"
	"github.com/diaslmb/tldv/internal/reconcile"
	"github.com/diaslmb/tldv/internal/session"
	"github.com/diaslmb/tldv/internal/transcribe"
)

func receive(t *testing.T, ch chan []byte) map[string]any {
	t.Helper()
	select {
	case msg := <-ch:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		return payload
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for broadcast")
		return nil
	}
}

func TestHubSessionEvents(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe()
	defer hub.Unsubscribe(ch)

	hub.StateChanged(session.Snapshot{SessionID: "s1", State: session.Terminating, Reason: session.ReasonIdle})
	payload := receive(t, ch)
	if payload["type"] != "state_changed" || payload["state"] != "terminating" || payload["reason"] != "idle" {
		t.Fatalf("unexpected state event %v", payload)
	}

	hub.CaptionAccepted("s1", transcribe.Caption{Speaker: "Alice", Text: "hello", ObservedAt: time.Now(), Offset: 1.5})
	payload = receive(t, ch)
	if payload["type"] != "caption" || payload["speaker"] != "Alice" || payload["offset"] != 1.5 {
		t.Fatalf("unexpected caption event %v", payload)
	}

	started := time.Now()
	hub.SessionFinished(session.Result{
		SessionID: "s1",
		Reason:    session.ReasonIdle,
		StartedAt: started,
		EndedAt:   started.Add(time.Minute),
		Recording: audio.Recording{Success: true},
		Mappings: reconcile.Mappings{
			"SPEAKER_00": {Name: "Alice", Resolved: true, Confidence: 1},
			"SPEAKER_01": {Name: "Unknown_SPEAKER_01"},
		},
		Errors: []error{errors.New("upload: denied")},
	})
	payload = receive(t, ch)
	if payload["type"] != "session_finished" || payload["duration"] != 60.0 {
		t.Fatalf("unexpected finished event %v", payload)
	}
	if payload["labels"] != 2.0 || payload["resolved"] != 1.0 {
		t.Fatalf("unexpected label counts %v", payload)
	}
	if errs, ok := payload["errors"].([]any); !ok || len(errs) != 1 {
		t.Fatalf("expected one error, got %v", payload["errors"])
	}
}

func TestWSStreamsHubEvents(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(Handler(hub, newStoreStub(), Controls{}, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var hello map[string]any
	if err := conn.ReadJSON(&hello); err != nil || hello["type"] != "connection" {
		t.Fatalf("expected connection event, got %v (%v)", hello, err)
	}

	// The connection event is written after the client is subscribed.
	hub.StateChanged(session.Snapshot{SessionID: "s1", State: session.Active})

	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msg["type"] != "state_changed" || msg["state"] != "active" {
		t.Fatalf("unexpected event %v", msg)
	}
}
