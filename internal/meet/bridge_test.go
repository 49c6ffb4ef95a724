package meet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"
)

func newTestBridge() (*Bridge, *time.Time) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	b := NewBridge("https://meet.google.com/abc-defg-hij", "SHAI VoiceAI", 30*time.Second)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestWaitJoined(t *testing.T) {
	b, _ := newTestBridge()

	errCh := make(chan error, 1)
	go func() { errCh <- b.WaitJoined(context.Background()) }()

	b.MarkJoined()
	b.MarkJoined()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("WaitJoined: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WaitJoined did not return after join")
	}
}

func TestWaitJoinedEndedFirst(t *testing.T) {
	b, _ := newTestBridge()
	b.MarkEnded()

	if err := b.WaitJoined(context.Background()); !errors.Is(err, ErrEndedBeforeJoin) {
		t.Fatalf("expected ErrEndedBeforeJoin, got %v", err)
	}
}

func TestWaitJoinedContext(t *testing.T) {
	b, _ := newTestBridge()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := b.WaitJoined(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestParticipantCountStaleness(t *testing.T) {
	b, now := newTestBridge()
	ctx := context.Background()

	if _, err := b.CurrentParticipantCount(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable before any report, got %v", err)
	}

	b.SetParticipants(4)
	if n, err := b.CurrentParticipantCount(ctx); err != nil || n != 4 {
		t.Fatalf("expected 4, got %d (%v)", n, err)
	}

	*now = now.Add(31 * time.Second)
	if _, err := b.CurrentParticipantCount(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected stale count to be unavailable, got %v", err)
	}

	b.SetParticipants(2)
	b.SetParticipants(-1)
	if _, err := b.CurrentParticipantCount(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected cleared count to be unavailable, got %v", err)
	}
}

func TestAloneBanner(t *testing.T) {
	b, now := newTestBridge()
	ctx := context.Background()

	b.SetBanner(true)
	if visible, _ := b.IsAloneBannerVisible(ctx); !visible {
		t.Fatal("expected banner visible")
	}

	*now = now.Add(time.Minute)
	if visible, _ := b.IsAloneBannerVisible(ctx); visible {
		t.Fatal("expected stale banner to be ignored")
	}
}

func TestPushAfterClose(t *testing.T) {
	b, _ := newTestBridge()

	if !b.Push(context.Background(), CaptionObserved{Speaker: " Alice ", Text: " hi "}) {
		t.Fatal("expected push to be accepted")
	}
	got := <-b.Captions()
	if got.Speaker != "Alice" || got.Text != "hi" || got.ObservedAt.IsZero() {
		t.Fatalf("unexpected caption %+v", got)
	}

	if b.Push(context.Background(), CaptionObserved{Speaker: "Alice", Text: "   "}) {
		t.Fatal("expected blank caption to be rejected")
	}

	b.Close()
	if b.Push(context.Background(), CaptionObserved{Speaker: "Alice", Text: "late"}) {
		t.Fatal("expected push after close to be dropped")
	}
	if s := b.Stats(); s.CaptionsForwarded != 1 || s.CaptionsDropped != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestBridgeHandlers(t *testing.T) {
	b, _ := newTestBridge()
	mux := http.NewServeMux()
	b.Register(mux)
	server := httptest.NewServer(mux)
	defer server.Close()

	post := func(path string, body any) *http.Response {
		t.Helper()
		data, _ := json.Marshal(body)
		resp, err := http.Post(server.URL+path, "application/json", bytes.NewReader(data))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		t.Cleanup(func() { _ = resp.Body.Close() })
		return resp
	}

	if resp := post("/bridge/joined", map[string]any{}); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("joined: status %d", resp.StatusCode)
	}
	if !b.IsJoined() {
		t.Fatal("expected bridge to be joined")
	}

	resp := post("/bridge/captions", map[string]any{
		"captions": []map[string]string{
			{"speaker": "Alice", "text": "hello there"},
			{"speaker": "Bob", "text": ""},
		},
	})
	var accepted map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode captions response: %v", err)
	}
	if accepted["accepted"] != 1 {
		t.Fatalf("expected 1 accepted caption, got %v", accepted)
	}
	if c := <-b.Captions(); c.Speaker != "Alice" {
		t.Fatalf("unexpected caption %+v", c)
	}

	post("/bridge/participants", map[string]any{"count": 3})
	if n, err := b.CurrentParticipantCount(context.Background()); err != nil || n != 3 {
		t.Fatalf("expected 3 participants, got %d (%v)", n, err)
	}

	post("/bridge/banner", map[string]any{"visible": true})
	if visible, _ := b.IsAloneBannerVisible(context.Background()); !visible {
		t.Fatal("expected banner visible")
	}

	if resp := post("/bridge/ended", map[string]any{}); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("ended: status %d", resp.StatusCode)
	}
	select {
	case <-b.Ended():
	default:
		t.Fatal("expected ended channel to be closed")
	}

	bad, err := http.Post(server.URL+"/bridge/participants", "application/json", bytes.NewBufferString("{"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer func() { _ = bad.Body.Close() }()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", bad.StatusCode)
	}

	info, err := http.Get(server.URL + "/bridge/meeting")
	if err != nil {
		t.Fatalf("GET meeting: %v", err)
	}
	defer func() { _ = info.Body.Close() }()
	var meeting struct {
		MeetingURL string `json:"meeting_url"`
		BotName    string `json:"bot_name"`
	}
	if err := json.NewDecoder(info.Body).Decode(&meeting); err != nil {
		t.Fatalf("decode meeting: %v", err)
	}
	if meeting.BotName != "SHAI VoiceAI" || meeting.MeetingURL == "" {
		t.Fatalf("unexpected meeting info %+v", meeting)
	}
}

func TestDriverLifecycle(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	exited := make(chan error, 1)
	d, err := StartDriver(
		[]string{"sh", "-c", `test "$TLDV_BOT_NAME" = "SHAI VoiceAI" || exit 3; exec sleep 30`},
		DriverEnv{MeetingURL: "https://meet.example/x", BridgeURL: "http://127.0.0.1:1", BotName: "SHAI VoiceAI"},
		func(err error) { exited <- err },
	)
	if err != nil {
		t.Fatalf("StartDriver: %v", err)
	}

	if err := d.Stop(2 * time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := d.Stop(2 * time.Second); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	select {
	case err := <-exited:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 3 {
			t.Fatal("driver did not receive TLDV_BOT_NAME")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("onExit was not called")
	}
}

func TestStartDriverEmptyCommand(t *testing.T) {
	if _, err := StartDriver(nil, DriverEnv{}, nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}
