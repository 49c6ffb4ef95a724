package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeAudio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.wav")
	if err := os.WriteFile(path, []byte("RIFF....WAVEfmt "), 0o644); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	return path
}

func TestWhisperTranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("expected model whisper-1, got %q", got)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("expected file part: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text": "[SPEAKER_00] [0.90 - 2.00]<br> hello there<br><br>[SPEAKER_01] [2.10 - 3.00]<br> how are you",
		})
	}))
	defer server.Close()

	gw := NewWhisper(server.URL+"/v1", "", "", "")
	res, err := gw.Transcribe(context.Background(), writeAudio(t))
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(res.Segments))
	}
	if res.Segments[0].Label != "SPEAKER_00" || res.Segments[0].Text != "hello there" {
		t.Errorf("unexpected first segment %+v", res.Segments[0])
	}
	if res.Raw == "" {
		t.Error("expected raw text to be kept")
	}
}

func TestWhisperRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "model crashed", "type": "server_error"},
		})
	}))
	defer server.Close()

	gw := NewWhisper(server.URL+"/v1", "", "whisper-1", "")
	_, err := gw.Transcribe(context.Background(), writeAudio(t))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestWhisperUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	gw := NewWhisper(url+"/v1", "", "whisper-1", "")
	_, err := gw.Transcribe(context.Background(), writeAudio(t))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestWhisperMissingAudio(t *testing.T) {
	gw := NewWhisper("http://127.0.0.1:1/v1", "", "", "")
	_, err := gw.Transcribe(context.Background(), filepath.Join(t.TempDir(), "missing.wav"))
	if err == nil {
		t.Fatal("expected error for missing audio")
	}
	if errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRejected) {
		t.Fatalf("missing audio should not be a service error, got %v", err)
	}
}

func TestDeepgramTranscribe(t *testing.T) {
	gw := &DeepgramGateway{
		fetch: func(ctx context.Context, audioPath string) ([]Word, error) {
			return []Word{
				{Speaker: intPtr(0), PunctuatedWord: "hello", Start: 0.9, End: 1.2},
				{Speaker: intPtr(0), PunctuatedWord: "there", Start: 1.2, End: 2.0},
				{Speaker: intPtr(1), PunctuatedWord: "hi", Start: 2.1, End: 2.4},
			}, nil
		},
	}

	res, err := gw.Transcribe(context.Background(), writeAudio(t))
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if len(res.Segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(res.Segments))
	}
	if got := Parse(res.Raw); len(got) != 2 || got[0].Text != "hello there" {
		t.Fatalf("raw text should parse back to the same segments, got %+v", got)
	}
}

func TestDeepgramErrorClassification(t *testing.T) {
	gw := &DeepgramGateway{
		fetch: func(ctx context.Context, audioPath string) ([]Word, error) {
			return nil, errors.New("400 bad request")
		},
	}
	_, err := gw.Transcribe(context.Background(), writeAudio(t))
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}
