package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/diaslmb/tldv/internal/logging"
	"github.com/diaslmb/tldv/internal/metrics"
	"github.com/diaslmb/tldv/internal/reconcile"
	"github.com/diaslmb/tldv/internal/session"
	"github.com/diaslmb/tldv/internal/transcribe"
	"github.com/diaslmb/tldv/internal/transcript"
)

type writerStub struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *writerStub) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *writerStub) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func testConfig() Config {
	return Config{TopicEvents: "test.events", TopicTranscripts: "test.transcripts"}
}

func TestNewDisabledWithoutBrokers(t *testing.T) {
	p := New(testConfig())
	if p.enabled {
		t.Fatal("expected publisher to be disabled")
	}
	if p.events != nil || p.transcripts != nil {
		t.Fatal("expected no writers when disabled")
	}

	p.StateChanged(session.Snapshot{SessionID: "s1", State: session.Active})
	p.SessionFinished(session.Result{SessionID: "s1"})
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func scrapeKafka(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	promhttp.HandlerFor(reg, promhttp.HandlerOpts{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	var kafkaLines []string
	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(line, "tldv_kafka_") {
			kafkaLines = append(kafkaLines, line)
		}
	}
	return strings.Join(kafkaLines, "\n")
}

func TestDisabledPublisherCountsNothing(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := newPublisher(testConfig(), nil, nil, logging.WithComponent("events"))
	p.metrics = metrics.NewMetrics(reg)

	p.StateChanged(session.Snapshot{SessionID: "s1", State: session.Active})
	p.CaptionAccepted("s1", transcribe.Caption{Speaker: "Alice", Text: "hello"})
	p.SessionFinished(session.Result{SessionID: "s1"})
	_ = p.Close()

	if got := scrapeKafka(t, reg); got != "" {
		t.Fatalf("log-only mode must not report publishes, got:\n%s", got)
	}
}

func TestPublisherCountsWrittenEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	events, transcripts := &writerStub{}, &writerStub{}
	p := newPublisher(testConfig(), events, transcripts, logging.WithComponent("events"))
	p.metrics = metrics.NewMetrics(reg)

	p.StateChanged(session.Snapshot{SessionID: "s1", State: session.Active})
	p.SessionFinished(session.Result{SessionID: "s1"})
	_ = p.Close()

	got := scrapeKafka(t, reg)
	for _, want := range []string{
		`tldv_kafka_publish_total{topic="test.events"} 1`,
		`tldv_kafka_publish_total{topic="test.transcripts"} 1`,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in:\n%s", want, got)
		}
	}
}

func TestPublisherRoutesEventsByTopic(t *testing.T) {
	events, transcripts := &writerStub{}, &writerStub{}
	p := newPublisher(testConfig(), events, transcripts, logging.WithComponent("events"))

	p.StateChanged(session.Snapshot{SessionID: "s1", State: session.Terminating, Reason: session.ReasonIdle})
	p.CaptionAccepted("s1", transcribe.Caption{Speaker: "Alice", Text: "hello", ObservedAt: time.Now(), Offset: 2})
	p.SessionFinished(session.Result{
		SessionID: "s1",
		Reason:    session.ReasonIdle,
		Lines:     []transcript.Line{{Speaker: "Alice", Label: "SPEAKER_00", Confidence: 1, Text: "hello"}},
		Mappings:  reconcile.Mappings{"SPEAKER_00": {Name: "Alice", Resolved: true, Confidence: 1}},
	})

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if len(events.msgs) != 2 {
		t.Fatalf("expected 2 session events, got %d", len(events.msgs))
	}
	if string(events.msgs[0].Key) != "s1" {
		t.Fatalf("expected session id as key, got %q", events.msgs[0].Key)
	}
	for i, want := range []string{"state_changed", "caption"} {
		h := events.msgs[i].Headers
		if len(h) != 1 || h[0].Key != "eventType" || string(h[0].Value) != want {
			t.Fatalf("message %d: expected eventType %q, got %+v", i, want, h)
		}
	}

	var state StateEvent
	if err := json.Unmarshal(events.msgs[0].Value, &state); err != nil {
		t.Fatalf("decode state event: %v", err)
	}
	if state.Type != "state_changed" || state.State != "terminating" || state.Reason != "idle" {
		t.Fatalf("unexpected state event %+v", state)
	}

	if len(transcripts.msgs) != 1 {
		t.Fatalf("expected 1 transcript event, got %d", len(transcripts.msgs))
	}
	var final TranscriptEvent
	if err := json.Unmarshal(transcripts.msgs[0].Value, &final); err != nil {
		t.Fatalf("decode transcript event: %v", err)
	}
	if len(final.Lines) != 1 || final.Mappings["SPEAKER_00"].Name != "Alice" {
		t.Fatalf("unexpected transcript event %+v", final)
	}
	if h := transcripts.msgs[0].Headers; len(h) != 1 || string(h[0].Value) != "transcript" {
		t.Fatalf("expected transcript eventType header, got %+v", h)
	}

	if !events.closed || !transcripts.closed {
		t.Fatal("expected writers to be closed")
	}
}

func TestPublisherWriteErrorsDoNotStopQueue(t *testing.T) {
	events := &writerStub{err: errors.New("broker down")}
	transcripts := &writerStub{}
	p := newPublisher(testConfig(), events, transcripts, logging.WithComponent("events"))

	p.StateChanged(session.Snapshot{SessionID: "s1", State: session.Active})
	p.SessionFinished(session.Result{SessionID: "s1"})
	_ = p.Close()

	if len(transcripts.msgs) != 1 {
		t.Fatalf("expected transcript to be written after a failed event, got %d", len(transcripts.msgs))
	}

	p.StateChanged(session.Snapshot{SessionID: "s1", State: session.Terminated})
}
