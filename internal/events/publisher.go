// Package events publishes session progress and final transcripts to Kafka.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/diaslmb/tldv/internal/logging"
	"github.com/diaslmb/tldv/internal/metrics"
	"github.com/diaslmb/tldv/internal/reconcile"
	"github.com/diaslmb/tldv/internal/session"
	"github.com/diaslmb/tldv/internal/transcribe"
	"github.com/diaslmb/tldv/internal/transcript"
)

const (
	queueSize    = 256
	writeTimeout = 10 * time.Second
)

type Config struct {
	Brokers          []string
	TopicEvents      string
	TopicTranscripts string
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type envelope struct {
	writer    messageWriter
	topic     string
	key       string
	eventType string
	value     []byte
}

// Publisher is a session.EventSink. Events are queued and written by one
// background goroutine so the session loop never waits on a broker. With no
// brokers configured events are only logged.
type Publisher struct {
	events      messageWriter
	transcripts messageWriter
	topicEvents string
	topicFinal  string
	enabled     bool
	log         zerolog.Logger
	metrics     *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan envelope
	done   chan struct{}
}

func New(cfg Config) *Publisher {
	log := logging.WithComponent("events")

	if len(cfg.Brokers) == 0 {
		log.Info().Msg("kafka disabled, using log-only mode")
		return newPublisher(cfg, nil, nil, log)
	}

	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}
	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			WriteTimeout: writeTimeout,
			RequiredAcks: kafka.RequireOne,
			Transport:    transport,
		}
	}

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic_events", cfg.TopicEvents).
		Str("topic_transcripts", cfg.TopicTranscripts).
		Msg("kafka publisher initialized")

	return newPublisher(cfg, newWriter(cfg.TopicEvents), newWriter(cfg.TopicTranscripts), log)
}

func newPublisher(cfg Config, events, transcripts messageWriter, log zerolog.Logger) *Publisher {
	p := &Publisher{
		events:      events,
		transcripts: transcripts,
		topicEvents: cfg.TopicEvents,
		topicFinal:  cfg.TopicTranscripts,
		enabled:     events != nil && transcripts != nil,
		log:         log,
		metrics:     metrics.DefaultMetrics,
		queue:       make(chan envelope, queueSize),
		done:        make(chan struct{}),
	}
	go p.run()
	return p
}

type StateEvent struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	MeetingURL string `json:"meeting_url"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	At         string `json:"at"`
}

type CaptionEvent struct {
	Type       string    `json:"type"`
	SessionID  string    `json:"session_id"`
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	Offset     float64   `json:"offset"`
	ObservedAt time.Time `json:"observed_at"`
}

type TranscriptEvent struct {
	Type       string             `json:"type"`
	SessionID  string             `json:"session_id"`
	MeetingURL string             `json:"meeting_url"`
	Reason     string             `json:"reason"`
	StartedAt  time.Time          `json:"started_at,omitzero"`
	EndedAt    time.Time          `json:"ended_at"`
	CaptureOK  bool               `json:"capture_ok"`
	Lines      []transcript.Line  `json:"lines"`
	Mappings   reconcile.Mappings `json:"mappings"`
	Summary    string             `json:"summary,omitempty"`
}

func (p *Publisher) StateChanged(s session.Snapshot) {
	p.enqueue(p.events, p.topicEvents, s.SessionID, "state_changed", StateEvent{
		Type:       "state_changed",
		SessionID:  s.SessionID,
		MeetingURL: s.MeetingURL,
		State:      s.State.String(),
		Reason:     string(s.Reason),
		At:         time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (p *Publisher) CaptionAccepted(sessionID string, c transcribe.Caption) {
	p.enqueue(p.events, p.topicEvents, sessionID, "caption", CaptionEvent{
		Type:       "caption",
		SessionID:  sessionID,
		Speaker:    c.Speaker,
		Text:       c.Text,
		Offset:     c.Offset,
		ObservedAt: c.ObservedAt,
	})
}

func (p *Publisher) SessionFinished(r session.Result) {
	lines := r.Lines
	if lines == nil {
		lines = []transcript.Line{}
	}
	p.enqueue(p.transcripts, p.topicFinal, r.SessionID, "transcript", TranscriptEvent{
		Type:       "transcript",
		SessionID:  r.SessionID,
		MeetingURL: r.MeetingURL,
		Reason:     string(r.Reason),
		StartedAt:  r.StartedAt,
		EndedAt:    r.EndedAt,
		CaptureOK:  r.Recording.Success,
		Lines:      lines,
		Mappings:   r.Mappings,
		Summary:    r.Summary,
	})
}

func (p *Publisher) enqueue(writer messageWriter, topic, key, eventType string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return
	}

	p.log.Debug().
		Str("topic", topic).
		Str("key", key).
		Str("event_type", eventType).
		RawJSON("payload", payload).
		Msg("publishing event")

	if !p.enabled {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.log.Warn().Str("topic", topic).Msg("publisher closed, dropping event")
		return
	}

	select {
	case p.queue <- envelope{writer: writer, topic: topic, key: key, eventType: eventType, value: payload}:
	default:
		p.metrics.KafkaPublishErrors.WithLabelValues(topic).Inc()
		p.log.Warn().Str("topic", topic).Msg("event queue full, dropping event")
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for env := range p.queue {
		p.write(env)
	}
}

func (p *Publisher) write(env envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	msg := kafka.Message{
		Key:   []byte(env.key),
		Value: env.value,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(env.eventType)},
		},
	}
	if err := env.writer.WriteMessages(ctx, msg); err != nil {
		p.metrics.KafkaPublishErrors.WithLabelValues(env.topic).Inc()
		p.log.Error().Err(err).Str("topic", env.topic).Str("key", env.key).Msg("failed to write to kafka")
		return
	}
	p.metrics.KafkaPublishTotal.WithLabelValues(env.topic).Inc()
}

// Close flushes queued events and closes the writers. Events sent after
// Close are dropped.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	<-p.done

	var err error
	for _, w := range []messageWriter{p.events, p.transcripts} {
		if w == nil {
			continue
		}
		if e := w.Close(); e != nil {
			p.log.Error().Err(e).Msg("error closing kafka writer")
			err = e
		}
	}
	return err
}
