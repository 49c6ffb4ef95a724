// Package metrics provides Prometheus metrics for the meeting bot.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tldv"

// Metrics holds all Prometheus metrics for the bot.
type Metrics struct {
	// Session metrics
	SessionsTotal    prometheus.Counter
	SessionsActive   prometheus.Gauge
	SessionDuration  prometheus.Histogram
	Terminations     *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	SetupFailures    prometheus.Counter

	// Signal metrics
	CaptionsAccepted  prometheus.Counter
	CaptionsDuplicate prometheus.Counter
	ParticipantPolls  *prometheus.CounterVec
	Participants      prometheus.Gauge

	// Recording metrics
	RecordingBytes    prometheus.Histogram
	RecordingFailures prometheus.Counter
	RecordingKills    prometheus.Counter

	// Offline pipeline metrics
	TranscriptionLatency *prometheus.HistogramVec
	TranscriptionErrors  *prometheus.CounterVec
	SegmentsParsed       prometheus.Counter
	LabelsReconciled     *prometheus.CounterVec
	CleanupErrors        *prometheus.CounterVec

	// Kafka publish metrics
	KafkaPublishTotal  *prometheus.CounterVec
	KafkaPublishErrors *prometheus.CounterVec
}

// Registry holds the bot's collectors, separate from the global default.
var Registry = newRegistry()

// DefaultMetrics is the global metrics instance.
var DefaultMetrics = NewMetrics(Registry)

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// NewMetrics creates all metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of meeting sessions started",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently in the meeting",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Time from activation to termination",
			Buckets:   []float64{60, 300, 600, 1200, 1800, 3600, 5400, 7200, 10800},
		}),
		Terminations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminations_total",
			Help:      "Sessions terminated, by trigger",
		}, []string{"reason"}),
		StateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Session state transitions, by target state",
		}, []string{"state"}),
		SetupFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "setup_failures_total",
			Help:      "Sessions that never confirmed the join",
		}),

		CaptionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captions_accepted_total",
			Help:      "Captions appended to the session buffer",
		}),
		CaptionsDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captions_duplicate_total",
			Help:      "Captions dropped as already seen",
		}),
		ParticipantPolls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "participant_polls_total",
			Help:      "Participant count samples, by outcome",
		}, []string{"outcome"}),
		Participants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Last sampled participant count",
		}),

		RecordingBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recording_bytes",
			Help:      "Size of finished recordings",
			Buckets:   prometheus.ExponentialBuckets(1<<16, 4, 10),
		}),
		RecordingFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_failures_total",
			Help:      "Recordings that were missing or empty",
		}),
		RecordingKills: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recording_kills_total",
			Help:      "Capture processes that had to be killed after the grace period",
		}),

		TranscriptionLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcription_duration_seconds",
			Help:      "Time spent waiting for the diarization service",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"provider"}),
		TranscriptionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcription_errors_total",
			Help:      "Transcription failures, by kind",
		}, []string{"provider", "kind"}),
		SegmentsParsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segments_parsed_total",
			Help:      "Diarized segments parsed from service responses",
		}),
		LabelsReconciled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "labels_reconciled_total",
			Help:      "Diarization labels reconciled, by outcome",
		}, []string{"outcome"}),
		CleanupErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_errors_total",
			Help:      "Cleanup step failures, by step",
		}, []string{"step"}),

		KafkaPublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_total",
			Help:      "Events published to Kafka, by topic",
		}, []string{"topic"}),
		KafkaPublishErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_publish_errors_total",
			Help:      "Kafka publish failures, by topic",
		}, []string{"topic"}),
	}
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
