package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diaslmb/tldv/internal/audio"
	"github.com/diaslmb/tldv/internal/config"
	"github.com/diaslmb/tldv/internal/events"
	"github.com/diaslmb/tldv/internal/gdrive"
	"github.com/diaslmb/tldv/internal/llm"
	"github.com/diaslmb/tldv/internal/logging"
	"github.com/diaslmb/tldv/internal/meet"
	"github.com/diaslmb/tldv/internal/reconcile"
	"github.com/diaslmb/tldv/internal/server"
	"github.com/diaslmb/tldv/internal/session"
	"github.com/diaslmb/tldv/internal/storage"
	"github.com/diaslmb/tldv/internal/summary"
	"github.com/diaslmb/tldv/internal/transcribe"
	"github.com/rs/zerolog"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-config path] <meeting-url>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return 1
	}
	meetingURL := flag.Arg(0)

	cfg, warnings, err := config.Load(*configPath)
	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logging.WithComponent("main")
	if err != nil {
		log.Error().Err(err).Str("path", *configPath).Msg("load config")
		return 1
	}
	for _, w := range warnings {
		log.Warn().Msg(w)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Error().Err(err).Msg("storage init failed")
		return 1
	}
	defer func() { _ = store.Close() }()

	bridge := meet.NewBridge(meetingURL, cfg.BotName, cfg.ParsedParticipantStaleAfter())
	defer bridge.Close()

	publisher := events.New(events.Config{
		Brokers:          cfg.Kafka.Brokers,
		TopicEvents:      cfg.Kafka.TopicEvents,
		TopicTranscripts: cfg.Kafka.TopicTranscripts,
	})
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn().Err(err).Msg("close event publisher")
		}
	}()

	hub := server.NewHub()

	deps := session.Deps{
		Observer: bridge,
		Recorder: audio.NewSupervisor(audio.FFmpegCapturer{
			Command:     cfg.Capture.Command,
			InputFormat: cfg.Capture.InputFormat,
			InputDevice: cfg.Capture.InputDevice,
			SampleRate:  cfg.Capture.SampleRate,
		}, cfg.AudioDir, cfg.ParsedStopGrace()),
		Gateway: newGateway(cfg),
		Reconciler: reconcile.New(reconcile.Options{
			MinSimilarity: cfg.MinSimilarity,
			Threshold:     cfg.ConfidenceThreshold,
			Exclude:       cfg.SpeakerExclusions(),
		}),
		Store:     store,
		Artifacts: storage.NewWriter(cfg.OutputDir),
		Sinks:     []session.EventSink{hub, publisher},
	}

	if s := newSummarizer(cfg, store, log); s != nil {
		deps.Summarizer = s
	}

	if cfg.GDriveFolderID != "" {
		uploader, err := gdrive.NewUploader(ctx, cfg.GoogleCredentialsFile, cfg.GDriveFolderID)
		if err != nil {
			log.Warn().Err(err).Msg("gdrive upload disabled")
		} else {
			deps.Uploader = uploader
		}
	}

	ln, err := server.Listen(cfg.HTTPAddr)
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.HTTPAddr).Msg("http listen failed")
		return 1
	}

	var driver *meet.Driver
	if len(cfg.DriverCommand) > 0 {
		driver, err = meet.StartDriver(cfg.DriverCommand, meet.DriverEnv{
			MeetingURL: meetingURL,
			BridgeURL:  bridgeURL(ln.Addr()),
			BotName:    cfg.BotName,
		}, func(error) { bridge.MarkEnded() })
		if err != nil {
			_ = ln.Close()
			log.Error().Err(err).Msg("start driver failed")
			return 1
		}
		grace := cfg.ParsedStopGrace()
		deps.Leaver = session.LeaveFunc(func(context.Context) error {
			return driver.Stop(grace)
		})
		defer func() { _ = driver.Stop(grace) }()
	} else {
		log.Warn().Msg("no driver_command configured; waiting for an external driver to report to the bridge")
	}

	manager := session.NewManager(session.Options{
		BotName:        cfg.BotName,
		SetupTimeout:   cfg.ParsedSetupTimeout(),
		IdleTimeout:    cfg.ParsedIdleTimeout(),
		MaxDuration:    cfg.ParsedMaxDuration(),
		PollInterval:   cfg.ParsedPollInterval(),
		FlushInterval:  cfg.ParsedCaptionFlushInterval(),
		CleanupTimeout: cfg.ParsedCleanupTimeout(),
		FailureLimit:   cfg.ParticipantFailureLimit,
		Provider:       cfg.Transcription.Provider,
	}, deps)

	handler := server.Handler(hub, store, server.Controls{
		Snapshot: manager.Snapshot,
		Stop:     manager.Stop,
		Warnings: func() []string { return warnings },
	}, bridge)

	serveCtx, stopServe := context.WithCancel(context.Background())
	serveDone := make(chan struct{})
	go func() {
		defer close(serveDone)
		if err := server.Serve(serveCtx, ln, handler); err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}()
	defer func() {
		stopServe()
		<-serveDone
	}()

	result, err := manager.Run(ctx, meetingURL)
	logResult(log, result)
	if err != nil {
		log.Error().Err(err).Msg("session failed")
		if errors.Is(err, session.ErrSetupFailure) {
			return 1
		}
		return 2
	}
	return 0
}

func newGateway(cfg config.Config) transcribe.Gateway {
	if cfg.Transcription.Provider == "deepgram" {
		return transcribe.NewDeepgram(cfg.DeepgramAPIKey, cfg.Transcription.Model, cfg.Transcription.Language)
	}
	return transcribe.NewWhisper(cfg.Transcription.BaseURL, cfg.WhisperAPIKey, cfg.Transcription.Model, cfg.Transcription.Language)
}

func newSummarizer(cfg config.Config, store *storage.SQLiteStore, log zerolog.Logger) *summary.Summarizer {
	if cfg.SummaryModel == "" {
		return nil
	}
	keys := llm.Keys{
		OpenAI:    cfg.OpenAIAPIKey,
		Anthropic: cfg.AnthropicAPIKey,
		Gemini:    cfg.GeminiAPIKey,
	}
	provider, _, err := llm.ParseModel(cfg.SummaryModel)
	if err != nil {
		log.Warn().Err(err).Msg("summaries disabled")
		return nil
	}
	if keys.For(provider) == "" {
		log.Info().Str("provider", provider).Msg("no API key for summary provider; summaries disabled")
		return nil
	}
	s, err := summary.New(cfg.SummaryModel, keys, summary.Options{Store: store})
	if err != nil {
		log.Warn().Err(err).Msg("summaries disabled")
		return nil
	}
	return s
}

// bridgeURL is the address the driver posts observations to. Wildcard
// listeners are reached over loopback.
func bridgeURL(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return "http://" + addr.String()
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, fmt.Sprint(tcp.Port))
}

func logResult(log zerolog.Logger, r session.Result) {
	if r.SessionID == "" {
		return
	}
	evt := log.Info()
	if r.Err() != nil {
		evt = log.Warn().AnErr("cleanup_errors", r.Err())
	}
	duration := time.Duration(0)
	if !r.StartedAt.IsZero() {
		duration = r.EndedAt.Sub(r.StartedAt)
	}
	evt.Str("session_id", r.SessionID).
		Str("reason", string(r.Reason)).
		Dur("duration", duration).
		Int("captions", len(r.Captions)).
		Int("lines", len(r.Lines)).
		Bool("capture_ok", r.Recording.Success).
		Str("artifacts", r.ArtifactDir).
		Msg("session finished")
}
