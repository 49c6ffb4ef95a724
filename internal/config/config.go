package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the namespace prefix for all tldv environment variables.
const EnvPrefix = "TLDV_"

// Config holds all application configuration. Secrets (API keys) are loaded
// exclusively from environment variables and never appear in the config file.
type Config struct {
	BotName   string `yaml:"bot_name"`
	OutputDir string `yaml:"output_dir"`
	DBPath    string `yaml:"db_path"`
	AudioDir  string `yaml:"audio_dir"`
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	SetupTimeout            string `yaml:"setup_timeout"`
	IdleTimeout             string `yaml:"idle_timeout"`
	MaxDuration             string `yaml:"max_duration"`
	PollInterval            string `yaml:"poll_interval"`
	CaptionFlushInterval    string `yaml:"caption_flush_interval"`
	ParticipantFailureLimit int    `yaml:"participant_failure_limit"`
	ParticipantStaleAfter   string `yaml:"participant_stale_after"`
	StopGrace               string `yaml:"stop_grace"`
	CleanupTimeout          string `yaml:"cleanup_timeout"`

	ExcludedSpeakers    []string `yaml:"excluded_speakers"`
	MinSimilarity       float64  `yaml:"min_similarity"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`

	Capture       Capture       `yaml:"capture"`
	DriverCommand []string      `yaml:"driver_command"`
	Transcription Transcription `yaml:"transcription"`
	Kafka         Kafka         `yaml:"kafka"`

	SummaryModel          string `yaml:"summary_model"`
	GDriveFolderID        string `yaml:"gdrive_folder_id"`
	GoogleCredentialsFile string `yaml:"google_credentials_file"`

	// Secrets: env vars only, never serialized to YAML.
	WhisperAPIKey   string `yaml:"-"`
	DeepgramAPIKey  string `yaml:"-"`
	OpenAIAPIKey    string `yaml:"-"`
	AnthropicAPIKey string `yaml:"-"`
	GeminiAPIKey    string `yaml:"-"`
}

type Capture struct {
	Command     string `yaml:"command"`
	InputFormat string `yaml:"input_format"`
	InputDevice string `yaml:"input_device"`
	SampleRate  int    `yaml:"sample_rate"`
}

type Transcription struct {
	Provider string `yaml:"provider"` // whisper or deepgram
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
	Language string `yaml:"language"`
}

type Kafka struct {
	Brokers          []string `yaml:"brokers"`
	TopicEvents      string   `yaml:"topic_events"`
	TopicTranscripts string   `yaml:"topic_transcripts"`
}

const (
	defaultSetupTimeout   = 2 * time.Minute
	defaultIdleTimeout    = 5 * time.Minute
	defaultMaxDuration    = 3 * time.Hour
	defaultPollInterval   = 10 * time.Second
	defaultFlushInterval  = 5 * time.Second
	defaultStaleAfter     = 30 * time.Second
	defaultStopGrace      = 10 * time.Second
	defaultCleanupTimeout = 30 * time.Minute
)

func defaults() Config {
	return Config{
		BotName:   "SHAI VoiceAI",
		OutputDir: "data/sessions",
		DBPath:    "data/tldv.db",
		AudioDir:  "data/audio",
		HTTPAddr:  "127.0.0.1:8080",
		LogLevel:  "info",
		LogFormat: "json",

		SetupTimeout:            defaultSetupTimeout.String(),
		IdleTimeout:             defaultIdleTimeout.String(),
		MaxDuration:             defaultMaxDuration.String(),
		PollInterval:            defaultPollInterval.String(),
		CaptionFlushInterval:    defaultFlushInterval.String(),
		ParticipantFailureLimit: 6,
		ParticipantStaleAfter:   defaultStaleAfter.String(),
		StopGrace:               defaultStopGrace.String(),
		CleanupTimeout:          defaultCleanupTimeout.String(),

		ExcludedSpeakers:    []string{"Unknown"},
		MinSimilarity:       0.3,
		ConfidenceThreshold: 0.4,

		Capture: Capture{
			Command:     "ffmpeg",
			InputFormat: "pulse",
			InputDevice: "default",
			SampleRate:  16000,
		},
		Transcription: Transcription{
			Provider: "whisper",
			BaseURL:  "http://localhost:8000/v1",
			Model:    "whisper-1",
		},
		Kafka: Kafka{
			TopicEvents:      "tldv.session-events",
			TopicTranscripts: "tldv.transcripts",
		},
		SummaryModel:          "openai/gpt-4o-mini",
		GoogleCredentialsFile: "./service-account.json",
	}
}

// Load reads configuration from a YAML file (if it exists), applies
// environment variable overrides, loads secrets, and validates the result.
// It returns the config, any validation warnings, and an error if the file
// exists but cannot be read or parsed.
func Load(path string) (Config, []string, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, nil, fmt.Errorf("read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	loadSecrets(&cfg)

	warnings := validate(&cfg)
	return cfg, warnings, nil
}

func (c *Config) ParsedSetupTimeout() time.Duration {
	return durationOr(c.SetupTimeout, defaultSetupTimeout)
}

func (c *Config) ParsedIdleTimeout() time.Duration {
	return durationOr(c.IdleTimeout, defaultIdleTimeout)
}

func (c *Config) ParsedMaxDuration() time.Duration {
	return durationOr(c.MaxDuration, defaultMaxDuration)
}

func (c *Config) ParsedPollInterval() time.Duration {
	return durationOr(c.PollInterval, defaultPollInterval)
}

func (c *Config) ParsedCaptionFlushInterval() time.Duration {
	return durationOr(c.CaptionFlushInterval, defaultFlushInterval)
}

func (c *Config) ParsedParticipantStaleAfter() time.Duration {
	return durationOr(c.ParticipantStaleAfter, defaultStaleAfter)
}

func (c *Config) ParsedStopGrace() time.Duration {
	return durationOr(c.StopGrace, defaultStopGrace)
}

func (c *Config) ParsedCleanupTimeout() time.Duration {
	return durationOr(c.CleanupTimeout, defaultCleanupTimeout)
}

// SpeakerExclusions returns the caption speaker names that never count as
// reconciliation evidence: the bot's own display name plus configured names.
func (c *Config) SpeakerExclusions() []string {
	seen := make(map[string]struct{}, len(c.ExcludedSpeakers)+1)
	result := make([]string, 0, len(c.ExcludedSpeakers)+1)
	for _, name := range append([]string{c.BotName}, c.ExcludedSpeakers...) {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		result = append(result, name)
	}
	return result
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func applyEnvOverrides(cfg *Config) {
	strOverrides := map[string]*string{
		"BOT_NAME":                &cfg.BotName,
		"OUTPUT_DIR":              &cfg.OutputDir,
		"DB_PATH":                 &cfg.DBPath,
		"AUDIO_DIR":               &cfg.AudioDir,
		"HTTP_ADDR":               &cfg.HTTPAddr,
		"LOG_LEVEL":               &cfg.LogLevel,
		"LOG_FORMAT":              &cfg.LogFormat,
		"SETUP_TIMEOUT":           &cfg.SetupTimeout,
		"IDLE_TIMEOUT":            &cfg.IdleTimeout,
		"MAX_DURATION":            &cfg.MaxDuration,
		"POLL_INTERVAL":           &cfg.PollInterval,
		"CAPTION_FLUSH_INTERVAL":  &cfg.CaptionFlushInterval,
		"PARTICIPANT_STALE_AFTER": &cfg.ParticipantStaleAfter,
		"STOP_GRACE":              &cfg.StopGrace,
		"CLEANUP_TIMEOUT":         &cfg.CleanupTimeout,
		"CAPTURE_COMMAND":         &cfg.Capture.Command,
		"CAPTURE_INPUT_FORMAT":    &cfg.Capture.InputFormat,
		"CAPTURE_INPUT_DEVICE":    &cfg.Capture.InputDevice,
		"TRANSCRIPTION_PROVIDER":  &cfg.Transcription.Provider,
		"TRANSCRIPTION_BASE_URL":  &cfg.Transcription.BaseURL,
		"TRANSCRIPTION_MODEL":     &cfg.Transcription.Model,
		"TRANSCRIPTION_LANGUAGE":  &cfg.Transcription.Language,
		"SUMMARY_MODEL":           &cfg.SummaryModel,
		"GDRIVE_FOLDER_ID":        &cfg.GDriveFolderID,
		"GOOGLE_CREDENTIALS_FILE": &cfg.GoogleCredentialsFile,
		"KAFKA_TOPIC_EVENTS":      &cfg.Kafka.TopicEvents,
		"KAFKA_TOPIC_TRANSCRIPTS": &cfg.Kafka.TopicTranscripts,
	}
	for key, dst := range strOverrides {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv(EnvPrefix + "PARTICIPANT_FAILURE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			cfg.ParticipantFailureLimit = n
		}
	}
	if v := os.Getenv(EnvPrefix + "CAPTURE_SAMPLE_RATE"); v != "" {
		if rate, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && rate > 0 {
			cfg.Capture.SampleRate = rate
		}
	}
	if v := os.Getenv(EnvPrefix + "MIN_SIMILARITY"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			cfg.MinSimilarity = f
		}
	}
	if v := os.Getenv(EnvPrefix + "CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			cfg.ConfidenceThreshold = f
		}
	}
	if v := os.Getenv(EnvPrefix + "EXCLUDED_SPEAKERS"); v != "" {
		cfg.ExcludedSpeakers = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "DRIVER_COMMAND"); v != "" {
		cfg.DriverCommand = strings.Fields(v)
	}
	if v := os.Getenv(EnvPrefix + "KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
}

func loadSecrets(cfg *Config) {
	cfg.WhisperAPIKey = os.Getenv(EnvPrefix + "WHISPER_API_KEY")
	cfg.DeepgramAPIKey = os.Getenv(EnvPrefix + "DEEPGRAM_API_KEY")
	cfg.OpenAIAPIKey = os.Getenv(EnvPrefix + "OPENAI_API_KEY")
	cfg.AnthropicAPIKey = os.Getenv(EnvPrefix + "ANTHROPIC_API_KEY")
	cfg.GeminiAPIKey = os.Getenv(EnvPrefix + "GEMINI_API_KEY")
}

func validate(cfg *Config) []string {
	var warnings []string

	durations := []struct {
		name string
		raw  string
	}{
		{"setup_timeout", cfg.SetupTimeout},
		{"idle_timeout", cfg.IdleTimeout},
		{"max_duration", cfg.MaxDuration},
		{"poll_interval", cfg.PollInterval},
		{"caption_flush_interval", cfg.CaptionFlushInterval},
		{"participant_stale_after", cfg.ParticipantStaleAfter},
		{"stop_grace", cfg.StopGrace},
		{"cleanup_timeout", cfg.CleanupTimeout},
	}
	for _, d := range durations {
		if v, err := time.ParseDuration(d.raw); err != nil || v <= 0 {
			warnings = append(warnings, fmt.Sprintf("Invalid %s %q; using the default.", d.name, d.raw))
		}
	}

	if cfg.ParticipantFailureLimit <= 0 {
		warnings = append(warnings, "participant_failure_limit must be positive; using 6.")
		cfg.ParticipantFailureLimit = 6
	}
	if cfg.MinSimilarity < 0 || cfg.MinSimilarity > 1 {
		warnings = append(warnings, fmt.Sprintf("min_similarity %.2f out of [0,1]; using 0.3.", cfg.MinSimilarity))
		cfg.MinSimilarity = 0.3
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		warnings = append(warnings, fmt.Sprintf("confidence_threshold %.2f out of [0,1]; using 0.4.", cfg.ConfidenceThreshold))
		cfg.ConfidenceThreshold = 0.4
	}

	switch cfg.Transcription.Provider {
	case "whisper":
	case "deepgram":
		if cfg.DeepgramAPIKey == "" {
			warnings = append(warnings, "Deepgram provider selected but no API key; transcription will be skipped. Set "+EnvPrefix+"DEEPGRAM_API_KEY.")
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Unknown transcription provider %q; using whisper.", cfg.Transcription.Provider))
		cfg.Transcription.Provider = "whisper"
	}

	if len(cfg.DriverCommand) == 0 {
		warnings = append(warnings, "driver_command not configured; an external driver must call the bridge endpoints.")
	}

	return warnings
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
