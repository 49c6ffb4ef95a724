// Package llm wraps the chat-completion APIs used to write meeting notes.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingKey means no API key is configured for the chosen provider.
	ErrMissingKey = errors.New("missing llm api key")
	// ErrEmptyCompletion means the provider answered without any text.
	ErrEmptyCompletion = errors.New("empty completion")
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Defaults for one set of meeting notes.
const (
	defaultMaxTokens   = 4096
	defaultTemperature = 0.2
)

type Message struct {
	Role    string
	Content string
}

type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

type Option func(*clientOptions)

type clientOptions struct {
	baseURL     string
	maxTokens   int
	temperature float64
}

func defaultOptions() clientOptions {
	return clientOptions{maxTokens: defaultMaxTokens, temperature: defaultTemperature}
}

func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

// WithMaxTokens caps the length of a completion. Non-positive values keep
// the default.
func WithMaxTokens(n int) Option {
	return func(o *clientOptions) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// WithTemperature sets sampling temperature, clamped to [0, 1].
func WithTemperature(t float64) Option {
	return func(o *clientOptions) {
		o.temperature = min(max(t, 0), 1)
	}
}

// Keys holds one API key per provider.
type Keys struct {
	OpenAI    string
	Anthropic string
	Gemini    string
}

func (k Keys) For(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return k.OpenAI
	case ProviderAnthropic:
		return k.Anthropic
	case ProviderGemini:
		return k.Gemini
	default:
		return ""
	}
}

func ParseModel(model string) (provider, modelName string, err error) {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid model format %q: expected provider/model_name", model)
	}
	return parts[0], parts[1], nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	switch provider {
	case ProviderOpenAI:
		return newOpenAIClient(apiKey, model, o)
	case ProviderAnthropic:
		return newAnthropicClient(apiKey, model, o)
	case ProviderGemini:
		return newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown LLM provider %q: supported providers are openai, anthropic, gemini", provider)
	}
}

// FromModel builds a client for a "provider/model" string with the matching
// key from keys.
func FromModel(model string, keys Keys, opts ...Option) (Client, error) {
	provider, name, err := ParseModel(model)
	if err != nil {
		return nil, err
	}
	key := keys.For(provider)
	if key == "" {
		return nil, fmt.Errorf("%w for provider %q", ErrMissingKey, provider)
	}
	return NewClient(provider, key, name, opts...)
}

// splitSystem joins every system message into one instruction and returns
// the remaining conversation turns in order.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	turns := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		turns = append(turns, m)
	}
	return strings.Join(system, "\n\n"), turns
}

func hasUserTurn(turns []Message) bool {
	for _, m := range turns {
		if m.Role == RoleUser {
			return true
		}
	}
	return false
}

func completion(provider, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%s: %w", provider, ErrEmptyCompletion)
	}
	return text, nil
}
