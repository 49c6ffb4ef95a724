package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// WhisperGateway talks to a whisper-compatible /audio/transcriptions endpoint
// whose "text" field carries the diarized grammar understood by Parse.
type WhisperGateway struct {
	client   *openai.Client
	model    string
	language string
}

func NewWhisper(baseURL, apiKey, model, language string) *WhisperGateway {
	config := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if strings.TrimSpace(model) == "" {
		model = openai.Whisper1
	}
	return &WhisperGateway{
		client:   openai.NewClientWithConfig(config),
		model:    model,
		language: language,
	}
}

func (g *WhisperGateway) Transcribe(ctx context.Context, audioPath string) (Result, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return Result{}, fmt.Errorf("stat audio %s: %w", audioPath, err)
	}

	resp, err := g.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    g.model,
		FilePath: audioPath,
		Language: g.language,
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return Result{}, classifyOpenAIError(err)
	}

	return Result{Raw: resp.Text, Segments: Parse(resp.Text)}, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: http %d: %s", ErrRejected, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: http %d: %w", ErrRejected, reqErr.HTTPStatusCode, reqErr.Err)
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
