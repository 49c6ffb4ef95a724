package summary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diaslmb/tldv/internal/llm"
	"github.com/diaslmb/tldv/internal/logging"
	"github.com/rs/zerolog"
)

const (
	minWords = 20

	DefaultSystemPrompt = "You take notes for a video meeting. Summarize the transcript in markdown with three sections: " +
		"Key topics, Decisions, and Action items. Attribute each action item to its owner when the transcript names one. " +
		"Do not invent facts that are not in the transcript."

	DefaultUserTemplate = "Meeting date: {{date}}\n\nTranscript:\n{{transcript}}"
)

// IdempotencyStore records which (session, prompt) pairs have already been
// sent so a retried cleanup does not bill the same summary twice.
type IdempotencyStore interface {
	ClaimSummaryRequest(sessionID, promptHash string) (bool, error)
}

type ClientFactory func() (llm.Client, error)

type Options struct {
	SystemPrompt string
	UserTemplate string
	Store        IdempotencyStore
}

type Summarizer struct {
	factory      ClientFactory
	systemPrompt string
	userTemplate string
	store        IdempotencyStore
	log          zerolog.Logger
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error
}

// New builds a summarizer for a "provider/model" string, resolving the API key
// for that provider from keys.
func New(model string, keys llm.Keys, opts Options) (*Summarizer, error) {
	if _, _, err := llm.ParseModel(model); err != nil {
		return nil, err
	}
	return NewWithFactory(func() (llm.Client, error) {
		return llm.FromModel(model, keys)
	}, opts), nil
}

func NewWithFactory(factory ClientFactory, opts Options) *Summarizer {
	if strings.TrimSpace(opts.SystemPrompt) == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if strings.TrimSpace(opts.UserTemplate) == "" {
		opts.UserTemplate = DefaultUserTemplate
	}
	return &Summarizer{
		factory:      factory,
		systemPrompt: opts.SystemPrompt,
		userTemplate: opts.UserTemplate,
		store:        opts.Store,
		log:          logging.WithComponent("summary"),
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// Summarize returns markdown meeting notes for transcript. An empty string with
// a nil error means the transcript was too short or was already summarized.
func (s *Summarizer) Summarize(ctx context.Context, sessionID, transcript string) (string, error) {
	words := len(strings.Fields(transcript))
	if words < minWords {
		s.log.Debug().Str("session", sessionID).Int("words", words).Msg("transcript too short to summarize")
		return "", nil
	}

	messages := s.messages(transcript)

	if s.store != nil {
		claimed, err := s.store.ClaimSummaryRequest(sessionID, promptHash(messages))
		if err != nil {
			return "", fmt.Errorf("claim summary request: %w", err)
		}
		if !claimed {
			s.log.Info().Str("session", sessionID).Msg("summary already requested")
			return "", nil
		}
	}

	client, err := s.factory()
	if err != nil {
		return "", fmt.Errorf("create llm client: %w", err)
	}

	backoff := []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second}
	var lastErr error
	for attempt := range backoff {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		result, err := client.Complete(ctx, messages)
		if err == nil {
			return strings.TrimSpace(result), nil
		}
		lastErr = err
		s.log.Warn().Err(err).Str("session", sessionID).Int("attempt", attempt+1).Msg("summary request failed")
		if attempt < len(backoff)-1 {
			if err := s.sleep(ctx, backoff[attempt]); err != nil {
				return "", fmt.Errorf("summarize interrupted after %d attempts: %w", attempt+1, errors.Join(err, lastErr))
			}
		}
	}
	return "", fmt.Errorf("summarize failed after retries: %w", lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Summarizer) messages(transcript string) []llm.Message {
	date := s.now().UTC().Format("2006-01-02")
	user := strings.ReplaceAll(s.userTemplate, "{{transcript}}", transcript)
	user = strings.ReplaceAll(user, "{{date}}", date)
	return []llm.Message{
		{Role: llm.RoleSystem, Content: s.systemPrompt},
		{Role: llm.RoleUser, Content: user},
	}
}

func promptHash(messages []llm.Message) string {
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
