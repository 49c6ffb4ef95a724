package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
	model  string
	opts   clientOptions
}

func newGeminiClient(apiKey, model string, opts clientOptions) (*geminiClient, error) {
	config := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if opts.baseURL != "" {
		config.HTTPOptions.BaseURL = opts.baseURL
	}

	client, err := genai.NewClient(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiClient{client: client, model: model, opts: opts}, nil
}

// geminiRequest maps messages onto a system instruction and a conversation
// where the assistant speaks as "model".
func (c *geminiClient) geminiRequest(messages []Message) ([]*genai.Content, *genai.GenerateContentConfig) {
	system, turns := splitSystem(messages)

	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}

	temperature := float32(c.opts.temperature)
	config := &genai.GenerateContentConfig{Temperature: &temperature}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if c.opts.maxTokens > 0 {
		config.MaxOutputTokens = int32(c.opts.maxTokens)
	}
	return contents, config
}

func (c *geminiClient) Complete(ctx context.Context, messages []Message) (string, error) {
	_, turns := splitSystem(messages)
	if !hasUserTurn(turns) {
		return "", fmt.Errorf("gemini: no user message provided")
	}

	contents, config := c.geminiRequest(messages)
	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}
	return completion(ProviderGemini, result.Text())
}
