package llm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func geminiReply(text string) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"parts": []map[string]any{{"text": text}},
				"role":  "model",
			},
			"finishReason": "STOP",
		}},
	}
}

func TestGeminiRequestMapsRoles(t *testing.T) {
	c := &geminiClient{model: "gemini-test", opts: defaultOptions()}
	contents, config := c.geminiRequest([]Message{
		{Role: RoleSystem, Content: "You take meeting notes."},
		{Role: RoleUser, Content: "transcript"},
		{Role: RoleAssistant, Content: "draft"},
		{Role: RoleUser, Content: "add owners"},
	})

	if config.SystemInstruction == nil || config.SystemInstruction.Parts[0].Text != "You take meeting notes." {
		t.Fatalf("unexpected system instruction: %#v", config.SystemInstruction)
	}
	if config.MaxOutputTokens != defaultMaxTokens {
		t.Fatalf("expected max output tokens %d, got %d", defaultMaxTokens, config.MaxOutputTokens)
	}
	if config.Temperature == nil {
		t.Fatal("expected temperature to be set")
	}
	assertClose(t, "temperature", float64(*config.Temperature), defaultTemperature)

	want := []struct{ role, text string }{{"user", "transcript"}, {"model", "draft"}, {"user", "add owners"}}
	if len(contents) != len(want) {
		t.Fatalf("expected %d contents, got %d", len(want), len(contents))
	}
	for i, w := range want {
		if contents[i].Role != w.role || contents[i].Parts[0].Text != w.text {
			t.Fatalf("content %d: expected %s %q, got %#v", i, w.role, w.text, contents[i])
		}
	}
}

func TestGeminiCompleteSendsGenerationConfig(t *testing.T) {
	srv := newRecordingServer(t, geminiReply(" ## Action items\n"))

	client, err := NewClient(ProviderGemini, "test-key", "gemini-test", WithBaseURL(srv.URL), WithMaxTokens(512))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	got, err := client.Complete(context.Background(), notesRequest)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got != "## Action items" {
		t.Fatalf("expected trimmed notes, got %q", got)
	}

	if !strings.HasSuffix(srv.lastPath(), "models/gemini-test:generateContent") {
		t.Fatalf("unexpected path %q", srv.lastPath())
	}
	gen, ok := srv.lastBody()["generationConfig"].(map[string]any)
	if !ok {
		t.Fatalf("expected generationConfig in request, got %v", srv.lastBody())
	}
	assertClose(t, "maxOutputTokens", numberField(t, gen, "maxOutputTokens"), 512)
	assertClose(t, "temperature", numberField(t, gen, "temperature"), defaultTemperature)
}

func TestGeminiCompleteEmptyResult(t *testing.T) {
	srv := newRecordingServer(t, geminiReply(""))

	client, err := NewClient(ProviderGemini, "test-key", "gemini-test", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	_, err = client.Complete(context.Background(), notesRequest)
	if !errors.Is(err, ErrEmptyCompletion) {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
}
