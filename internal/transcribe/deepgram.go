package transcribe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	client "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
)

// DeepgramGateway diarizes a recording with Deepgram's pre-recorded API and
// re-renders the result in the whisper text grammar so both providers leave
// the same raw artifact behind.
type DeepgramGateway struct {
	fetch func(ctx context.Context, audioPath string) ([]Word, error)
}

func NewDeepgram(apiKey, model, language string) *DeepgramGateway {
	client.Init(client.InitLib{LogLevel: client.LogLevelDefault})

	if model == "" || model == "whisper-1" {
		model = "nova-2"
	}
	if language == "" {
		language = "en-US"
	}

	options := &interfaces.PreRecordedTranscriptionOptions{
		Model:       model,
		Language:    language,
		Diarize:     true,
		Punctuate:   true,
		SmartFormat: true,
	}
	dg := api.New(client.NewREST(apiKey, &interfaces.ClientOptions{}))

	return &DeepgramGateway{
		fetch: func(ctx context.Context, audioPath string) ([]Word, error) {
			res, err := dg.FromFile(ctx, audioPath, options)
			if err != nil {
				return nil, err
			}
			if res == nil || res.Results == nil || len(res.Results.Channels) == 0 ||
				len(res.Results.Channels[0].Alternatives) == 0 {
				return nil, nil
			}

			alt := res.Results.Channels[0].Alternatives[0]
			words := make([]Word, 0, len(alt.Words))
			for _, w := range alt.Words {
				words = append(words, Word{
					Speaker:        w.Speaker,
					PunctuatedWord: w.PunctuatedWord,
					Start:          w.Start,
					End:            w.End,
				})
			}
			return words, nil
		},
	}
}

func (g *DeepgramGateway) Transcribe(ctx context.Context, audioPath string) (Result, error) {
	if _, err := os.Stat(audioPath); err != nil {
		return Result{}, fmt.Errorf("stat audio %s: %w", audioPath, err)
	}

	words, err := g.fetch(ctx, audioPath)
	if err != nil {
		return Result{}, classifyDeepgramError(err)
	}

	segments := GroupWordsBySpeaker(words)
	return Result{Raw: FormatAll(segments), Segments: segments}, nil
}

func classifyDeepgramError(err error) error {
	var netErr net.Error
	var urlErr *url.Error
	if errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %w", ErrRejected, err)
}
