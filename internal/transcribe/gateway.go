package transcribe

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable means the diarization service could not be reached.
	ErrUnavailable = errors.New("transcription service unavailable")
	// ErrRejected means the service answered with a non-success response.
	ErrRejected = errors.New("transcription rejected")
)

// Result carries the raw service text next to the parsed segments so the
// raw diarized transcript can be kept for reproducibility.
type Result struct {
	Raw      string
	Segments []Segment
}

// Gateway submits a finished recording to a diarizing speech-to-text service.
type Gateway interface {
	Transcribe(ctx context.Context, audioPath string) (Result, error)
}
