package session

import (
	"context"
	"time"

	"github.com/diaslmb/tldv/internal/audio"
	"github.com/diaslmb/tldv/internal/meet"
	"github.com/diaslmb/tldv/internal/reconcile"
	"github.com/diaslmb/tldv/internal/storage"
	"github.com/diaslmb/tldv/internal/transcribe"
	"github.com/diaslmb/tldv/internal/transcript"
)

// Observer is the session's view of the meeting UI.
type Observer interface {
	ParticipantCounter
	WaitJoined(ctx context.Context) error
	Captions() <-chan meet.CaptionObserved
	Ended() <-chan struct{}
	IsAloneBannerVisible(ctx context.Context) (bool, error)
}

type Recorder interface {
	Start(sessionID string, maxDuration time.Duration) (*audio.Handle, error)
	Stop(h *audio.Handle) audio.Recording
}

type Store interface {
	CreateSession(id, meetingURL string, createdAt time.Time) error
	UpdateState(id, state, reason string, at time.Time) error
	AppendCaptions(sessionID string, captions []transcribe.Caption) error
	SaveTranscript(sessionID string, segments []transcribe.Segment, mappings reconcile.Mappings, lines []transcript.Line) error
	UpdateSummary(sessionID, summary, status string) error
	FinishSession(id string, f storage.Finish) error
}

type ArtifactWriter interface {
	Write(a storage.Artifacts) (string, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, sessionID, transcript string) (string, error)
}

type Uploader interface {
	Upload(ctx context.Context, sessionID, path string) error
}

// EventSink is notified of session progress. Calls come from the session
// goroutine and must not block for long.
type EventSink interface {
	StateChanged(s Snapshot)
	CaptionAccepted(sessionID string, c transcribe.Caption)
	SessionFinished(r Result)
}

// Leaver makes the bot leave the meeting.
type Leaver interface {
	Leave(ctx context.Context) error
}

type LeaveFunc func(ctx context.Context) error

func (f LeaveFunc) Leave(ctx context.Context) error {
	return f(ctx)
}
