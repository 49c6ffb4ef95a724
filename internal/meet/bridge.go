// Package meet connects the session to the browser driver that sits in the
// meeting. The driver pushes what it sees over HTTP; the session reads it
// through the narrow observer methods on Bridge.
package meet

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/diaslmb/tldv/internal/logging"
)

var (
	// ErrUnavailable means no fresh participant count has been reported.
	ErrUnavailable = errors.New("participant count unavailable")
	// ErrEndedBeforeJoin means the driver reported the meeting over before
	// the bot was admitted.
	ErrEndedBeforeJoin = errors.New("meeting ended before join")
)

const captionBuffer = 256

// CaptionObserved is one caption as the driver scraped it from the meeting UI.
type CaptionObserved struct {
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	ObservedAt time.Time `json:"observed_at"`
}

type Bridge struct {
	meetingURL string
	botName    string
	staleAfter time.Duration
	now        func() time.Time
	log        zerolog.Logger

	captions chan CaptionObserved
	joined   chan struct{}
	ended    chan struct{}
	closed   chan struct{}

	joinOnce  sync.Once
	endOnce   sync.Once
	closeOnce sync.Once

	mu        sync.Mutex
	count     int
	countAt   time.Time
	hasCount  bool
	banner    bool
	bannerAt  time.Time
	forwarded int
	dropped   int
}

// NewBridge returns a bridge for one meeting. Participant counts and banner
// reports older than staleAfter are treated as unknown.
func NewBridge(meetingURL, botName string, staleAfter time.Duration) *Bridge {
	if staleAfter <= 0 {
		staleAfter = 30 * time.Second
	}
	return &Bridge{
		meetingURL: meetingURL,
		botName:    botName,
		staleAfter: staleAfter,
		now:        time.Now,
		log:        logging.WithComponent("bridge"),
		captions:   make(chan CaptionObserved, captionBuffer),
		joined:     make(chan struct{}),
		ended:      make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

func (b *Bridge) MeetingURL() string { return b.meetingURL }
func (b *Bridge) BotName() string    { return b.botName }

// WaitJoined blocks until the driver confirms the bot is in the meeting.
func (b *Bridge) WaitJoined(ctx context.Context) error {
	select {
	case <-b.joined:
		return nil
	case <-b.ended:
		return ErrEndedBeforeJoin
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) Captions() <-chan CaptionObserved { return b.captions }

func (b *Bridge) Ended() <-chan struct{} { return b.ended }

func (b *Bridge) CurrentParticipantCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hasCount || b.now().Sub(b.countAt) > b.staleAfter {
		return 0, ErrUnavailable
	}
	return b.count, nil
}

func (b *Bridge) IsAloneBannerVisible(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.banner || b.now().Sub(b.bannerAt) > b.staleAfter {
		return false, nil
	}
	return true, nil
}

func (b *Bridge) MarkJoined() {
	b.joinOnce.Do(func() {
		b.log.Info().Str("meeting_url", b.meetingURL).Msg("driver reported join")
		close(b.joined)
	})
}

func (b *Bridge) MarkEnded() {
	b.endOnce.Do(func() {
		b.log.Info().Msg("driver reported meeting ended")
		close(b.ended)
	})
}

func (b *Bridge) IsJoined() bool {
	select {
	case <-b.joined:
		return true
	default:
		return false
	}
}

func (b *Bridge) IsEnded() bool {
	select {
	case <-b.ended:
		return true
	default:
		return false
	}
}

// SetParticipants records a participant count; a negative count clears it,
// which the driver uses when the participant list cannot be read.
func (b *Bridge) SetParticipants(count int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if count < 0 {
		b.hasCount = false
		return
	}
	b.count = count
	b.countAt = b.now()
	b.hasCount = true
}

func (b *Bridge) SetBanner(visible bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.banner = visible
	b.bannerAt = b.now()
}

// Push forwards one caption to the session. It blocks while the caption
// buffer is full and gives up when ctx is done or the bridge is closed.
func (b *Bridge) Push(ctx context.Context, c CaptionObserved) bool {
	c.Speaker = strings.TrimSpace(c.Speaker)
	c.Text = strings.TrimSpace(c.Text)
	if c.Text == "" {
		return false
	}
	if c.ObservedAt.IsZero() {
		c.ObservedAt = b.now()
	}

	select {
	case <-b.closed:
		b.countDropped()
		return false
	default:
	}

	select {
	case b.captions <- c:
		b.mu.Lock()
		b.forwarded++
		b.mu.Unlock()
		return true
	case <-b.closed:
	case <-ctx.Done():
	}
	b.countDropped()
	return false
}

func (b *Bridge) countDropped() {
	b.mu.Lock()
	b.dropped++
	b.mu.Unlock()
}

// Close stops accepting captions. Pending pushes return immediately.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
}

type Stats struct {
	Joined            bool `json:"joined"`
	Ended             bool `json:"ended"`
	CaptionsForwarded int  `json:"captions_forwarded"`
	CaptionsDropped   int  `json:"captions_dropped"`
	Participants      *int `json:"participants"`
	AloneBanner       bool `json:"alone_banner"`
}

func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Joined:            b.IsJoined(),
		Ended:             b.IsEnded(),
		CaptionsForwarded: b.forwarded,
		CaptionsDropped:   b.dropped,
		AloneBanner:       b.banner,
	}
	if b.hasCount {
		n := b.count
		s.Participants = &n
	}
	return s
}
