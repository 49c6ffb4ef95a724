package session

import (
	"strings"
	"time"

	"github.com/diaslmb/tldv/internal/reconcile"
	"github.com/diaslmb/tldv/internal/transcribe"
)

type captionKey struct {
	speaker string
	text    string
}

// CaptionIngestor keeps the ordered, deduplicated caption log of a session.
// Meeting UIs re-render a caption many times while it settles, so only the
// first copy of each (speaker, text) pair is kept. Not safe for concurrent
// use; the session loop owns it.
type CaptionIngestor struct {
	startedAt     time.Time
	seen          map[captionKey]struct{}
	captions      []transcribe.Caption
	flushed       int
	lastCaptionAt time.Time
}

// NewCaptionIngestor returns an ingestor whose caption offsets count from
// startedAt.
func NewCaptionIngestor(startedAt time.Time) *CaptionIngestor {
	return &CaptionIngestor{
		startedAt: startedAt,
		seen:      make(map[captionKey]struct{}),
	}
}

// Ingest appends a caption unless it is blank or already seen, and returns
// the caption as stored.
func (b *CaptionIngestor) Ingest(speaker, text string, observedAt time.Time) (transcribe.Caption, bool) {
	speaker = strings.TrimSpace(speaker)
	text = strings.TrimSpace(text)
	if text == "" {
		return transcribe.Caption{}, false
	}
	if speaker == "" {
		speaker = reconcile.UnknownSpeaker
	}

	key := captionKey{speaker: speaker, text: text}
	if _, ok := b.seen[key]; ok {
		return transcribe.Caption{}, false
	}
	b.seen[key] = struct{}{}

	offset := observedAt.Sub(b.startedAt).Seconds()
	if offset < 0 {
		offset = 0
	}
	c := transcribe.Caption{
		Speaker:    speaker,
		Text:       text,
		ObservedAt: observedAt,
		Offset:     offset,
	}
	b.captions = append(b.captions, c)
	b.lastCaptionAt = observedAt
	return c, true
}

// Pending returns captions accepted but not yet marked flushed. It does not
// advance the flush marker; call MarkFlushed once they are persisted.
func (b *CaptionIngestor) Pending() []transcribe.Caption {
	if b.flushed >= len(b.captions) {
		return nil
	}
	return append([]transcribe.Caption(nil), b.captions[b.flushed:]...)
}

// MarkFlushed records that the next n pending captions were persisted.
func (b *CaptionIngestor) MarkFlushed(n int) {
	b.flushed = min(b.flushed+n, len(b.captions))
}

// Captions returns a copy of every accepted caption in arrival order.
func (b *CaptionIngestor) Captions() []transcribe.Caption {
	return append([]transcribe.Caption(nil), b.captions...)
}

func (b *CaptionIngestor) Len() int {
	return len(b.captions)
}

// LastCaptionAt is the zero time until a caption is accepted.
func (b *CaptionIngestor) LastCaptionAt() time.Time {
	return b.lastCaptionAt
}
