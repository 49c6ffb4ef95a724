package session

import (
	"context"
	"time"
)

// ParticipantCounter answers how many people are in the meeting.
type ParticipantCounter interface {
	CurrentParticipantCount(ctx context.Context) (int, error)
}

// ParticipantSampler pulls one participant count per poll and tracks the
// current run of consecutive failures. The session loop owns it.
type ParticipantSampler struct {
	counter  ParticipantCounter
	timeout  time.Duration
	failures int
	last     int
	hasLast  bool
	samples  int
}

func NewParticipantSampler(counter ParticipantCounter, timeout time.Duration) *ParticipantSampler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ParticipantSampler{counter: counter, timeout: timeout, last: -1}
}

// Sample returns the current count, or ok=false when it could not be read.
func (s *ParticipantSampler) Sample(ctx context.Context) (count int, ok bool) {
	s.samples++

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	n, err := s.counter.CurrentParticipantCount(ctx)
	if err != nil || n < 0 {
		s.failures++
		return 0, false
	}

	s.failures = 0
	s.last = n
	s.hasLast = true
	return n, true
}

func (s *ParticipantSampler) Failures() int { return s.failures }

func (s *ParticipantSampler) Samples() int { return s.samples }

// Last returns the most recent successful sample.
func (s *ParticipantSampler) Last() (int, bool) {
	return s.last, s.hasLast
}
