package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Joining, Active, true},
		{Joining, Terminated, true},
		{Joining, Terminating, false},
		{Active, Terminating, true},
		{Active, Terminated, false},
		{Active, Joining, false},
		{Terminating, Terminated, true},
		{Terminating, Active, false},
		{Terminated, Joining, false},
		{Terminated, Terminated, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s: got %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}

	if !Terminated.IsTerminal() || Terminating.IsTerminal() {
		t.Fatal("only Terminated is terminal")
	}
}

func TestPolicyIdleDeadline(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := Policy{IdleTimeout: 90 * time.Second}

	deadline, reason := p.Deadline(start, time.Time{})
	if reason != ReasonIdle || !deadline.Equal(start.Add(90*time.Second)) {
		t.Fatalf("expected idle deadline from activation, got %v %q", deadline, reason)
	}

	last := start.Add(5 * time.Minute)
	if _, fired := p.CheckTime(start, last, last.Add(90*time.Second-time.Nanosecond)); fired {
		t.Fatal("idle must not fire before the timeout elapses")
	}
	reason, fired := p.CheckTime(start, last, last.Add(90*time.Second))
	if !fired || reason != ReasonIdle {
		t.Fatalf("expected idle at exactly the timeout, got %q %v", reason, fired)
	}
}

func TestPolicyCeilingWinsTies(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := Policy{IdleTimeout: time.Hour, MaxDuration: time.Hour}

	deadline, reason := p.Deadline(start, time.Time{})
	if reason != ReasonMaxDuration || !deadline.Equal(start.Add(time.Hour)) {
		t.Fatalf("expected max_duration on tie, got %v %q", deadline, reason)
	}

	// Captions keep arriving; the ceiling still fires on time.
	p = Policy{IdleTimeout: 10 * time.Minute, MaxDuration: time.Hour}
	last := start.Add(59 * time.Minute)
	reason, fired := p.CheckTime(start, last, start.Add(time.Hour))
	if !fired || reason != ReasonMaxDuration {
		t.Fatalf("expected max_duration, got %q %v", reason, fired)
	}
}

func TestPolicyWithoutTimers(t *testing.T) {
	p := Policy{}
	if _, reason := p.Deadline(time.Now(), time.Time{}); reason != ReasonNone {
		t.Fatalf("expected no deadline, got %q", reason)
	}
	if _, fired := p.CheckTime(time.Now(), time.Time{}, time.Now().Add(1000*time.Hour)); fired {
		t.Fatal("nothing should fire without timers")
	}
}

func TestPolicyCheckSample(t *testing.T) {
	p := Policy{FailureLimit: 3}

	if _, fired := p.CheckSample(2, true, 0); fired {
		t.Fatal("two participants should keep the session")
	}
	if reason, fired := p.CheckSample(1, true, 0); !fired || reason != ReasonParticipantsLeft {
		t.Fatalf("expected participants_left, got %q", reason)
	}
	if reason, fired := p.CheckSample(0, true, 0); !fired || reason != ReasonParticipantsLeft {
		t.Fatalf("expected participants_left for zero, got %q", reason)
	}
	if _, fired := p.CheckSample(0, false, 2); fired {
		t.Fatal("failures below the limit must not fire")
	}
	if reason, fired := p.CheckSample(0, false, 3); !fired || reason != ReasonSignalLoss {
		t.Fatalf("expected signal_loss, got %q", reason)
	}
}

func TestCaptionIngestorDedup(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	in := NewCaptionIngestor(start)

	if _, ok := in.Ingest("Alice", "hello there", start.Add(2*time.Second)); !ok {
		t.Fatal("first caption should be accepted")
	}
	for range 5 {
		if _, ok := in.Ingest("Alice", "  hello there ", start.Add(3*time.Second)); ok {
			t.Fatal("duplicate caption should be rejected")
		}
	}
	if _, ok := in.Ingest("Bob", "hello there", start.Add(4*time.Second)); !ok {
		t.Fatal("same text from another speaker is a new caption")
	}
	if _, ok := in.Ingest("Bob", "   ", start.Add(5*time.Second)); ok {
		t.Fatal("blank caption should be rejected")
	}

	if in.Len() != 2 {
		t.Fatalf("expected 2 captions, got %d", in.Len())
	}
	if !in.LastCaptionAt().Equal(start.Add(4 * time.Second)) {
		t.Fatalf("lastCaptionAt should track the last accepted caption, got %v", in.LastCaptionAt())
	}

	captions := in.Captions()
	if captions[0].Offset != 2 || captions[1].Offset != 4 {
		t.Fatalf("unexpected offsets %v %v", captions[0].Offset, captions[1].Offset)
	}
}

func TestCaptionIngestorPending(t *testing.T) {
	start := time.Now()
	in := NewCaptionIngestor(start)

	c, ok := in.Ingest("", "no name", start)
	if !ok || c.Speaker != "Unknown" {
		t.Fatalf("expected blank speaker to become Unknown, got %+v", c)
	}
	in.Ingest("Alice", "one", start)

	got := in.Pending()
	if len(got) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(got))
	}
	if again := in.Pending(); len(again) != 2 {
		t.Fatalf("pending must stay until marked flushed, got %d", len(again))
	}
	in.MarkFlushed(len(got))
	if got := in.Pending(); got != nil {
		t.Fatalf("expected nothing pending, got %v", got)
	}
	in.Ingest("Alice", "two", start)
	if got := in.Pending(); len(got) != 1 || got[0].Text != "two" {
		t.Fatalf("expected only the new caption, got %v", got)
	}
	in.MarkFlushed(10)
	if got := in.Pending(); got != nil {
		t.Fatalf("marker must not run past the log, got %v", got)
	}
	if in.Len() != 3 {
		t.Fatalf("pending must not drop captions, got %d", in.Len())
	}
}

type sequenceCounter struct {
	counts []int
	errs   []error
	calls  int
}

func (s *sequenceCounter) CurrentParticipantCount(ctx context.Context) (int, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return 0, s.errs[i]
	}
	return s.counts[i], nil
}

func TestParticipantSamplerFailures(t *testing.T) {
	fail := errors.New("stale")
	counter := &sequenceCounter{
		counts: []int{4, 0, 0, 3, 0},
		errs:   []error{nil, fail, fail, nil, fail},
	}
	s := NewParticipantSampler(counter, time.Second)

	if _, ok := s.Last(); ok {
		t.Fatal("no sample yet")
	}

	wantFailures := []int{0, 1, 2, 0, 1}
	for i, want := range wantFailures {
		s.Sample(context.Background())
		if s.Failures() != want {
			t.Fatalf("sample %d: expected %d failures, got %d", i, want, s.Failures())
		}
	}

	if last, ok := s.Last(); !ok || last != 3 {
		t.Fatalf("expected last successful sample 3, got %d", last)
	}
	if s.Samples() != 5 {
		t.Fatalf("expected 5 samples, got %d", s.Samples())
	}
}
