package transcript

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/diaslmb/tldv/internal/reconcile"
	"github.com/diaslmb/tldv/internal/transcribe"
)

func sampleSegments() []transcribe.Segment {
	return []transcribe.Segment{
		{Label: "SPEAKER_00", Start: 0.9, End: 2.0, Text: "hello there"},
		{Label: "SPEAKER_01", Start: 2.1, End: 3.0, Text: "how are you"},
		{Label: "SPEAKER_00", Start: 3.2, End: 4.0, Text: "fine thanks"},
		{Label: "SPEAKER_07", Start: 4.1, End: 5.0, Text: "late joiner"},
	}
}

func sampleMappings() reconcile.Mappings {
	return reconcile.Mappings{
		"SPEAKER_00": {Label: "SPEAKER_00", Name: "Alice", Resolved: true, Confidence: 0.97},
		"SPEAKER_01": {Label: "SPEAKER_01", Name: "Unknown_SPEAKER_01"},
	}
}

func TestComposeOrderAndCount(t *testing.T) {
	segments := sampleSegments()
	lines := Compose(segments, sampleMappings())

	if len(lines) != len(segments) {
		t.Fatalf("expected %d lines, got %d", len(segments), len(lines))
	}
	for i := range segments {
		if lines[i].Label != segments[i].Label || lines[i].Text != segments[i].Text {
			t.Errorf("line %d out of order: %+v", i, lines[i])
		}
		if lines[i].Start != segments[i].Start || lines[i].End != segments[i].End {
			t.Errorf("line %d bounds changed: %+v", i, lines[i])
		}
	}

	if lines[0].Speaker != "Alice" || lines[0].Confidence != 0.97 {
		t.Errorf("expected Alice at 0.97, got %s at %v", lines[0].Speaker, lines[0].Confidence)
	}
	if lines[1].Speaker != "Unknown_SPEAKER_01" || lines[1].Confidence != 0 {
		t.Errorf("expected placeholder for SPEAKER_01, got %+v", lines[1])
	}
	if lines[3].Speaker != "Unknown_SPEAKER_07" || lines[3].Confidence != 0 {
		t.Errorf("expected placeholder for unmapped label, got %+v", lines[3])
	}
}

func TestComposeIsPure(t *testing.T) {
	segments := sampleSegments()
	mappings := sampleMappings()
	before := append([]transcribe.Segment(nil), segments...)

	first := Compose(segments, mappings)
	second := Compose(segments, mappings)

	if !reflect.DeepEqual(first, second) {
		t.Fatal("compose returned different output for identical input")
	}
	if !reflect.DeepEqual(segments, before) {
		t.Fatal("compose modified its input")
	}
	if len(mappings) != 2 {
		t.Fatalf("compose modified mappings: %v", mappings)
	}
}

func TestComposeEmpty(t *testing.T) {
	lines := Compose(nil, nil)
	if lines == nil || len(lines) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", lines)
	}
}

func TestFromCaptions(t *testing.T) {
	lines := FromCaptions([]transcribe.Caption{
		{Speaker: "Alice", Text: "hello", Offset: 1.5},
		{Speaker: "Bob", Text: "hi", Offset: 3},
	})
	if len(lines) != 2 || lines[1].Speaker != "Bob" || lines[1].Start != 3 {
		t.Fatalf("unexpected lines %+v", lines)
	}
}

func TestRenderMarkdown(t *testing.T) {
	lines := Compose(sampleSegments(), sampleMappings())
	md := RenderMarkdown(Metadata{
		MeetingURL: "https://meet.google.com/abc-defg-hij",
		SessionID:  "s-1",
		StartedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Duration:   95 * time.Second,
		Reason:     "idle",
	}, lines)

	for _, want := range []string{
		"# Meeting Transcript",
		"- Meeting: `https://meet.google.com/abc-defg-hij`",
		"- Duration: 1m35s",
		"- Speakers: Alice, Unknown_SPEAKER_01, Unknown_SPEAKER_07",
		"[00:00-00:02] **Alice** _(0.97)_: hello there",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
}

func TestRenderMarkdownNoLines(t *testing.T) {
	md := RenderMarkdown(Metadata{Title: "Standup"}, nil)
	if !strings.Contains(md, "# Standup") || !strings.Contains(md, "No speech was transcribed") {
		t.Fatalf("unexpected markdown:\n%s", md)
	}
}

func TestSecToTS(t *testing.T) {
	cases := map[float64]string{
		0:      "00:00",
		65.4:   "01:05",
		3725.0: "01:02:05",
	}
	for in, want := range cases {
		if got := secToTS(in); got != want {
			t.Errorf("secToTS(%v) = %q, want %q", in, got, want)
		}
	}
}
