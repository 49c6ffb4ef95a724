package transcribe

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Caption is one live caption as shown by the meeting UI: a real display
// name with text that may still be revised by later captions.
type Caption struct {
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	ObservedAt time.Time `json:"observed_at"`
	// Offset is seconds since the session became active.
	Offset float64 `json:"offset"`
}

// Segment is one diarized, time-bounded piece of the offline transcript.
// Label is opaque (e.g. "SPEAKER_00"); times are seconds from recording start.
type Segment struct {
	Label string  `json:"label"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type Word struct {
	Speaker        *int
	PunctuatedWord string
	Start          float64
	End            float64
}

func SpeakerLabel(speaker *int) string {
	if speaker == nil || *speaker < 0 {
		return "SPEAKER_UNKNOWN"
	}
	return fmt.Sprintf("SPEAKER_%02d", *speaker)
}

// GroupWordsBySpeaker folds consecutive words of the same speaker into segments.
func GroupWordsBySpeaker(words []Word) []Segment {
	if len(words) == 0 {
		return nil
	}

	var segments []Segment
	var current Segment
	started := false

	for _, w := range words {
		label := SpeakerLabel(w.Speaker)

		if !started {
			current = Segment{Label: label, Text: w.PunctuatedWord, Start: w.Start, End: w.End}
			started = true
			continue
		}

		if label == current.Label {
			current.Text += " " + w.PunctuatedWord
			current.End = w.End
		} else {
			segments = append(segments, current)
			current = Segment{Label: label, Text: w.PunctuatedWord, Start: w.Start, End: w.End}
		}
	}

	segments = append(segments, current)
	return segments
}

// Format renders the segment in the diarization service's text grammar.
func (s Segment) Format() string {
	return fmt.Sprintf("[%s] [%s - %s]%s %s",
		s.Label,
		strconv.FormatFloat(s.Start, 'f', 2, 64),
		strconv.FormatFloat(s.End, 'f', 2, 64),
		lineBreak,
		strings.TrimSpace(s.Text),
	)
}

// FormatAll renders segments as one service response, separated by
// doubled line-break markers.
func FormatAll(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		parts = append(parts, seg.Format())
	}
	return strings.Join(parts, lineBreak+lineBreak)
}
