package transcript

import (
	"github.com/diaslmb/tldv/internal/reconcile"
	"github.com/diaslmb/tldv/internal/transcribe"
)

// Line is one speaker-attributed line of the final transcript.
type Line struct {
	Speaker    string  `json:"speaker"`
	Label      string  `json:"label"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
	Text       string  `json:"text"`
}

// Compose attributes each segment to the name its label maps to. It returns
// exactly one line per segment in input order and does not modify its
// arguments.
func Compose(segments []transcribe.Segment, mappings reconcile.Mappings) []Line {
	lines := make([]Line, 0, len(segments))
	for _, seg := range segments {
		m := mappings.Lookup(seg.Label)
		lines = append(lines, Line{
			Speaker:    m.Name,
			Label:      seg.Label,
			Start:      seg.Start,
			End:        seg.End,
			Confidence: m.Confidence,
			Text:       seg.Text,
		})
	}
	return lines
}

// FromCaptions builds a captions-only transcript for sessions whose
// recording or transcription failed. Caption names are real names, so every
// line carries full confidence and no label.
func FromCaptions(captions []transcribe.Caption) []Line {
	lines := make([]Line, 0, len(captions))
	for _, c := range captions {
		lines = append(lines, Line{
			Speaker:    c.Speaker,
			Start:      c.Offset,
			End:        c.Offset,
			Confidence: 1,
			Text:       c.Text,
		})
	}
	return lines
}

// Speakers returns distinct speaker names in order of first appearance.
func Speakers(lines []Line) []string {
	seen := make(map[string]struct{}, len(lines))
	var out []string
	for _, l := range lines {
		if _, ok := seen[l.Speaker]; ok {
			continue
		}
		seen[l.Speaker] = struct{}{}
		out = append(out, l.Speaker)
	}
	return out
}
