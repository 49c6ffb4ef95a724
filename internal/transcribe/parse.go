package transcribe

import (
	"regexp"
	"strconv"
	"strings"
)

const lineBreak = "<br>"

var (
	doubledBreak = regexp.MustCompile(`(?:<br>\s*){2,}`)
	blankLine    = regexp.MustCompile(`\n[ \t]*\n`)
	headerStart  = regexp.MustCompile(`(?m)^[ \t]*\[[^\]\s]+\]\s*\[\s*\d+(?:\.\d+)?\s*-\s*\d+(?:\.\d+)?\s*\]`)
	segmentRe    = regexp.MustCompile(`(?s)^\[([^\]\s]+)\]\s*\[\s*(\d+(?:\.\d+)?)\s*-\s*(\d+(?:\.\d+)?)\s*\](.*)$`)
)

// Parse turns the diarization service's text response into segments.
//
// Segments look like "[SPEAKER_01] [0.03 - 22.88]<br> Hello world." and are
// separated by blank lines or a doubled <br>. A single <br> inside text
// becomes a space. Chunks that do not match are dropped.
func Parse(raw string) []Segment {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	text = doubledBreak.ReplaceAllString(text, "\n\n")
	text = strings.ReplaceAll(text, lineBreak, "\n")

	var segments []Segment
	for _, chunk := range blankLine.Split(text, -1) {
		for _, piece := range splitHeaders(chunk) {
			seg, ok := parseSegment(piece)
			if !ok {
				continue
			}
			segments = append(segments, seg)
		}
	}
	return segments
}

// splitHeaders separates segments that follow each other on consecutive
// lines without a blank separator.
func splitHeaders(chunk string) []string {
	idx := headerStart.FindAllStringIndex(chunk, -1)
	if len(idx) <= 1 {
		return []string{chunk}
	}

	pieces := make([]string, 0, len(idx)+1)
	if lead := chunk[:idx[0][0]]; strings.TrimSpace(lead) != "" {
		pieces = append(pieces, lead)
	}
	for i, loc := range idx {
		end := len(chunk)
		if i+1 < len(idx) {
			end = idx[i+1][0]
		}
		pieces = append(pieces, chunk[loc[0]:end])
	}
	return pieces
}

func parseSegment(piece string) (Segment, bool) {
	m := segmentRe.FindStringSubmatch(strings.TrimSpace(piece))
	if m == nil {
		return Segment{}, false
	}

	start, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return Segment{}, false
	}
	end, err := strconv.ParseFloat(m[3], 64)
	if err != nil || end < start {
		return Segment{}, false
	}

	text := strings.Join(strings.Fields(m[4]), " ")
	if text == "" {
		return Segment{}, false
	}

	return Segment{Label: m[1], Start: start, End: end, Text: text}, true
}
