package transcript

import (
	"fmt"
	"strings"
	"time"
)

type Metadata struct {
	Title      string
	MeetingURL string
	SessionID  string
	StartedAt  time.Time
	Duration   time.Duration
	Reason     string
	Backend    string
}

func RenderMarkdown(meta Metadata, lines []Line) string {
	var b strings.Builder

	if meta.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", meta.Title)
	} else {
		b.WriteString("# Meeting Transcript\n\n")
	}
	if meta.MeetingURL != "" {
		fmt.Fprintf(&b, "- Meeting: `%s`\n", meta.MeetingURL)
	}
	if meta.SessionID != "" {
		fmt.Fprintf(&b, "- Session: `%s`\n", meta.SessionID)
	}
	if !meta.StartedAt.IsZero() {
		fmt.Fprintf(&b, "- Started: %s\n", meta.StartedAt.Format(time.RFC3339))
	}
	if meta.Duration > 0 {
		fmt.Fprintf(&b, "- Duration: %s\n", meta.Duration.Truncate(time.Second))
	}
	if meta.Reason != "" {
		fmt.Fprintf(&b, "- Ended: %s\n", meta.Reason)
	}
	if meta.Backend != "" {
		fmt.Fprintf(&b, "- Backend: `%s`\n", meta.Backend)
	}
	if speakers := Speakers(lines); len(speakers) > 0 {
		fmt.Fprintf(&b, "- Speakers: %s\n", strings.Join(speakers, ", "))
	}
	b.WriteString("\n---\n\n")

	if len(lines) == 0 {
		b.WriteString("_No speech was transcribed._\n")
		return b.String()
	}

	for _, l := range lines {
		ts := fmt.Sprintf("[%s-%s]", secToTS(l.Start), secToTS(l.End))
		conf := ""
		if l.Label != "" {
			conf = fmt.Sprintf(" _(%.2f)_", l.Confidence)
		}
		fmt.Fprintf(&b, "%s **%s**%s: %s\n\n", ts, l.Speaker, conf, strings.TrimSpace(l.Text))
	}
	return b.String()
}

// PlainText renders lines as "Name: text" for summarization prompts.
func PlainText(lines []Line) string {
	var b strings.Builder
	for _, l := range lines {
		fmt.Fprintf(&b, "[%s] %s: %s\n", secToTS(l.Start), l.Speaker, strings.TrimSpace(l.Text))
	}
	return b.String()
}

func secToTS(sec float64) string {
	d := time.Duration(sec*1000) * time.Millisecond
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
