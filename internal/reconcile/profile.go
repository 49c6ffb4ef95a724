package reconcile

import (
	"strings"

	"github.com/diaslmb/tldv/internal/transcribe"
)

// Profile accumulates every text fragment attributed to one key, either a
// real display name or an anonymous diarization label.
type Profile struct {
	Key         string
	Fragments   []string
	TotalLength int
}

func (p *Profile) add(text string) {
	p.Fragments = append(p.Fragments, text)
	p.TotalLength += len([]rune(text))
}

// Profiles is an insertion-ordered set of Profile values.
type Profiles struct {
	order []string
	byKey map[string]*Profile
}

func NewProfiles() *Profiles {
	return &Profiles{byKey: make(map[string]*Profile)}
}

// Add appends text to the profile for key. Blank keys and text are ignored.
func (ps *Profiles) Add(key, text string) {
	key = strings.TrimSpace(key)
	text = strings.TrimSpace(text)
	if key == "" || text == "" {
		return
	}

	p, ok := ps.byKey[key]
	if !ok {
		p = &Profile{Key: key}
		ps.byKey[key] = p
		ps.order = append(ps.order, key)
	}
	p.add(text)
}

func (ps *Profiles) Get(key string) (*Profile, bool) {
	p, ok := ps.byKey[key]
	return p, ok
}

// Keys returns profile keys in first-seen order.
func (ps *Profiles) Keys() []string {
	out := make([]string, len(ps.order))
	copy(out, ps.order)
	return out
}

func (ps *Profiles) Len() int {
	return len(ps.order)
}

// FromCaptions groups caption text by speaker name, skipping names for which
// skip returns true.
func FromCaptions(captions []transcribe.Caption, skip func(name string) bool) *Profiles {
	ps := NewProfiles()
	for _, c := range captions {
		if skip != nil && skip(c.Speaker) {
			continue
		}
		ps.Add(c.Speaker, c.Text)
	}
	return ps
}

// FromSegments groups diarized text by label.
func FromSegments(segments []transcribe.Segment) *Profiles {
	ps := NewProfiles()
	for _, s := range segments {
		ps.Add(s.Label, s.Text)
	}
	return ps
}
