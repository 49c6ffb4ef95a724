package reconcile

import (
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/diaslmb/tldv/internal/logging"
	"github.com/diaslmb/tldv/internal/transcribe"
)

const (
	DefaultMinSimilarity = 0.3
	DefaultThreshold     = 0.4
	EvidenceSize         = 3

	// UnknownSpeaker is the name the meeting UI shows for unidentified speakers.
	UnknownSpeaker = "Unknown"
)

// Placeholder is the synthetic name used for labels that could not be mapped.
func Placeholder(label string) string {
	return "Unknown_" + label
}

type Candidate struct {
	Name     string  `json:"name"`
	AvgScore float64 `json:"avg_score"`
	Matches  int     `json:"matches"`
}

// Mapping assigns a real name to one diarization label. An unresolved
// mapping always carries the placeholder name and zero confidence.
type Mapping struct {
	Label      string      `json:"label"`
	Name       string      `json:"mapped_name"`
	Resolved   bool        `json:"resolved"`
	Confidence float64     `json:"confidence"`
	Evidence   []Candidate `json:"evidence"`
}

func unresolved(label string, evidence []Candidate) Mapping {
	if evidence == nil {
		evidence = []Candidate{}
	}
	return Mapping{Label: label, Name: Placeholder(label), Evidence: evidence}
}

// Mappings is keyed by diarization label.
type Mappings map[string]Mapping

// Lookup returns the mapping for label, or the placeholder mapping when the
// label was never reconciled.
func (m Mappings) Lookup(label string) Mapping {
	if mapping, ok := m[label]; ok {
		return mapping
	}
	return unresolved(label, nil)
}

func (m Mappings) Labels() []string {
	labels := make([]string, 0, len(m))
	for label := range m {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Resolved counts labels that were assigned a real name.
func (m Mappings) Resolved() int {
	n := 0
	for _, mapping := range m {
		if mapping.Resolved {
			n++
		}
	}
	return n
}

type Options struct {
	MinSimilarity float64
	Threshold     float64
	// Exclude lists display names whose captions never count as evidence,
	// typically the bot's own name.
	Exclude []string
}

type Reconciler struct {
	minSimilarity float64
	threshold     float64
	exclude       map[string]struct{}
	log           zerolog.Logger
}

func New(opts Options) *Reconciler {
	if opts.MinSimilarity <= 0 || opts.MinSimilarity > 1 {
		opts.MinSimilarity = DefaultMinSimilarity
	}
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		opts.Threshold = DefaultThreshold
	}

	exclude := map[string]struct{}{strings.ToLower(UnknownSpeaker): {}}
	for _, name := range opts.Exclude {
		name = strings.ToLower(strings.TrimSpace(name))
		if name != "" {
			exclude[name] = struct{}{}
		}
	}

	return &Reconciler{
		minSimilarity: opts.MinSimilarity,
		threshold:     opts.Threshold,
		exclude:       exclude,
		log:           logging.WithComponent("reconcile"),
	}
}

func (r *Reconciler) excluded(name string) bool {
	_, ok := r.exclude[strings.ToLower(strings.TrimSpace(name))]
	return ok
}

// Reconcile maps every label seen in segments to the caption speaker whose
// text it matches best. All fragments of the session are compared with each
// other; there is no time window.
func (r *Reconciler) Reconcile(captions []transcribe.Caption, segments []transcribe.Segment) Mappings {
	names := FromCaptions(captions, r.excluded)
	labels := FromSegments(segments)

	nameFragments := make(map[string][][]rune, names.Len())
	for _, name := range names.Keys() {
		p, _ := names.Get(name)
		nameFragments[name] = foldAll(p.Fragments)
	}

	out := make(Mappings, labels.Len())
	for _, label := range labels.Keys() {
		p, _ := labels.Get(label)
		candidates := r.rank(foldAll(p.Fragments), names.Keys(), nameFragments)
		out[label] = r.decide(label, candidates)

		m := out[label]
		r.log.Debug().
			Str("label", label).
			Str("mapped_name", m.Name).
			Bool("resolved", m.Resolved).
			Float64("confidence", m.Confidence).
			Int("candidates", len(candidates)).
			Msg("label reconciled")
	}

	// Labels that only ever carried blank text still get a placeholder.
	for _, s := range segments {
		if _, ok := out[s.Label]; !ok && strings.TrimSpace(s.Label) != "" {
			out[s.Label] = unresolved(s.Label, nil)
		}
	}

	return out
}

func (r *Reconciler) rank(labelFragments [][]rune, names []string, nameFragments map[string][][]rune) []Candidate {
	var candidates []Candidate
	for _, name := range names {
		total := 0.0
		matches := 0
		for _, cf := range nameFragments[name] {
			for _, lf := range labelFragments {
				score := similarity(cf, lf)
				if score < r.minSimilarity {
					continue
				}
				total += score
				matches++
			}
		}
		if matches == 0 {
			continue
		}
		candidates = append(candidates, Candidate{
			Name:     name,
			AvgScore: total / float64(matches),
			Matches:  matches,
		})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.AvgScore != b.AvgScore {
			return a.AvgScore > b.AvgScore
		}
		if a.Matches != b.Matches {
			return a.Matches > b.Matches
		}
		return a.Name < b.Name
	})
	return candidates
}

func (r *Reconciler) decide(label string, candidates []Candidate) Mapping {
	evidence := candidates
	if len(evidence) > EvidenceSize {
		evidence = evidence[:EvidenceSize]
	}
	evidence = append([]Candidate(nil), evidence...)

	if len(candidates) == 0 || candidates[0].AvgScore <= r.threshold {
		return unresolved(label, evidence)
	}

	best := candidates[0]
	return Mapping{
		Label:      label,
		Name:       best.Name,
		Resolved:   true,
		Confidence: best.AvgScore,
		Evidence:   evidence,
	}
}

func foldAll(fragments []string) [][]rune {
	out := make([][]rune, len(fragments))
	for i, f := range fragments {
		out[i] = fold(f)
	}
	return out
}
