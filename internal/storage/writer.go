package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/diaslmb/tldv/internal/reconcile"
	"github.com/diaslmb/tldv/internal/transcribe"
	"github.com/diaslmb/tldv/internal/transcript"
)

// Artifact file names inside a session directory.
const (
	TranscriptJSONFile = "transcript.json"
	TranscriptMDFile   = "transcript.md"
	MappingFile        = "mapping.json"
	CaptionsFile       = "captions.jsonl"
	DiarizedFile       = "diarized.txt"
	SummaryFile        = "summary.md"
)

// Artifacts is everything a finished session leaves on disk.
type Artifacts struct {
	SessionID   string
	Lines       []transcript.Line
	Markdown    string
	Mappings    reconcile.Mappings
	Captions    []transcribe.Caption
	RawDiarized string
	Summary     string
}

type mappingRecord struct {
	MappedName string                `json:"mapped_name"`
	Resolved   bool                  `json:"resolved"`
	Confidence float64               `json:"confidence"`
	Evidence   []reconcile.Candidate `json:"evidence"`
}

// Writer lays out one directory per session under dir.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	if dir == "" {
		dir = filepath.Join("data", "sessions")
	}
	return &Writer{dir: dir}
}

func (w *Writer) SessionDir(sessionID string) string {
	return filepath.Join(w.dir, sessionID)
}

// Write stores the artifacts and returns the session directory. Every file
// is attempted; the first error is returned.
func (w *Writer) Write(a Artifacts) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	dir := w.SessionDir(a.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}

	lines := a.Lines
	if lines == nil {
		lines = []transcript.Line{}
	}

	mapping := make(map[string]mappingRecord, len(a.Mappings))
	for label, m := range a.Mappings {
		evidence := m.Evidence
		if evidence == nil {
			evidence = []reconcile.Candidate{}
		}
		mapping[label] = mappingRecord{
			MappedName: m.Name,
			Resolved:   m.Resolved,
			Confidence: m.Confidence,
			Evidence:   evidence,
		}
	}

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(writeJSON(filepath.Join(dir, TranscriptJSONFile), lines))
	record(writeFile(filepath.Join(dir, TranscriptMDFile), a.Markdown))
	record(writeJSON(filepath.Join(dir, MappingFile), mapping))
	record(writeJSONLines(filepath.Join(dir, CaptionsFile), a.Captions))
	if a.RawDiarized != "" {
		record(writeFile(filepath.Join(dir, DiarizedFile), a.RawDiarized))
	}
	if a.Summary != "" {
		record(writeFile(filepath.Join(dir, SummaryFile), a.Summary))
	}

	return dir, firstErr
}

func writeFile(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return writeFile(path, string(data)+"\n")
}

func writeJSONLines(path string, captions []transcribe.Caption) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	enc := json.NewEncoder(f)
	for _, c := range captions {
		if err := enc.Encode(c); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return nil
}
