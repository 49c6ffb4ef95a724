package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/diaslmb/tldv/internal/reconcile"
	"github.com/diaslmb/tldv/internal/transcribe"
	"github.com/diaslmb/tldv/internal/transcript"
)

const (
	SummaryPending   = "pending"
	SummaryRunning   = "running"
	SummaryCompleted = "completed"
	SummaryFailed    = "failed"
	SummarySkipped   = "skipped"
)

type Session struct {
	ID                 string     `json:"id"`
	MeetingURL         string     `json:"meeting_url"`
	State              string     `json:"state"`
	Reason             string     `json:"reason"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
	AudioPath          string     `json:"audio_path"`
	AudioBytes         int64      `json:"audio_bytes"`
	CaptureOK          bool       `json:"capture_ok"`
	TranscriptionError string     `json:"transcription_error,omitempty"`
	ArtifactDir        string     `json:"artifact_dir,omitempty"`
	Summary            string     `json:"summary"`
	SummaryStatus      string     `json:"summary_status"`
}

// Finish is what a session records when it reaches Terminated.
type Finish struct {
	State              string
	Reason             string
	EndedAt            time.Time
	AudioPath          string
	AudioBytes         int64
	CaptureOK          bool
	TranscriptionError string
	ArtifactDir        string
}

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "tldv.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

var schema = []struct {
	name string
	stmt string
}{
	{"sessions table", `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			meeting_url TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT,
			ended_at TEXT,
			audio_path TEXT NOT NULL DEFAULT '',
			audio_bytes INTEGER NOT NULL DEFAULT 0,
			capture_ok INTEGER NOT NULL DEFAULT 0,
			transcription_error TEXT NOT NULL DEFAULT '',
			artifact_dir TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			summary_status TEXT NOT NULL DEFAULT 'pending'
		);`},
	{"captions table", `
		CREATE TABLE IF NOT EXISTS captions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			text TEXT NOT NULL,
			observed_at TEXT NOT NULL,
			offset_seconds REAL NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`},
	{"segments table", `
		CREATE TABLE IF NOT EXISTS segments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			label TEXT NOT NULL,
			start_time REAL NOT NULL,
			end_time REAL NOT NULL,
			text TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`},
	{"mappings table", `
		CREATE TABLE IF NOT EXISTS mappings (
			session_id TEXT NOT NULL,
			label TEXT NOT NULL,
			mapped_name TEXT NOT NULL,
			resolved INTEGER NOT NULL,
			confidence REAL NOT NULL,
			evidence TEXT NOT NULL DEFAULT '[]',
			PRIMARY KEY(session_id, label),
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`},
	{"lines table", `
		CREATE TABLE IF NOT EXISTS lines (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			speaker TEXT NOT NULL,
			label TEXT NOT NULL,
			start_time REAL NOT NULL,
			end_time REAL NOT NULL,
			confidence REAL NOT NULL,
			text TEXT NOT NULL,
			FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
		);`},
	{"summary_requests table", `
		CREATE TABLE IF NOT EXISTS summary_requests (
			session_id TEXT NOT NULL,
			prompt_hash TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, prompt_hash)
		);`},
	{"sessions index", "CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at)"},
	{"captions index", "CREATE INDEX IF NOT EXISTS idx_captions_session_id ON captions(session_id, id)"},
	{"segments index", "CREATE INDEX IF NOT EXISTS idx_segments_session_id ON segments(session_id, id)"},
	{"lines index", "CREATE INDEX IF NOT EXISTS idx_lines_session_id ON lines(session_id, id)"},
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	for _, st := range schema {
		if _, err := s.db.Exec(st.stmt); err != nil {
			return fmt.Errorf("create %s: %w", st.name, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *SQLiteStore) CreateSession(id, meetingURL string, createdAt time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("session id is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions(id, meeting_url, state, created_at, summary_status) VALUES(?, ?, 'joining', ?, ?)`,
		id,
		meetingURL,
		formatTime(createdAt),
		SummaryPending,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", id, err)
	}
	return nil
}

// UpdateState records a lifecycle transition. Entering "active" also stamps
// started_at.
func (s *SQLiteStore) UpdateState(id, state, reason string, at time.Time) error {
	query := `UPDATE sessions SET state = ?, reason = ? WHERE id = ?`
	args := []any{state, reason, id}
	if state == "active" {
		query = `UPDATE sessions SET state = ?, reason = ?, started_at = ? WHERE id = ?`
		args = []any{state, reason, formatTime(at), id}
	}

	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update state for session %s: %w", id, err)
	}
	return requireRow(res, "update state")
}

func (s *SQLiteStore) AppendCaptions(sessionID string, captions []transcribe.Caption) error {
	if len(captions) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin append captions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT INTO captions(session_id, speaker, text, observed_at, offset_seconds) VALUES(?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare append captions: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, c := range captions {
		if _, err := stmt.Exec(sessionID, c.Speaker, c.Text, formatTime(c.ObservedAt), c.Offset); err != nil {
			return fmt.Errorf("append caption for session %s: %w", sessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit captions for session %s: %w", sessionID, err)
	}
	return nil
}

// SaveTranscript replaces the diarized segments, label mappings and final
// lines of a session in one transaction.
func (s *SQLiteStore) SaveTranscript(sessionID string, segments []transcribe.Segment, mappings reconcile.Mappings, lines []transcript.Line) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save transcript: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"segments", "mappings", "lines"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("clear %s for session %s: %w", table, sessionID, err)
		}
	}

	for _, seg := range segments {
		if _, err := tx.Exec(
			`INSERT INTO segments(session_id, label, start_time, end_time, text) VALUES(?, ?, ?, ?, ?)`,
			sessionID, seg.Label, seg.Start, seg.End, seg.Text,
		); err != nil {
			return fmt.Errorf("insert segment for session %s: %w", sessionID, err)
		}
	}

	for _, label := range mappings.Labels() {
		m := mappings[label]
		evidence, err := json.Marshal(m.Evidence)
		if err != nil {
			return fmt.Errorf("encode evidence for %s: %w", label, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO mappings(session_id, label, mapped_name, resolved, confidence, evidence) VALUES(?, ?, ?, ?, ?, ?)`,
			sessionID, label, m.Name, m.Resolved, m.Confidence, string(evidence),
		); err != nil {
			return fmt.Errorf("insert mapping for session %s: %w", sessionID, err)
		}
	}

	for _, l := range lines {
		if _, err := tx.Exec(
			`INSERT INTO lines(session_id, speaker, label, start_time, end_time, confidence, text) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			sessionID, l.Speaker, l.Label, l.Start, l.End, l.Confidence, l.Text,
		); err != nil {
			return fmt.Errorf("insert line for session %s: %w", sessionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transcript for session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) FinishSession(id string, f Finish) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET state = ?, reason = ?, ended_at = ?, audio_path = ?, audio_bytes = ?,
			capture_ok = ?, transcription_error = ?, artifact_dir = ?
		 WHERE id = ?`,
		f.State,
		f.Reason,
		formatTime(f.EndedAt),
		f.AudioPath,
		f.AudioBytes,
		f.CaptureOK,
		f.TranscriptionError,
		f.ArtifactDir,
		id,
	)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", id, err)
	}
	return requireRow(res, "finish session")
}

func (s *SQLiteStore) UpdateSummary(sessionID, summary, status string) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET summary = ?, summary_status = ? WHERE id = ?`,
		summary,
		status,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("update summary for session %s: %w", sessionID, err)
	}
	return requireRow(res, "update summary")
}

func (s *SQLiteStore) ClaimSummaryRequest(sessionID, promptHash string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO summary_requests(session_id, prompt_hash) VALUES(?, ?)`,
		sessionID,
		promptHash,
	)
	if err != nil {
		return false, fmt.Errorf("claim summary request for session %s: %w", sessionID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim summary rows affected: %w", err)
	}

	return rows > 0, nil
}

const sessionColumns = `id, meeting_url, state, reason, created_at, started_at, ended_at, audio_path,
	audio_bytes, capture_ok, transcription_error, artifact_dir, summary, summary_status`

func (s *SQLiteStore) GetSession(id string) (Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return Session{}, fmt.Errorf("query session %s: %w", id, err)
	}
	return sess, nil
}

// ListSessions returns the most recent sessions first.
func (s *SQLiteStore) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (s *SQLiteStore) GetSessionsByDate(date string) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+`
		 FROM sessions
		 WHERE substr(created_at, 1, 10) = ?
		 ORDER BY created_at DESC`,
		date,
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions by date %s: %w", date, err)
	}
	defer func() { _ = rows.Close() }()

	return scanSessions(rows)
}

func (s *SQLiteStore) GetDates() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT substr(created_at, 1, 10) AS date FROM sessions ORDER BY date DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query dates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	dates := []string{}
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan date: %w", err)
		}
		dates = append(dates, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dates rows: %w", err)
	}

	return dates, nil
}

func (s *SQLiteStore) GetCaptions(sessionID string) ([]transcribe.Caption, error) {
	rows, err := s.db.Query(
		`SELECT speaker, text, observed_at, offset_seconds FROM captions WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query captions for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	captions := make([]transcribe.Caption, 0, 64)
	for rows.Next() {
		var c transcribe.Caption
		var observedAt string
		if err := rows.Scan(&c.Speaker, &c.Text, &observedAt, &c.Offset); err != nil {
			return nil, fmt.Errorf("scan caption for session %s: %w", sessionID, err)
		}
		if c.ObservedAt, err = time.Parse(time.RFC3339Nano, observedAt); err != nil {
			return nil, fmt.Errorf("parse caption timestamp for session %s: %w", sessionID, err)
		}
		captions = append(captions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate caption rows for session %s: %w", sessionID, err)
	}
	return captions, nil
}

func (s *SQLiteStore) GetSegments(sessionID string) ([]transcribe.Segment, error) {
	rows, err := s.db.Query(
		`SELECT label, start_time, end_time, text FROM segments WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query segments for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	segments := make([]transcribe.Segment, 0, 32)
	for rows.Next() {
		var seg transcribe.Segment
		if err := rows.Scan(&seg.Label, &seg.Start, &seg.End, &seg.Text); err != nil {
			return nil, fmt.Errorf("scan segment for session %s: %w", sessionID, err)
		}
		segments = append(segments, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate segment rows for session %s: %w", sessionID, err)
	}
	return segments, nil
}

func (s *SQLiteStore) GetMappings(sessionID string) (reconcile.Mappings, error) {
	rows, err := s.db.Query(
		`SELECT label, mapped_name, resolved, confidence, evidence FROM mappings WHERE session_id = ?`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query mappings for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	mappings := reconcile.Mappings{}
	for rows.Next() {
		var m reconcile.Mapping
		var evidence string
		if err := rows.Scan(&m.Label, &m.Name, &m.Resolved, &m.Confidence, &evidence); err != nil {
			return nil, fmt.Errorf("scan mapping for session %s: %w", sessionID, err)
		}
		if err := json.Unmarshal([]byte(evidence), &m.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence for session %s: %w", sessionID, err)
		}
		mappings[m.Label] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mapping rows for session %s: %w", sessionID, err)
	}
	return mappings, nil
}

func (s *SQLiteStore) GetLines(sessionID string) ([]transcript.Line, error) {
	rows, err := s.db.Query(
		`SELECT speaker, label, start_time, end_time, confidence, text FROM lines WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query lines for session %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	lines := make([]transcript.Line, 0, 32)
	for rows.Next() {
		var l transcript.Line
		if err := rows.Scan(&l.Speaker, &l.Label, &l.Start, &l.End, &l.Confidence, &l.Text); err != nil {
			return nil, fmt.Errorf("scan line for session %s: %w", sessionID, err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate line rows for session %s: %w", sessionID, err)
	}
	return lines, nil
}

func requireRow(res sql.Result, op string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var createdAt string
	var startedAt, endedAt sql.NullString
	if err := row.Scan(
		&sess.ID, &sess.MeetingURL, &sess.State, &sess.Reason, &createdAt, &startedAt, &endedAt,
		&sess.AudioPath, &sess.AudioBytes, &sess.CaptureOK, &sess.TranscriptionError,
		&sess.ArtifactDir, &sess.Summary, &sess.SummaryStatus,
	); err != nil {
		return Session{}, err
	}

	parsed, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Session{}, fmt.Errorf("parse created_at: %w", err)
	}
	sess.CreatedAt = parsed

	if sess.StartedAt, err = parseNullTime(startedAt); err != nil {
		return Session{}, fmt.Errorf("parse started_at: %w", err)
	}
	if sess.EndedAt, err = parseNullTime(endedAt); err != nil {
		return Session{}, fmt.Errorf("parse ended_at: %w", err)
	}
	return sess, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	sessions := make([]Session, 0, 16)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions rows: %w", err)
	}

	return sessions, nil
}
