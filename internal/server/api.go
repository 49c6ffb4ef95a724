package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/diaslmb/tldv/internal/reconcile"
	"github.com/diaslmb/tldv/internal/session"
	"github.com/diaslmb/tldv/internal/storage"
	"github.com/diaslmb/tldv/internal/transcribe"
	"github.com/diaslmb/tldv/internal/transcript"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type SessionStore interface {
	ListSessions(limit int) ([]storage.Session, error)
	GetSessionsByDate(date string) ([]storage.Session, error)
	GetSession(id string) (storage.Session, error)
	GetLines(sessionID string) ([]transcript.Line, error)
	GetMappings(sessionID string) (reconcile.Mappings, error)
	GetCaptions(sessionID string) ([]transcribe.Caption, error)
	GetDates() ([]string, error)
}

// Controls exposes the running session to the API. Nil funcs are treated as
// "no session".
type Controls struct {
	Snapshot func() (session.Snapshot, bool)
	Stop     func() error
	Warnings func() []string
}

func registerAPIRoutes(mux *http.ServeMux, store SessionStore, controls Controls) {
	mux.HandleFunc("GET /api/status", func(w http.ResponseWriter, r *http.Request) {
		var current any
		if controls.Snapshot != nil {
			if snap, ok := controls.Snapshot(); ok {
				current = snap
			}
		}
		var warnings []string
		if controls.Warnings != nil {
			warnings = controls.Warnings()
		}
		if warnings == nil {
			warnings = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": current, "warnings": warnings})
	})

	mux.HandleFunc("POST /api/stop", func(w http.ResponseWriter, r *http.Request) {
		if controls.Stop == nil {
			writeJSONError(w, http.StatusConflict, session.ErrNoActiveSession.Error())
			return
		}
		if err := controls.Stop(); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, session.ErrNoActiveSession) {
				status = http.StatusConflict
			}
			writeJSONError(w, status, err.Error())
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	})

	mux.HandleFunc("GET /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		var (
			sessions []storage.Session
			err      error
		)
		if date := r.URL.Query().Get("date"); date != "" {
			sessions, err = store.GetSessionsByDate(date)
		} else {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			sessions, err = store.ListSessions(limit)
		}
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("list sessions: %v", err))
			return
		}
		if sessions == nil {
			sessions = []storage.Session{}
		}
		writeJSON(w, http.StatusOK, sessions)
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		sessionData, ok := lookupSession(w, r, store)
		if !ok {
			return
		}

		lines, err := store.GetLines(sessionData.ID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get session lines: %v", err))
			return
		}
		if lines == nil {
			lines = []transcript.Line{}
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"session": sessionData,
			"lines":   lines,
		})
	})

	mux.HandleFunc("GET /api/sessions/{id}/mapping", func(w http.ResponseWriter, r *http.Request) {
		sessionData, ok := lookupSession(w, r, store)
		if !ok {
			return
		}

		mappings, err := store.GetMappings(sessionData.ID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get mappings: %v", err))
			return
		}
		if mappings == nil {
			mappings = reconcile.Mappings{}
		}
		writeJSON(w, http.StatusOK, mappings)
	})

	mux.HandleFunc("GET /api/sessions/{id}/captions", func(w http.ResponseWriter, r *http.Request) {
		sessionData, ok := lookupSession(w, r, store)
		if !ok {
			return
		}

		captions, err := store.GetCaptions(sessionData.ID)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get captions: %v", err))
			return
		}
		if captions == nil {
			captions = []transcribe.Caption{}
		}
		writeJSON(w, http.StatusOK, captions)
	})

	mux.HandleFunc("GET /api/sessions/{id}/audio", func(w http.ResponseWriter, r *http.Request) {
		sessionData, ok := lookupSession(w, r, store)
		if !ok {
			return
		}

		if sessionData.AudioPath == "" || !sessionData.CaptureOK {
			writeJSONError(w, http.StatusNotFound, "audio not available")
			return
		}

		cleanPath := filepath.Clean(sessionData.AudioPath)
		if cleanPath == "." || filepath.IsAbs(cleanPath) || strings.Contains(cleanPath, "..") {
			writeJSONError(w, http.StatusForbidden, "invalid audio path")
			return
		}

		f, err := os.Open(cleanPath)
		if err != nil {
			writeJSONError(w, http.StatusNotFound, "audio file not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("stat audio: %v", err))
			return
		}

		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", contentTypeForAudio(cleanPath))
		http.ServeContent(w, r, filepath.Base(cleanPath), info.ModTime(), f)
	})

	mux.HandleFunc("GET /api/dates", func(w http.ResponseWriter, r *http.Request) {
		dates, err := store.GetDates()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("get dates: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, dates)
	})
}

func lookupSession(w http.ResponseWriter, r *http.Request, store SessionStore) (storage.Session, bool) {
	sessionID := r.PathValue("id")
	if !validSessionID(sessionID) {
		writeJSONError(w, http.StatusForbidden, "invalid session id")
		return storage.Session{}, false
	}

	sessionData, err := store.GetSession(sessionID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, os.ErrNotExist) || errors.Is(err, sql.ErrNoRows) {
			status = http.StatusNotFound
		}
		writeJSONError(w, status, fmt.Sprintf("get session: %v", err))
		return storage.Session{}, false
	}
	return sessionData, true
}

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func contentTypeForAudio(path string) string {
	switch filepath.Ext(path) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
