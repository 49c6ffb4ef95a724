package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/diaslmb/tldv/internal/logging"
	"github.com/diaslmb/tldv/internal/metrics"
)

var (
	ErrAlreadyRecording = errors.New("recording already in progress")
	// ErrCaptureFailed means the recording is missing or holds no audio.
	ErrCaptureFailed = errors.New("recording missing or empty")
)

const defaultStopGrace = 10 * time.Second

// Recording is the outcome of one capture. A failed recording is reported,
// not raised: the session continues with captions only.
type Recording struct {
	Path    string `json:"path"`
	Bytes   int64  `json:"bytes"`
	Success bool   `json:"success"`
	Killed  bool   `json:"killed"`
	Err     error  `json:"-"`
}

// Handle identifies one running capture.
type Handle struct {
	SessionID string
	Path      string
	StartedAt time.Time

	proc   Process
	once   sync.Once
	result Recording
}

// Supervisor owns the capture process for the duration of a session.
type Supervisor struct {
	capturer Capturer
	audioDir string
	grace    time.Duration
	log      zerolog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	active *Handle
}

func NewSupervisor(capturer Capturer, audioDir string, grace time.Duration) *Supervisor {
	if audioDir == "" {
		audioDir = filepath.Join("data", "audio")
	}
	if grace <= 0 {
		grace = defaultStopGrace
	}
	return &Supervisor{
		capturer: capturer,
		audioDir: audioDir,
		grace:    grace,
		log:      logging.WithComponent("recording"),
		metrics:  metrics.DefaultMetrics,
	}
}

// Start launches a capture for sessionID that stops by itself after
// maxDuration.
func (s *Supervisor) Start(sessionID string, maxDuration time.Duration) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, ErrAlreadyRecording
	}
	if err := os.MkdirAll(s.audioDir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio directory: %w", err)
	}

	path := filepath.Join(s.audioDir, sessionID+".wav")
	proc, err := s.capturer.StartCapture(context.Background(), path, maxDuration)
	if err != nil {
		return nil, fmt.Errorf("start capture: %w", err)
	}

	h := &Handle{
		SessionID: sessionID,
		Path:      path,
		StartedAt: time.Now(),
		proc:      proc,
	}
	s.active = h

	s.log.Info().
		Str("session_id", sessionID).
		Str("path", path).
		Dur("max_duration", maxDuration).
		Msg("recording started")
	return h, nil
}

// Active returns the running capture, if any.
func (s *Supervisor) Active() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stop ends the capture and validates its output. Every call for the same
// handle returns the result of the first.
func (s *Supervisor) Stop(h *Handle) Recording {
	if h == nil {
		return Recording{Err: fmt.Errorf("%w: no recording was started", ErrCaptureFailed)}
	}

	h.once.Do(func() {
		h.result = s.stop(h)

		s.mu.Lock()
		if s.active == h {
			s.active = nil
		}
		s.mu.Unlock()
	})
	return h.result
}

func (s *Supervisor) stop(h *Handle) Recording {
	log := s.log.With().Str("session_id", h.SessionID).Logger()
	rec := Recording{Path: h.Path}

	if err := h.proc.Interrupt(); err != nil {
		log.Warn().Err(err).Msg("interrupt capture")
	}

	exited, waitErr := s.wait(h.proc)
	if !exited {
		log.Warn().Dur("grace", s.grace).Msg("capture did not stop, killing")
		rec.Killed = true
		s.metrics.RecordingKills.Inc()

		if err := h.proc.Kill(); err != nil {
			log.Error().Err(err).Msg("kill capture")
		}
		exited, waitErr = s.wait(h.proc)
		if !exited {
			log.Error().Msg("capture still running after kill")
		}
	}
	if waitErr != nil {
		// ffmpeg exits non-zero when stopped by a signal
		log.Debug().Err(waitErr).Msg("capture exit status")
	}

	rec.Bytes, rec.Err = validateRecording(h.Path)
	rec.Success = rec.Err == nil

	if rec.Success {
		s.metrics.RecordingBytes.Observe(float64(rec.Bytes))
		log.Info().Int64("bytes", rec.Bytes).Dur("elapsed", time.Since(h.StartedAt)).Msg("recording stopped")
	} else {
		s.metrics.RecordingFailures.Inc()
		log.Warn().Err(rec.Err).Msg("recording unusable")
	}
	return rec
}

// wait reports whether p exited within the grace period, and its exit error.
func (s *Supervisor) wait(p Process) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()

	err := p.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return false, nil
	}
	return true, err
}

func validateRecording(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCaptureFailed, err)
	}
	if st.Size() == 0 {
		return 0, fmt.Errorf("%w: %s is empty", ErrCaptureFailed, path)
	}

	if strings.EqualFold(filepath.Ext(path), ".wav") {
		payload, err := repairWAV(path)
		switch {
		case errors.Is(err, errNotWAV):
		case err != nil:
			return st.Size(), fmt.Errorf("%w: %w", ErrCaptureFailed, err)
		case payload == 0:
			return st.Size(), fmt.Errorf("%w: %s has no samples", ErrCaptureFailed, path)
		}
	}
	return st.Size(), nil
}
