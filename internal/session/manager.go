package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/diaslmb/tldv/internal/audio"
	"github.com/diaslmb/tldv/internal/logging"
	"github.com/diaslmb/tldv/internal/metrics"
	"github.com/diaslmb/tldv/internal/meet"
	"github.com/diaslmb/tldv/internal/reconcile"
	"github.com/diaslmb/tldv/internal/storage"
	"github.com/diaslmb/tldv/internal/transcribe"
	"github.com/diaslmb/tldv/internal/transcript"
)

const (
	defaultSetupTimeout   = 2 * time.Minute
	defaultPollInterval   = 5 * time.Second
	defaultFlushInterval  = 10 * time.Second
	defaultCleanupTimeout = 5 * time.Minute
)

type Options struct {
	BotName        string
	SetupTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxDuration    time.Duration
	PollInterval   time.Duration
	FlushInterval  time.Duration
	CleanupTimeout time.Duration
	FailureLimit   int
	// Provider names the transcription backend in metrics and transcripts.
	Provider string
}

// Deps are the collaborators of a session. Only Observer is required.
type Deps struct {
	Observer   Observer
	Recorder   Recorder
	Gateway    transcribe.Gateway
	Reconciler *reconcile.Reconciler
	Store      Store
	Artifacts  ArtifactWriter
	Summarizer Summarizer
	Uploader   Uploader
	Leaver     Leaver
	Sinks      []EventSink
}

// Result is everything a finished session produced.
type Result struct {
	SessionID   string               `json:"session_id"`
	MeetingURL  string               `json:"meeting_url"`
	Reason      Reason               `json:"reason"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   time.Time            `json:"started_at,omitzero"`
	EndedAt     time.Time            `json:"ended_at"`
	Recording   audio.Recording      `json:"recording"`
	Captions    []transcribe.Caption `json:"captions"`
	Segments    []transcribe.Segment `json:"segments"`
	Raw         string               `json:"-"`
	Mappings    reconcile.Mappings   `json:"mappings"`
	Lines       []transcript.Line    `json:"lines"`
	Summary     string               `json:"summary,omitempty"`
	ArtifactDir string               `json:"artifact_dir,omitempty"`
	Errors      []error              `json:"-"`
}

// Err joins the cleanup errors, or returns nil when cleanup was clean.
func (r Result) Err() error {
	return errors.Join(r.Errors...)
}

// Manager runs one meeting session at a time through its lifecycle.
type Manager struct {
	opts    Options
	deps    Deps
	policy  Policy
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	mu      sync.Mutex
	snap    Snapshot
	hasSnap bool
	running bool
	stop    chan struct{}
	stopped bool
}

func NewManager(opts Options, deps Deps) *Manager {
	if opts.SetupTimeout <= 0 {
		opts.SetupTimeout = defaultSetupTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaultCleanupTimeout
	}
	if deps.Reconciler == nil {
		deps.Reconciler = reconcile.New(reconcile.Options{Exclude: []string{opts.BotName}})
	}

	return &Manager{
		opts: opts,
		deps: deps,
		policy: Policy{
			IdleTimeout:  opts.IdleTimeout,
			MaxDuration:  opts.MaxDuration,
			FailureLimit: opts.FailureLimit,
		},
		log:     logging.WithComponent("session"),
		metrics: metrics.DefaultMetrics,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// run is the per-session state owned by the Run goroutine.
type run struct {
	id         string
	meetingURL string
	createdAt  time.Time
	startedAt  time.Time
	log        zerolog.Logger
	ingestor   *CaptionIngestor
	sampler    *ParticipantSampler
	handle     *audio.Handle
	startErr   error
	stop       <-chan struct{}
	state      State
	cleanup    sync.Once
	result     Result
}

// Run joins the meeting, drives the session until a termination trigger
// fires and runs cleanup exactly once. It blocks until the session is
// Terminated. The returned error wraps ErrSetupFailure when the bot was
// never admitted; cleanup failures are reported in Result.Errors.
func (m *Manager) Run(ctx context.Context, meetingURL string) (Result, error) {
	stop, err := m.begin()
	if err != nil {
		return Result{}, err
	}
	defer m.end()

	r := &run{
		id:         m.newID(),
		meetingURL: meetingURL,
		createdAt:  m.now(),
		stop:       stop,
		state:      Joining,
	}
	r.log = logging.WithSession("session", r.id)
	r.result = Result{SessionID: r.id, MeetingURL: meetingURL, CreatedAt: r.createdAt}

	m.metrics.SessionsTotal.Inc()
	m.metrics.SessionsActive.Inc()
	defer m.metrics.SessionsActive.Dec()

	m.setSnapshot(Snapshot{
		SessionID:            r.id,
		MeetingURL:           meetingURL,
		State:                Joining,
		CreatedAt:            r.createdAt,
		LastParticipantCount: -1,
	})
	if m.deps.Store != nil {
		if err := m.deps.Store.CreateSession(r.id, meetingURL, r.createdAt); err != nil {
			r.log.Error().Err(err).Msg("failed to create session record")
		}
	}
	m.notifyState()
	r.log.Info().Str("meeting_url", meetingURL).Msg("joining meeting")

	if err := m.join(ctx, r); err != nil {
		return m.abortSetup(ctx, r, err)
	}

	reason, loopErr := m.active(ctx, r)
	if loopErr != nil {
		r.log.Error().Err(loopErr).Msg("session loop failed")
	}
	result := m.finish(ctx, r, reason)
	return result, loopErr
}

// Stop asks the running session to leave.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return ErrNoActiveSession
	}
	if !m.stopped {
		m.stopped = true
		close(m.stop)
		m.log.Info().Str("session_id", m.snap.SessionID).Msg("stop requested")
	}
	return nil
}

// Snapshot returns the state of the current or most recent session.
func (m *Manager) Snapshot() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, m.hasSnap
}

func (m *Manager) begin() (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil, ErrSessionActive
	}
	m.running = true
	m.stopped = false
	m.stop = make(chan struct{})
	return m.stop, nil
}

func (m *Manager) end() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
}

func (m *Manager) setSnapshot(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = s
	m.hasSnap = true
}

func (m *Manager) updateSnapshot(fn func(s *Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.snap)
}

func (m *Manager) notifyState() {
	snap, _ := m.Snapshot()
	for _, sink := range m.deps.Sinks {
		sink.StateChanged(snap)
	}
}

// transition moves the session forward. Illegal moves are logged and ignored.
func (m *Manager) transition(r *run, next State, reason Reason) bool {
	if !r.state.CanTransitionTo(next) {
		r.log.Warn().Stringer("from", r.state).Stringer("to", next).Msg("ignoring illegal state transition")
		return false
	}
	r.state = next
	at := m.now()
	if next == Active && !r.startedAt.IsZero() {
		at = r.startedAt
	}

	m.updateSnapshot(func(s *Snapshot) {
		s.State = next
		s.Reason = reason
		switch next {
		case Active:
			s.StartedAt = at
		case Terminated:
			s.EndedAt = at
		}
	})
	m.metrics.StateTransitions.WithLabelValues(next.String()).Inc()

	if m.deps.Store != nil && next != Terminated {
		if err := m.deps.Store.UpdateState(r.id, next.String(), string(reason), at); err != nil {
			r.log.Warn().Err(err).Stringer("state", next).Msg("failed to persist state")
		}
	}

	r.log.Info().Stringer("state", next).Str("reason", string(reason)).Msg("session state changed")
	m.notifyState()
	return true
}

// join waits for admission within the setup timeout. Stop also ends the wait.
func (m *Manager) join(ctx context.Context, r *run) error {
	setupCtx, cancel := context.WithTimeout(ctx, m.opts.SetupTimeout)
	defer cancel()

	go func() {
		select {
		case <-r.stop:
			cancel()
		case <-setupCtx.Done():
		}
	}()

	return m.deps.Observer.WaitJoined(setupCtx)
}

func (m *Manager) abortSetup(ctx context.Context, r *run, cause error) (Result, error) {
	reason := ReasonSetupFailure
	select {
	case <-r.stop:
		reason = ReasonStopped
	default:
		if ctx.Err() != nil {
			reason = ReasonCanceled
		}
	}

	m.metrics.SetupFailures.Inc()
	r.log.Error().Err(cause).Str("reason", string(reason)).Msg("bot was not admitted to the meeting")

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CleanupTimeout)
	defer cancel()

	res := &r.result
	res.Reason = reason
	if m.deps.Leaver != nil {
		m.step(r, "leave", func() error { return m.deps.Leaver.Leave(cctx) })
	}

	res.EndedAt = m.now()
	if m.deps.Store != nil {
		m.step(r, "store_finish", func() error {
			return m.deps.Store.FinishSession(r.id, storage.Finish{
				State:   Terminated.String(),
				Reason:  string(reason),
				EndedAt: res.EndedAt,
			})
		})
	}

	m.transition(r, Terminated, reason)
	m.metrics.Terminations.WithLabelValues(string(reason)).Inc()
	for _, sink := range m.deps.Sinks {
		sink.SessionFinished(*res)
	}
	return *res, fmt.Errorf("%w: %w", ErrSetupFailure, cause)
}

// active runs the Active state from activation to the termination trigger.
// A panic anywhere in it is reported as ReasonError so cleanup still runs.
func (m *Manager) active(ctx context.Context, r *run) (reason Reason, err error) {
	defer func() {
		if p := recover(); p != nil {
			reason = ReasonError
			err = fmt.Errorf("session panic: %v", p)
		}
	}()

	m.activate(r)
	return m.loop(ctx, r)
}

func (m *Manager) activate(r *run) {
	r.startedAt = m.now()
	r.result.StartedAt = r.startedAt
	r.ingestor = NewCaptionIngestor(r.startedAt)
	r.sampler = NewParticipantSampler(m.deps.Observer, m.opts.PollInterval)
	m.transition(r, Active, ReasonNone)

	if m.deps.Recorder == nil {
		r.startErr = errors.New("no recorder configured")
		return
	}
	h, err := m.deps.Recorder.Start(r.id, m.opts.MaxDuration)
	if err != nil {
		r.startErr = err
		r.log.Error().Err(err).Msg("failed to start recording, continuing with captions only")
		return
	}
	r.handle = h
}

// loop is the single control loop of an Active session. It returns the
// termination trigger.
func (m *Manager) loop(ctx context.Context, r *run) (Reason, error) {
	poll := time.NewTicker(m.opts.PollInterval)
	defer poll.Stop()
	flush := time.NewTicker(m.opts.FlushInterval)
	defer flush.Stop()

	deadline := time.NewTimer(time.Hour)
	defer deadline.Stop()
	arm := func() {
		at, why := m.policy.Deadline(r.startedAt, r.ingestor.LastCaptionAt())
		if why == ReasonNone {
			deadline.Stop()
			return
		}
		deadline.Reset(max(at.Sub(m.now()), 0))
	}
	arm()

	captions := m.deps.Observer.Captions()
	ended := m.deps.Observer.Ended()

	for {
		select {
		case <-ctx.Done():
			return ReasonCanceled, nil

		case <-r.stop:
			return ReasonStopped, nil

		case <-ended:
			return ReasonMeetingEnded, nil

		case c, ok := <-captions:
			if !ok {
				captions = nil
				continue
			}
			if m.ingest(r, c) {
				arm()
			}

		case <-poll.C:
			if why, fired := m.policy.CheckTime(r.startedAt, r.ingestor.LastCaptionAt(), m.now()); fired {
				return why, nil
			}
			if alone, err := m.deps.Observer.IsAloneBannerVisible(ctx); err == nil && alone {
				return ReasonAlone, nil
			}
			if why, fired := m.sample(ctx, r); fired {
				return why, nil
			}

		case <-flush.C:
			_ = m.flushCaptions(r)

		case <-deadline.C:
			if why, fired := m.policy.CheckTime(r.startedAt, r.ingestor.LastCaptionAt(), m.now()); fired {
				return why, nil
			}
			arm()
		}
	}
}

func (m *Manager) ingest(r *run, c meet.CaptionObserved) bool {
	caption, ok := r.ingestor.Ingest(c.Speaker, c.Text, m.now())
	if !ok {
		m.metrics.CaptionsDuplicate.Inc()
		return false
	}
	m.metrics.CaptionsAccepted.Inc()

	m.updateSnapshot(func(s *Snapshot) {
		s.LastCaptionAt = caption.ObservedAt
		s.Captions = r.ingestor.Len()
	})
	for _, sink := range m.deps.Sinks {
		sink.CaptionAccepted(r.id, caption)
	}
	return true
}

func (m *Manager) sample(ctx context.Context, r *run) (Reason, bool) {
	count, ok := r.sampler.Sample(ctx)
	failures := r.sampler.Failures()

	if ok {
		m.metrics.ParticipantPolls.WithLabelValues("ok").Inc()
		m.metrics.Participants.Set(float64(count))
	} else {
		m.metrics.ParticipantPolls.WithLabelValues("failed").Inc()
		r.log.Debug().Int("failures", failures).Msg("participant count unavailable")
	}

	last, _ := r.sampler.Last()
	m.updateSnapshot(func(s *Snapshot) {
		s.LastParticipantCount = last
		s.SampleFailures = failures
	})

	return m.policy.CheckSample(count, ok, failures)
}

func (m *Manager) flushCaptions(r *run) error {
	pending := r.ingestor.Pending()
	if len(pending) == 0 || m.deps.Store == nil {
		return nil
	}
	if err := m.deps.Store.AppendCaptions(r.id, pending); err != nil {
		r.log.Warn().Err(err).Int("captions", len(pending)).Msg("failed to persist captions, will retry")
		return err
	}
	r.ingestor.MarkFlushed(len(pending))
	return nil
}

// step runs one cleanup step. A failing or panicking step is recorded and
// the next step still runs.
func (m *Manager) step(r *run, name string, fn func() error) {
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}

	m.metrics.CleanupErrors.WithLabelValues(name).Inc()
	r.log.Error().Err(err).Str("step", name).Msg("cleanup step failed")
	r.result.Errors = append(r.result.Errors, fmt.Errorf("%s: %w", name, err))
}

// finish runs cleanup once and moves the session to Terminated.
func (m *Manager) finish(ctx context.Context, r *run, reason Reason) Result {
	r.cleanup.Do(func() {
		m.cleanup(ctx, r, reason)
	})
	return r.result
}

func (m *Manager) cleanup(ctx context.Context, r *run, reason Reason) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.CleanupTimeout)
	defer cancel()

	res := &r.result
	res.Reason = reason
	m.transition(r, Terminating, reason)

	if m.deps.Leaver != nil {
		m.step(r, "leave", func() error { return m.deps.Leaver.Leave(cctx) })
	}

	m.step(r, "flush_captions", func() error { return m.flushCaptions(r) })
	res.Captions = r.ingestor.Captions()

	m.step(r, "stop_recording", func() error {
		if r.handle == nil {
			if r.startErr == nil {
				r.startErr = errors.New("recording never started")
			}
			res.Recording = audio.Recording{Err: fmt.Errorf("%w: %w", audio.ErrCaptureFailed, r.startErr)}
			return res.Recording.Err
		}
		res.Recording = m.deps.Recorder.Stop(r.handle)
		return res.Recording.Err
	})

	transcribed := false
	if res.Recording.Success && m.deps.Gateway != nil {
		m.step(r, "transcribe", func() error {
			started := time.Now()
			out, err := m.deps.Gateway.Transcribe(cctx, res.Recording.Path)
			m.metrics.TranscriptionLatency.WithLabelValues(m.provider()).Observe(time.Since(started).Seconds())
			if err != nil {
				m.metrics.TranscriptionErrors.WithLabelValues(m.provider(), transcriptionErrorKind(err)).Inc()
				return err
			}
			res.Raw = out.Raw
			res.Segments = out.Segments
			m.metrics.SegmentsParsed.Add(float64(len(out.Segments)))
			transcribed = true
			return nil
		})
	}

	m.step(r, "compose", func() error {
		if transcribed && len(res.Segments) > 0 {
			res.Mappings = m.deps.Reconciler.Reconcile(res.Captions, res.Segments)
			res.Lines = transcript.Compose(res.Segments, res.Mappings)
			resolved := res.Mappings.Resolved()
			m.metrics.LabelsReconciled.WithLabelValues("resolved").Add(float64(resolved))
			m.metrics.LabelsReconciled.WithLabelValues("unresolved").Add(float64(len(res.Mappings) - resolved))
			r.log.Info().
				Int("segments", len(res.Segments)).
				Int("labels", len(res.Mappings)).
				Int("resolved", resolved).
				Msg("speakers reconciled")
			return nil
		}
		res.Mappings = reconcile.Mappings{}
		res.Lines = transcript.FromCaptions(res.Captions)
		r.log.Warn().Int("captions", len(res.Captions)).Msg("no diarized transcript, writing captions only")
		return nil
	})

	summaryStatus := storage.SummarySkipped
	if m.deps.Summarizer != nil && len(res.Lines) > 0 {
		summaryStatus = storage.SummaryFailed
		m.step(r, "summarize", func() error {
			summary, err := m.deps.Summarizer.Summarize(cctx, r.id, transcript.PlainText(res.Lines))
			if err != nil {
				return err
			}
			res.Summary = summary
			summaryStatus = storage.SummaryCompleted
			if summary == "" {
				summaryStatus = storage.SummarySkipped
			}
			return nil
		})
	}

	res.EndedAt = m.now()

	if m.deps.Artifacts != nil {
		m.step(r, "write_artifacts", func() error {
			dir, err := m.deps.Artifacts.Write(storage.Artifacts{
				SessionID:   r.id,
				Lines:       res.Lines,
				Markdown:    transcript.RenderMarkdown(m.metadata(r), res.Lines),
				Mappings:    res.Mappings,
				Captions:    res.Captions,
				RawDiarized: res.Raw,
				Summary:     res.Summary,
			})
			res.ArtifactDir = dir
			return err
		})
	}

	if m.deps.Store != nil {
		m.step(r, "store_transcript", func() error {
			return m.deps.Store.SaveTranscript(r.id, res.Segments, res.Mappings, res.Lines)
		})
		m.step(r, "store_summary", func() error {
			return m.deps.Store.UpdateSummary(r.id, res.Summary, summaryStatus)
		})
		m.step(r, "store_finish", func() error {
			return m.deps.Store.FinishSession(r.id, storage.Finish{
				State:              Terminated.String(),
				Reason:             string(reason),
				EndedAt:            res.EndedAt,
				AudioPath:          res.Recording.Path,
				AudioBytes:         res.Recording.Bytes,
				CaptureOK:          res.Recording.Success,
				TranscriptionError: transcriptionError(res.Errors),
				ArtifactDir:        res.ArtifactDir,
			})
		})
	}

	if m.deps.Uploader != nil && res.ArtifactDir != "" {
		m.step(r, "upload", func() error {
			return m.deps.Uploader.Upload(cctx, r.id, filepath.Join(res.ArtifactDir, storage.TranscriptMDFile))
		})
	}

	m.transition(r, Terminated, reason)
	m.metrics.Terminations.WithLabelValues(string(reason)).Inc()
	m.metrics.SessionDuration.Observe(res.EndedAt.Sub(r.startedAt).Seconds())

	r.log.Info().
		Str("reason", string(reason)).
		Int("captions", len(res.Captions)).
		Int("lines", len(res.Lines)).
		Int("errors", len(res.Errors)).
		Msg("session terminated")

	for _, sink := range m.deps.Sinks {
		sink.SessionFinished(*res)
	}
}

func (m *Manager) metadata(r *run) transcript.Metadata {
	backend := "captions"
	if len(r.result.Segments) > 0 {
		backend = m.provider()
	}
	return transcript.Metadata{
		MeetingURL: r.meetingURL,
		SessionID:  r.id,
		StartedAt:  r.startedAt,
		Duration:   r.result.EndedAt.Sub(r.startedAt),
		Reason:     string(r.result.Reason),
		Backend:    backend,
	}
}

func (m *Manager) provider() string {
	if m.opts.Provider == "" {
		return "whisper"
	}
	return m.opts.Provider
}

func transcriptionErrorKind(err error) string {
	switch {
	case errors.Is(err, transcribe.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, transcribe.ErrRejected):
		return "rejected"
	default:
		return "other"
	}
}

func transcriptionError(errs []error) string {
	for _, err := range errs {
		if errors.Is(err, transcribe.ErrUnavailable) || errors.Is(err, transcribe.ErrRejected) {
			return err.Error()
		}
	}
	return ""
}
