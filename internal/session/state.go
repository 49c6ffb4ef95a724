package session

import "time"

// State is the lifecycle position of a session. States only move forward.
type State int

const (
	Joining State = iota
	Active
	Terminating
	Terminated
)

func (s State) String() string {
	switch s {
	case Joining:
		return "joining"
	case Active:
		return "active"
	case Terminating:
		return "terminating"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

func (s State) IsTerminal() bool {
	return s == Terminated
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case Joining:
		return next == Active || next == Terminated
	case Active:
		return next == Terminating
	case Terminating:
		return next == Terminated
	default:
		return false
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reason records what moved a session out of Active (or Joining).
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonMeetingEnded     Reason = "meeting_ended"
	ReasonAlone            Reason = "alone"
	ReasonParticipantsLeft Reason = "participants_left"
	ReasonSignalLoss       Reason = "signal_loss"
	ReasonIdle             Reason = "idle"
	ReasonMaxDuration      Reason = "max_duration"
	ReasonCanceled         Reason = "canceled"
	ReasonStopped          Reason = "stopped"
	ReasonError            Reason = "error"
	ReasonSetupFailure     Reason = "setup_failure"
)

// Snapshot is a read-only copy of a session's state for observers.
type Snapshot struct {
	SessionID            string    `json:"session_id"`
	MeetingURL           string    `json:"meeting_url"`
	State                State     `json:"state"`
	Reason               Reason    `json:"reason,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	StartedAt            time.Time `json:"started_at,omitzero"`
	LastCaptionAt        time.Time `json:"last_caption_at,omitzero"`
	LastParticipantCount int       `json:"last_participant_count"`
	SampleFailures       int       `json:"sample_failures"`
	Captions             int       `json:"captions"`
	EndedAt              time.Time `json:"ended_at,omitzero"`
}
