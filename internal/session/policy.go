package session

import "time"

// Policy decides when an active session should leave. It holds no state;
// callers pass in what they observed.
type Policy struct {
	IdleTimeout  time.Duration
	MaxDuration  time.Duration
	FailureLimit int
}

// Deadline returns the earliest instant a time-based trigger fires and
// which trigger it is. Idle time counts from the last accepted caption, or
// from activation while no caption has been accepted. When both triggers
// fall on the same instant the duration ceiling wins.
func (p Policy) Deadline(startedAt, lastCaptionAt time.Time) (time.Time, Reason) {
	var ceiling time.Time
	if p.MaxDuration > 0 {
		ceiling = startedAt.Add(p.MaxDuration)
	}

	var idle time.Time
	if p.IdleTimeout > 0 {
		from := lastCaptionAt
		if from.IsZero() || from.Before(startedAt) {
			from = startedAt
		}
		idle = from.Add(p.IdleTimeout)
	}

	switch {
	case ceiling.IsZero() && idle.IsZero():
		return time.Time{}, ReasonNone
	case idle.IsZero():
		return ceiling, ReasonMaxDuration
	case ceiling.IsZero():
		return idle, ReasonIdle
	case !ceiling.After(idle):
		return ceiling, ReasonMaxDuration
	default:
		return idle, ReasonIdle
	}
}

// CheckTime reports the time-based trigger that has fired by now, if any.
func (p Policy) CheckTime(startedAt, lastCaptionAt, now time.Time) (Reason, bool) {
	deadline, reason := p.Deadline(startedAt, lastCaptionAt)
	if reason == ReasonNone || now.Before(deadline) {
		return ReasonNone, false
	}
	return reason, true
}

// CheckSample evaluates one participant poll. A count of one or less means
// only the bot is left; failures is the current run of consecutive failed
// samples.
func (p Policy) CheckSample(count int, ok bool, failures int) (Reason, bool) {
	if ok {
		if count <= 1 {
			return ReasonParticipantsLeft, true
		}
		return ReasonNone, false
	}
	if p.FailureLimit > 0 && failures >= p.FailureLimit {
		return ReasonSignalLoss, true
	}
	return ReasonNone, false
}
