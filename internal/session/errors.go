package session

import "errors"

var (
	// ErrSetupFailure means the bot was never admitted to the meeting.
	ErrSetupFailure = errors.New("session setup failed")
	// ErrNoActiveSession is returned by Stop when no session is running.
	ErrNoActiveSession = errors.New("no active session")
	// ErrSessionActive is returned by Run while another session is running.
	ErrSessionActive = errors.New("session already running")
)
