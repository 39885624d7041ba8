package dictation

import "time"

// State is the dictation session state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	State   State
	Text    string
	Elapsed time.Duration
	FormID  string

	// Err is the recognition error that ended the last session, if any
	Err error
}

// activeStream is the stream currently feeding the session.
type activeStream struct {
	stream Stream
	done   chan struct{}

	// halting is set before a deliberate Stop so the pump does not treat the
	// end of the stream as an automatic stop. Guarded by Controller.mu.
	halting bool

	// err is the recognition failure reported by the stream. Guarded by Controller.mu.
	err error
}
