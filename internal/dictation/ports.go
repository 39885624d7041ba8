package dictation

import (
	"context"

	"github.com/hpungsan/forma/internal/form"
)

// StreamConfig describes the recognition stream a session asks for.
type StreamConfig struct {
	// Language is a BCP 47 tag such as "en-US"
	Language   string
	Continuous bool
	Interim    bool
}

// EventKind distinguishes result events from the terminal end event.
type EventKind int

const (
	EventResult EventKind = iota
	EventEnd
)

// Fragment is one transcript alternative carried by a result event.
type Fragment struct {
	Text  string
	Final bool
}

// Event is one message from a recognition stream.
type Event struct {
	Kind      EventKind
	Fragments []Fragment

	// Reason is set on an end event when the stream failed (e.g. "no-speech")
	Reason string
	Err    error
}

// Failed reports whether an end event carries a failure.
func (e Event) Failed() bool {
	return e.Kind == EventEnd && (e.Reason != "" || e.Err != nil)
}

// Stream is one open recognition stream.
//
// Events delivers results and then exactly one end event, after which the
// channel is closed. Stop asks the service to finish: results already heard
// are flushed before the end event. Close releases the stream immediately,
// closes the channel if it is still open, and is safe to call more than once.
type Stream interface {
	Events() <-chan Event
	Stop() error
	Close() error
}

// Recognizer opens recognition streams.
type Recognizer interface {
	Start(ctx context.Context, cfg StreamConfig) (Stream, error)
}

// Clipboard writes text to the host clipboard.
type Clipboard interface {
	WriteText(ctx context.Context, text string) error
}

// Saver persists finished dictations.
type Saver interface {
	CreateForm(ctx context.Context) (form.Record, error)
	AppendSegment(ctx context.Context, formID, text string) (form.Segment, error)
}

// EventSink receives session notifications. Calls are made without holding
// controller locks, so a sink may call Snapshot.
type EventSink interface {
	StateChanged(state State)
	WorkingText(text string)
	SegmentSaved(seg form.Segment)
	SessionError(err error)
}

type nopSink struct{}

func (nopSink) StateChanged(State)        {}
func (nopSink) WorkingText(string)        {}
func (nopSink) SegmentSaved(form.Segment) {}
func (nopSink) SessionError(error)        {}
