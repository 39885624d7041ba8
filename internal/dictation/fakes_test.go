package dictation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hpungsan/forma/internal/form"
)

type fakeStream struct {
	events chan Event

	mu         sync.Mutex
	stopCalls  int
	closeCalls int
	closed     bool

	// onStop is emitted before the end event when Stop is called
	onStop []Event
	// stopFailure makes Stop end the stream with this reason
	stopFailure string
	// stubborn streams ignore Stop and only end on Close
	stubborn bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan Event, 32)}
}

func (f *fakeStream) Events() <-chan Event { return f.events }

func (f *fakeStream) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if f.closed || f.stubborn {
		return nil
	}
	for _, ev := range f.onStop {
		f.events <- ev
	}
	f.events <- Event{Kind: EventEnd, Reason: f.stopFailure}
	close(f.events)
	f.closed = true
	return nil
}

func (f *fakeStream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	if !f.closed {
		close(f.events)
		f.closed = true
	}
	return nil
}

// send pushes a result or end event as the service would.
func (f *fakeStream) send(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.events <- ev
	if ev.Kind == EventEnd {
		close(f.events)
		f.closed = true
	}
}

func (f *fakeStream) final(text string) {
	f.send(Event{Kind: EventResult, Fragments: []Fragment{{Text: text, Final: true}}})
}

func (f *fakeStream) interim(text string) {
	f.send(Event{Kind: EventResult, Fragments: []Fragment{{Text: text}}})
}

func (f *fakeStream) counts() (stops, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls, f.closeCalls
}

type fakeRecognizer struct {
	mu      sync.Mutex
	streams []*fakeStream
	configs []StreamConfig
	err     error
}

func (f *fakeRecognizer) Start(_ context.Context, cfg StreamConfig) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := newFakeStream()
	f.streams = append(f.streams, s)
	f.configs = append(f.configs, cfg)
	return s, nil
}

func (f *fakeRecognizer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.streams)
}

func (f *fakeRecognizer) last() *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[len(f.streams)-1]
}

type fakeSaver struct {
	mu         sync.Mutex
	forms      int
	segments   []form.Segment
	appendErr  error
	createErr  error
	appendedTo []string
}

func (f *fakeSaver) CreateForm(context.Context) (form.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return form.Record{}, f.createErr
	}
	f.forms++
	return form.Record{ID: fmt.Sprintf("form-%d", f.forms), FormNumber: int64(f.forms)}, nil
}

func (f *fakeSaver) AppendSegment(_ context.Context, formID, text string) (form.Segment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appendedTo = append(f.appendedTo, formID)
	if f.appendErr != nil {
		return form.Segment{}, f.appendErr
	}
	seg := form.Segment{ID: fmt.Sprintf("seg-%d", len(f.segments)+1), FormID: formID, Text: text, Number: len(f.segments) + 1}
	f.segments = append(f.segments, seg)
	return seg, nil
}

func (f *fakeSaver) saved() []form.Segment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]form.Segment, len(f.segments))
	copy(out, f.segments)
	return out
}

type fakeClipboard struct {
	lastText string
	err      error
}

func (f *fakeClipboard) WriteText(_ context.Context, text string) error {
	f.lastText = text
	return f.err
}

type fakeSink struct {
	mu     sync.Mutex
	states []State
	texts  []string
	saved  []form.Segment
	errs   []error
}

func (f *fakeSink) StateChanged(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, s)
}

func (f *fakeSink) WorkingText(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
}

func (f *fakeSink) SegmentSaved(seg form.Segment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, seg)
}

func (f *fakeSink) SessionError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err)
}

func (f *fakeSink) snapshotStates() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]State, len(f.states))
	copy(out, f.states)
	return out
}

func (f *fakeSink) snapshotErrors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]error, len(f.errs))
	copy(out, f.errs)
	return out
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitForText(t *testing.T, c *Controller, want string) {
	t.Helper()
	waitFor(t, fmt.Sprintf("working text %q", want), func() bool { return c.Snapshot().Text == want })
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return c.Snapshot().State == want })
}
