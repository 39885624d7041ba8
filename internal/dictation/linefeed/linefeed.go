// Package linefeed is a Recognizer that reads transcript lines from a reader.
//
// Each line is one result: "~text" is an interim fragment that replaces the
// previous interim, "!reason" ends the stream with a recognition failure, and
// any other non-blank line is a final fragment. End of input ends the stream
// normally. Lines not delivered by one stream, including one read just as the
// stream was closed, go to the next, so a paused session resumes where the
// input left off.
package linefeed

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/hpungsan/forma/internal/dictation"
	"github.com/hpungsan/forma/internal/errors"
)

// Recognizer reads one shared input for all the streams it starts.
type Recognizer struct {
	src   io.Reader
	once  sync.Once
	lines chan string

	// readErr is written before lines is closed
	readErr error

	mu      sync.Mutex
	pending []string
}

// New returns a Recognizer over r.
func New(r io.Reader) *Recognizer {
	return &Recognizer{src: r, lines: make(chan string)}
}

// Start opens a stream. The stream ends when ctx is done.
func (r *Recognizer) Start(ctx context.Context, _ dictation.StreamConfig) (dictation.Stream, error) {
	r.once.Do(func() { go r.read() })

	s := &stream{
		events: make(chan dictation.Event),
		stop:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go s.run(ctx, r)
	return s, nil
}

// giveBack returns a line a closed stream could not deliver. It is read
// again before any other line.
func (r *Recognizer) giveBack(line string) {
	r.mu.Lock()
	r.pending = append([]string{line}, r.pending...)
	r.mu.Unlock()
}

func (r *Recognizer) takePending() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.pending) == 0 {
		return "", false
	}
	line := r.pending[0]
	r.pending = r.pending[1:]
	return line, true
}

func (r *Recognizer) read() {
	defer close(r.lines)
	sc := bufio.NewScanner(r.src)
	for sc.Scan() {
		r.lines <- sc.Text()
	}
	r.readErr = sc.Err()
}

type stream struct {
	events    chan dictation.Event
	stop      chan struct{}
	stopOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *stream) Events() <-chan dictation.Event { return s.events }

func (s *stream) Stop() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *stream) run(ctx context.Context, r *Recognizer) {
	defer close(s.events)

	for {
		if line, ok := r.takePending(); ok {
			if !s.deliver(r, line) {
				return
			}
			continue
		}

		select {
		case <-s.closed:
			return
		case <-s.stop:
			s.emit(dictation.Event{Kind: dictation.EventEnd})
			return
		case <-ctx.Done():
			s.emit(dictation.Event{Kind: dictation.EventEnd, Reason: errors.ReasonAborted, Err: ctx.Err()})
			return
		case line, ok := <-r.lines:
			if !ok {
				end := dictation.Event{Kind: dictation.EventEnd}
				if r.readErr != nil {
					end.Reason, end.Err = errors.ReasonAudioCapture, r.readErr
				}
				s.emit(end)
				return
			}
			if !s.deliver(r, line) {
				return
			}
		}
	}
}

// deliver emits the event for line and reports whether the stream goes on.
// A line the stream could not emit is handed back to r.
func (s *stream) deliver(r *Recognizer, line string) bool {
	ev, skip := parse(line)
	if skip {
		return true
	}
	if !s.emit(ev) {
		r.giveBack(line)
		return false
	}
	return ev.Kind != dictation.EventEnd
}

// emit delivers ev unless the stream is closed first.
func (s *stream) emit(ev dictation.Event) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.closed:
		return false
	}
}

func parse(line string) (ev dictation.Event, skip bool) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return dictation.Event{}, true
	}

	switch line[0] {
	case '~':
		return dictation.Event{
			Kind:      dictation.EventResult,
			Fragments: []dictation.Fragment{{Text: line[1:]}},
		}, false
	case '!':
		reason := strings.TrimSpace(line[1:])
		if reason == "" {
			reason = errors.ReasonAborted
		}
		return dictation.Event{Kind: dictation.EventEnd, Reason: reason}, false
	}

	// Finals are separated by a space; the trailing one is trimmed on save.
	return dictation.Event{
		Kind:      dictation.EventResult,
		Fragments: []dictation.Fragment{{Text: line + " ", Final: true}},
	}, false
}
