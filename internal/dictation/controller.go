// Package dictation drives speech-to-text sessions and saves the finished
// transcript as a note segment.
package dictation

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hpungsan/forma/internal/errors"
	"github.com/hpungsan/forma/internal/form"
)

// DefaultLanguage is used when Config.Language is empty.
const DefaultLanguage = "en-US"

// Config controls recognition streams.
type Config struct {
	Language string
}

// Option configures a Controller.
type Option func(*Controller)

// WithSink sets the event sink.
func WithSink(sink EventSink) Option {
	return func(c *Controller) {
		if sink != nil {
			c.sink = sink
		}
	}
}

// WithClipboard sets the clipboard used by Copy.
func WithClipboard(cb Clipboard) Option {
	return func(c *Controller) { c.clipboard = cb }
}

// WithClock overrides the time source used for elapsed time.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Controller is the dictation session state machine.
//
// Public operations are serialized by opMu. Recognition events are applied
// by one pump goroutine per stream under mu. A session moves
// Idle → Recording ⇄ Paused → Stopped, and Start from Stopped begins the
// next session on the same form.
type Controller struct {
	recognizer Recognizer
	saver      Saver
	clipboard  Clipboard
	sink       EventSink
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	formID   string
	prior    string // text carried across pauses
	finals   string // final fragments of the current stream
	interim  string // latest interim fragments of the current stream
	elapsed  time.Duration
	runStart time.Time
	active   *activeStream
	lastErr  error
}

// NewController creates a Controller. A nil recognizer makes Start fail with
// UNSUPPORTED_CAPABILITY.
func NewController(recognizer Recognizer, saver Saver, cfg Config, opts ...Option) *Controller {
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	c := &Controller{
		recognizer: recognizer,
		saver:      saver,
		sink:       nopSink{},
		cfg:        cfg,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bind attaches the controller to an existing form so saved dictations are
// appended to it. Only allowed while no session is in progress.
func (c *Controller) Bind(formID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateRecording || c.state == StatePaused {
		return errors.NewInvalidRequest("cannot change form while a dictation is in progress")
	}
	c.formID = formID
	return nil
}

// Start begins recording. From Paused it resumes; while Recording it does nothing.
func (c *Controller) Start(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateRecording:
		return nil
	case StatePaused:
		return c.open(ctx, false)
	}
	return c.open(ctx, true)
}

// Resume reopens a stream after Pause, keeping the text heard so far.
func (c *Controller) Resume(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	if state != StatePaused {
		return nil
	}
	return c.open(ctx, false)
}

// Pause stops the stream, keeping the working text for Resume.
// Elapsed time is suspended, not reset.
func (c *Controller) Pause(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != StateRecording {
		c.mu.Unlock()
		return nil
	}
	a := c.active
	a.halting = true
	c.mu.Unlock()

	c.halt(ctx, a)

	c.mu.Lock()
	c.detachLocked()
	if a.err != nil {
		err := c.failLocked(a.err)
		c.mu.Unlock()
		c.reportFailure(err)
		return err
	}
	c.prior = c.workingTextLocked()
	c.finals, c.interim = "", ""
	c.state = StatePaused
	c.mu.Unlock()

	c.logger.Debug("dictation paused")
	c.sink.StateChanged(StatePaused)
	return nil
}

// Stop ends the session from Recording or Paused and saves the trimmed
// working text as a segment, creating a form first if none is bound.
// Blank text saves nothing. If the stream failed, nothing is saved and the
// RECOGNITION_ERROR is returned.
//
// A failed save does not end the session: it is left Paused with the working
// text intact, and the save error is returned so Stop can be called again.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	a, ok := c.beginHalt()
	if !ok {
		return nil
	}
	if a != nil {
		c.halt(ctx, a)
	}
	return c.settle(ctx, a, true)
}

// Discard ends the session without saving.
func (c *Controller) Discard(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	a, ok := c.beginHalt()
	if !ok {
		return nil
	}
	if a != nil {
		c.halt(ctx, a)
	}
	if err := c.settle(ctx, a, false); err != nil && !errors.Is(err, errors.ErrRecognition) {
		return err
	}
	return nil
}

// Copy writes the working text to the clipboard. Blank text is not copied.
func (c *Controller) Copy(ctx context.Context) (bool, error) {
	if c.clipboard == nil {
		return false, errors.NewUnsupportedCapability("clipboard")
	}

	text := c.Snapshot().Text
	if strings.TrimSpace(text) == "" {
		return false, nil
	}
	if err := c.clipboard.WriteText(ctx, text); err != nil {
		c.logger.Warn("clipboard write failed", "error", err)
		return false, errors.NewClipboardFailure(err)
	}
	return true, nil
}

// Snapshot returns the current session view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	elapsed := c.elapsed
	if c.state == StateRecording {
		elapsed += c.now().Sub(c.runStart)
	}
	return Snapshot{
		State:   c.state,
		Text:    c.workingTextLocked(),
		Elapsed: elapsed,
		FormID:  c.formID,
		Err:     c.lastErr,
	}
}

// open starts a stream. fresh clears the text and timer of the previous session.
// Caller must hold opMu.
func (c *Controller) open(ctx context.Context, fresh bool) error {
	if c.recognizer == nil {
		return errors.NewUnsupportedCapability("speech recognition")
	}

	stream, err := c.recognizer.Start(ctx, StreamConfig{
		Language:   c.cfg.Language,
		Continuous: true,
		Interim:    true,
	})
	if err != nil {
		if _, ok := errors.As(err); !ok {
			err = errors.NewRecognition(errors.ReasonStartFailed, err)
		}
		c.logger.Warn("recognition start failed", "error", err)
		return err
	}

	a := &activeStream{stream: stream, done: make(chan struct{})}

	c.mu.Lock()
	if fresh {
		c.prior, c.finals, c.interim = "", "", ""
		c.elapsed = 0
		c.lastErr = nil
	}
	c.active = a
	c.state = StateRecording
	c.runStart = c.now()
	c.mu.Unlock()

	go c.pump(a)

	c.logger.Debug("dictation recording", "language", c.cfg.Language, "fresh", fresh)
	c.sink.StateChanged(StateRecording)
	return nil
}

// beginHalt marks the active stream as deliberately stopping.
// ok is false when there is no session to end. Caller must hold opMu.
func (c *Controller) beginHalt() (*activeStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateRecording, StatePaused:
	default:
		return nil, false
	}
	a := c.active
	if a != nil {
		a.halting = true
	}
	return a, true
}

// halt stops a stream, waits for the pump to drain it, and releases it.
// If ctx ends first the stream is closed without waiting for a flush.
func (c *Controller) halt(ctx context.Context, a *activeStream) {
	if err := a.stream.Stop(); err != nil {
		c.logger.Debug("stream stop failed", "error", err)
	}
	select {
	case <-a.done:
	case <-ctx.Done():
		_ = a.stream.Close()
		<-a.done
	}
	_ = a.stream.Close()
}

// settle moves the session to Stopped. a is the stream that just ended, or
// nil when stopping from Paused. Caller must hold opMu and a must be drained.
func (c *Controller) settle(ctx context.Context, a *activeStream, save bool) error {
	c.mu.Lock()
	if a != nil {
		c.detachLocked()
		if a.err != nil {
			err := c.failLocked(a.err)
			c.mu.Unlock()
			c.reportFailure(err)
			return err
		}
	}

	text := strings.TrimSpace(c.workingTextLocked())
	if !save || text == "" {
		c.stopCleanLocked()
		c.mu.Unlock()
		c.sink.StateChanged(StateStopped)
		return nil
	}
	formID := c.formID
	c.mu.Unlock()

	seg, err := c.persist(ctx, formID, text)

	c.mu.Lock()
	if err != nil {
		// Keep the text so Stop can be retried.
		c.prior = c.workingTextLocked()
		c.finals, c.interim = "", ""
		c.state = StatePaused
		c.mu.Unlock()
		c.logger.Error("save dictation failed", "error", err)
		c.sink.StateChanged(StatePaused)
		c.sink.SessionError(err)
		return err
	}
	c.stopCleanLocked()
	c.mu.Unlock()

	c.logger.Info("dictation saved", "form", seg.FormID, "segment", seg.ID, "number", seg.Number)
	c.sink.SegmentSaved(seg)
	c.sink.StateChanged(StateStopped)
	return nil
}

// persist creates the owning form on first save, then appends the segment.
func (c *Controller) persist(ctx context.Context, formID, text string) (form.Segment, error) {
	if formID == "" {
		rec, err := c.saver.CreateForm(ctx)
		if err != nil {
			return form.Segment{}, err
		}
		formID = rec.ID
		c.mu.Lock()
		c.formID = formID
		c.mu.Unlock()
	}
	return c.saver.AppendSegment(ctx, formID, text)
}

// pump applies a stream's events until its end event or channel close.
// A stream that ends without a Pause or Stop is stopped automatically.
func (c *Controller) pump(a *activeStream) {
	for ev := range a.stream.Events() {
		c.dispatch(a, ev)
		if ev.Kind == EventEnd {
			break
		}
	}
	close(a.done)
	c.autoStop(a)
}

func (c *Controller) dispatch(a *activeStream, ev Event) {
	c.mu.Lock()
	if c.active != a {
		c.mu.Unlock()
		return
	}

	switch ev.Kind {
	case EventResult:
		var interim strings.Builder
		for _, f := range ev.Fragments {
			if f.Final {
				c.finals += f.Text
			} else {
				interim.WriteString(f.Text)
			}
		}
		c.interim = interim.String()
		text := c.workingTextLocked()
		c.mu.Unlock()
		c.sink.WorkingText(text)
		return

	case EventEnd:
		if ev.Failed() {
			reason := ev.Reason
			if reason == "" {
				reason = errors.ReasonAborted
			}
			a.err = errors.NewRecognition(reason, ev.Err)
		}
	}
	c.mu.Unlock()
}

func (c *Controller) autoStop(a *activeStream) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	own := c.active == a && !a.halting
	c.mu.Unlock()
	if !own {
		return
	}

	_ = a.stream.Close()
	c.logger.Debug("recognition stream ended")
	_ = c.settle(context.Background(), a, true)
}

// detachLocked drops the active stream and banks its recording time.
func (c *Controller) detachLocked() {
	c.active = nil
	c.elapsed += c.now().Sub(c.runStart)
}

// failLocked settles into Stopped after a recognition failure.
// The working text is discarded and elapsed time is kept.
func (c *Controller) failLocked(err error) error {
	c.prior, c.finals, c.interim = "", "", ""
	c.state = StateStopped
	c.lastErr = err
	return err
}

func (c *Controller) stopCleanLocked() {
	c.prior, c.finals, c.interim = "", "", ""
	c.elapsed = 0
	c.state = StateStopped
}

func (c *Controller) reportFailure(err error) {
	c.logger.Warn("dictation stopped by recognition error", "error", err)
	c.sink.StateChanged(StateStopped)
	c.sink.SessionError(err)
}

func (c *Controller) workingTextLocked() string {
	return c.prior + c.finals + c.interim
}
