package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/atotto/clipboard"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/forma/internal/dictation"
	"github.com/hpungsan/forma/internal/dictation/linefeed"
	"github.com/hpungsan/forma/internal/errors"
	"github.com/hpungsan/forma/internal/form"
)

func dictateCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "dictate",
		Usage: "Record a dictation from transcript lines on stdin (~interim, !error); Ctrl-C or EOF saves it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "form", Aliases: []string{"f"}, Usage: "Form id or number to append to (default: new form)"},
			&cli.StringFlag{Name: "language", Aliases: []string{"l"}, Usage: "Recognition language tag (default from config)"},
			&cli.BoolFlag{Name: "copy", Usage: "Copy the saved text to the clipboard"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Do not echo working text to stderr"},
		},
		Action: func(c *cli.Context) error {
			language := d.cfg.Language
			if c.IsSet("language") {
				language = c.String("language")
			}

			sink := newSessionSink(c.App.ErrWriter, c.Bool("quiet"))
			ctrl := dictation.NewController(
				linefeed.New(c.App.Reader),
				dictation.StoreSaver{Index: d.index, Notes: d.notes},
				dictation.Config{Language: language},
				dictation.WithSink(sink),
				dictation.WithClipboard(d.clipboard),
				dictation.WithClock(d.now),
				dictation.WithLogger(d.logger),
			)

			if ref := c.String("form"); ref != "" {
				rec, err := d.resolve(ref)
				if err != nil {
					return outputError(err)
				}
				if err := ctrl.Bind(rec.ID); err != nil {
					return outputError(err)
				}
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			if err := runSession(c.Context, ctrl, sink, sigs); err != nil {
				// A failed save leaves the text in the session; do not lose it.
				if snap := ctrl.Snapshot(); snap.State == dictation.StatePaused && snap.Text != "" {
					fmt.Fprintf(c.App.ErrWriter, "unsaved dictation:\n%s\n", snap.Text)
				}
				return outputError(err)
			}

			snap := ctrl.Snapshot()
			out := dictateOutput{State: snap.State.String(), FormID: snap.FormID}
			if seg, ok := sink.saved(); ok {
				out.Segment = &seg
				if c.Bool("copy") {
					if err := d.copyText(c.Context, seg.Text); err != nil {
						d.logger.Warn("copy failed", "error", err)
					} else {
						out.Copied = true
					}
				}
			}
			return outputJSON(c, out)
		},
	}
}

type dictateOutput struct {
	State   string        `json:"state"`
	FormID  string        `json:"form_id,omitempty"`
	Segment *form.Segment `json:"segment,omitempty"`
	Copied  bool          `json:"copied,omitempty"`
}

// runSession records until the input ends or a signal arrives, then stops.
// It returns the error that ended the session, if any.
func runSession(ctx context.Context, ctrl *dictation.Controller, sink *sessionSink, sigs <-chan os.Signal) error {
	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	// The session ends by itself at end of input.
	g.Go(func() error {
		defer cancel()
		select {
		case <-sink.ended:
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-sigs:
			return ctrl.Stop(context.WithoutCancel(ctx))
		case <-ctx.Done():
			return ctrl.Stop(context.Background())
		case <-gctx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctrl.Snapshot().Err; err != nil {
		return err
	}
	return sink.failure()
}

// sessionSink echoes working text and records how the session ended.
type sessionSink struct {
	out   io.Writer
	quiet bool

	ended chan struct{}
	once  sync.Once

	mu  sync.Mutex
	seg *form.Segment
	err error
}

func newSessionSink(out io.Writer, quiet bool) *sessionSink {
	return &sessionSink{out: out, quiet: quiet, ended: make(chan struct{})}
}

func (s *sessionSink) StateChanged(state dictation.State) {
	if !s.quiet {
		fmt.Fprintf(s.out, "[%s]\n", state)
	}
	if state == dictation.StateStopped {
		s.end()
	}
}

func (s *sessionSink) WorkingText(text string) {
	if !s.quiet {
		fmt.Fprintf(s.out, "%s\n", text)
	}
}

func (s *sessionSink) SegmentSaved(seg form.Segment) {
	s.mu.Lock()
	s.seg = &seg
	s.mu.Unlock()
}

func (s *sessionSink) SessionError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.end()
}

func (s *sessionSink) end() {
	s.once.Do(func() { close(s.ended) })
}

func (s *sessionSink) saved() (form.Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seg == nil {
		return form.Segment{}, false
	}
	return *s.seg, true
}

func (s *sessionSink) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// systemClipboard writes to the host clipboard.
type systemClipboard struct{}

func (systemClipboard) WriteText(_ context.Context, text string) error {
	if clipboard.Unsupported {
		return errors.NewUnsupportedCapability("clipboard")
	}
	return clipboard.WriteAll(text)
}
