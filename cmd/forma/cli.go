package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/hpungsan/forma/internal/config"
	"github.com/hpungsan/forma/internal/dictation"
	"github.com/hpungsan/forma/internal/errors"
	"github.com/hpungsan/forma/internal/form"
	"github.com/hpungsan/forma/internal/forms"
	"github.com/hpungsan/forma/internal/notes"
	"github.com/hpungsan/forma/internal/ops"
)

// deps is everything the commands operate on.
type deps struct {
	index      *forms.Index
	notes      *notes.Store
	cfg        *config.Config
	exportsDir string
	clipboard  dictation.Clipboard
	logger     *slog.Logger
	now        func() time.Time
}

func (d *deps) opsDeps() ops.Deps {
	return ops.Deps{Index: d.index, Notes: d.notes, Config: d.cfg, ExportsDir: d.exportsDir}
}

const flagOrderHelp = `Flags go before positional arguments, for example:

   forma note list --order=importance 12`

// newCLIApp creates the CLI application with all commands.
// d may be nil when only help or version output is needed.
func newCLIApp(d *deps) *cli.App {
	app := &cli.App{
		Name:        "forma",
		Usage:       "Field forms with dictated notes",
		Version:     Version,
		Description: flagOrderHelp,
		Commands: []*cli.Command{
			formCmd(d),
			noteCmd(d),
			dictateCmd(d),
			exportCmd(d),
			importCmd(d),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func formCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "form",
		Usage: "Create, list and edit forms",
		Subcommands: []*cli.Command{
			{
				Name:  "new",
				Usage: "Create a form",
				Flags: append(formFieldFlags(),
					&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "not-started|in-progress|completed"},
				),
				Action: func(c *cli.Context) error {
					status, err := form.ParseStatus(c.String("status"))
					if err != nil {
						return outputError(err)
					}
					rec, err := d.index.Create(c.Context, form.Fields{
						Title:       c.String("title"),
						Client:      c.String("client"),
						Category:    c.String("category"),
						Status:      status,
						PlannedDate: c.String("planned"),
						Notes:       c.String("notes"),
					})
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, rec)
				},
			},
			{
				Name:  "list",
				Usage: "List forms, most recently modified first",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "Free text matched against title, client, category and number"},
					&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Value: form.Wildcard, Usage: "Status or 'all'"},
					&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Value: form.Wildcard, Usage: "Category or 'all'"},
					&cli.StringFlag{Name: "date", Usage: "Calendar day YYYY-MM-DD"},
					&cli.StringFlag{Name: "date-field", Value: string(form.DatePlanned), Usage: "created|modified|planned"},
					&cli.BoolFlag{Name: "favorites", Usage: "Only favorite forms"},
				},
				Action: func(c *cli.Context) error {
					if s := c.String("status"); s != form.Wildcard {
						if _, err := form.ParseStatus(s); err != nil {
							return outputError(err)
						}
					}
					records := d.index.Filter(form.Query{
						Text:      c.String("query"),
						Status:    c.String("status"),
						Category:  c.String("category"),
						Date:      c.String("date"),
						DateField: form.DateField(c.String("date-field")),
					})
					if c.Bool("favorites") {
						records = slices.DeleteFunc(records, func(r form.Record) bool { return !r.IsFavorite })
					}
					return outputJSON(c, listOutput{Items: nonNil(records), Count: len(records)})
				},
			},
			{
				Name:      "show",
				Usage:     "Show a form with its notes",
				ArgsUsage: "<id|number>",
				Flags:     []cli.Flag{orderFlag()},
				Action: func(c *cli.Context) error {
					rec, err := d.resolveArg(c)
					if err != nil {
						return outputError(err)
					}
					segs, err := d.displaySegments(c, rec.ID)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, showOutput{Form: rec, Segments: segs})
				},
			},
			{
				Name:      "update",
				Usage:     "Update form fields; only flags that are set change",
				ArgsUsage: "<id|number>",
				Flags: append(formFieldFlags(),
					&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "not-started|in-progress|completed"},
				),
				Action: func(c *cli.Context) error {
					rec, err := d.resolveArg(c)
					if err != nil {
						return outputError(err)
					}
					patch := form.Patch{
						Title:       optional(c, "title"),
						Client:      optional(c, "client"),
						Category:    optional(c, "category"),
						PlannedDate: optional(c, "planned"),
						Notes:       optional(c, "notes"),
					}
					if c.IsSet("status") {
						status := form.Status(c.String("status"))
						patch.Status = &status
					}
					if patch.Empty() {
						return outputError(errors.NewInvalidRequest("nothing to update"))
					}
					if err := patch.Validate(); err != nil {
						return outputError(err)
					}
					rec, err = d.index.Update(c.Context, rec.ID, patch)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, rec)
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a form and all of its notes",
				ArgsUsage: "<id|number>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Do not ask for confirmation"},
				},
				Action: func(c *cli.Context) error {
					rec, err := d.resolveArg(c)
					if err != nil {
						return outputError(err)
					}
					if !c.Bool("yes") {
						ok, err := confirm(c, fmt.Sprintf("Delete %s (%s) and its %d notes?", rec.Label(), rec.Title, rec.NoteCount))
						if err != nil {
							return outputError(errors.NewInternal(err))
						}
						if !ok {
							return outputJSON(c, deleteOutput{ID: rec.ID, Deleted: false})
						}
					}
					if err := d.index.Delete(c.Context, rec.ID); err != nil {
						return outputError(err)
					}
					return outputJSON(c, deleteOutput{ID: rec.ID, Deleted: true})
				},
			},
			{
				Name:  "today",
				Usage: "Forms planned for today that are not completed",
				Action: func(c *cli.Context) error {
					records := d.index.TodayTasks(d.now())
					return outputJSON(c, listOutput{Items: nonNil(records), Count: len(records)})
				},
			},
			{
				Name:      "favorite",
				Usage:     "Toggle the favorite flag",
				ArgsUsage: "<id|number>",
				Action: func(c *cli.Context) error {
					rec, err := d.resolveArg(c)
					if err != nil {
						return outputError(err)
					}
					rec, err = d.index.ToggleFavorite(c.Context, rec.ID)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, rec)
				},
			},
			{
				Name:  "categories",
				Usage: "List the categories in use",
				Action: func(c *cli.Context) error {
					categories := d.index.Categories()
					if categories == nil {
						categories = []string{}
					}
					return outputJSON(c, categories)
				},
			},
		},
	}
}

func noteCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "note",
		Usage: "Manage the notes of a form",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Add a typed note (text from arguments or stdin)",
				ArgsUsage: "<id|number> [text...]",
				Action: func(c *cli.Context) error {
					rec, err := d.resolve(c.Args().First())
					if err != nil {
						return outputError(err)
					}
					text := strings.Join(c.Args().Tail(), " ")
					if text == "" {
						data, err := io.ReadAll(c.App.Reader)
						if err != nil {
							return outputError(errors.NewInternal(err))
						}
						text = string(data)
					}
					seg, err := d.notes.Append(c.Context, rec.ID, text, form.SourceTyped)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, seg)
				},
			},
			{
				Name:      "list",
				Usage:     "List the notes of a form",
				ArgsUsage: "<id|number>",
				Flags:     []cli.Flag{orderFlag()},
				Action: func(c *cli.Context) error {
					rec, err := d.resolveArg(c)
					if err != nil {
						return outputError(err)
					}
					segs, err := d.displaySegments(c, rec.ID)
					if err != nil {
						return outputError(err)
					}
					return outputJSON(c, segs)
				},
			},
			{
				Name:      "star",
				Usage:     "Toggle the important flag of a note",
				ArgsUsage: "<id|number> <note-id>",
				Action: func(c *cli.Context) error {
					rec, segID, err := d.resolveNote(c)
					if err != nil {
						return outputError(err)
					}
					seg, ok, err := d.notes.ToggleImportant(c.Context, rec.ID, segID)
					if err != nil {
						return outputError(err)
					}
					if !ok {
						return outputError(errors.NewNotFound("segment", segID))
					}
					return outputJSON(c, seg)
				},
			},
			{
				Name:      "rm",
				Usage:     "Remove a note",
				ArgsUsage: "<id|number> <note-id>",
				Action: func(c *cli.Context) error {
					rec, segID, err := d.resolveNote(c)
					if err != nil {
						return outputError(err)
					}
					if err := d.notes.Remove(c.Context, rec.ID, segID); err != nil {
						return outputError(err)
					}
					return outputJSON(c, deleteOutput{ID: segID, Deleted: true})
				},
			},
			{
				Name:      "copy",
				Usage:     "Copy a note's text to the clipboard",
				ArgsUsage: "<id|number> <note-id>",
				Action: func(c *cli.Context) error {
					rec, segID, err := d.resolveNote(c)
					if err != nil {
						return outputError(err)
					}
					seg, err := d.notes.Get(c.Context, rec.ID, segID)
					if err != nil {
						return outputError(err)
					}
					if err := d.copyText(c.Context, seg.Text); err != nil {
						return outputError(err)
					}
					return outputJSON(c, copyOutput{Copied: true, Chars: len([]rune(seg.Text))})
				},
			},
			{
				Name:      "clear",
				Usage:     "Remove every note of a form, keeping the form",
				ArgsUsage: "<id|number>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "Do not ask for confirmation"},
				},
				Action: func(c *cli.Context) error {
					rec, err := d.resolveArg(c)
					if err != nil {
						return outputError(err)
					}
					if !c.Bool("yes") {
						ok, err := confirm(c, fmt.Sprintf("Remove all %d notes of %s (%s)?", rec.NoteCount, rec.Label(), rec.Title))
						if err != nil {
							return outputError(errors.NewInternal(err))
						}
						if !ok {
							return outputJSON(c, deleteOutput{ID: rec.ID, Deleted: false})
						}
					}
					if err := d.notes.DeleteAllForForm(c.Context, rec.ID); err != nil {
						return outputError(err)
					}
					return outputJSON(c, deleteOutput{ID: rec.ID, Deleted: true})
				},
			},
		},
	}
}

func exportCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Export forms to JSONL, or one form's transcription to text",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Aliases: []string{"p"}, Usage: "Output path (default: ~/.forma/exports/...)"},
			&cli.StringSliceFlag{Name: "form", Aliases: []string{"f"}, Usage: "Form id or number (repeatable)"},
			&cli.StringFlag{Name: "format", Value: "jsonl", Usage: "jsonl|txt (txt needs exactly one --form)"},
			orderFlag(),
		},
		Action: func(c *cli.Context) error {
			var ids []string
			for _, ref := range c.StringSlice("form") {
				rec, err := d.resolve(ref)
				if err != nil {
					return outputError(err)
				}
				ids = append(ids, rec.ID)
			}

			switch c.String("format") {
			case "jsonl":
				output, err := ops.Export(c.Context, d.opsDeps(), ops.ExportInput{Path: c.String("path"), FormIDs: ids})
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c, output)
			case "txt":
				if len(ids) != 1 {
					return outputError(errors.NewInvalidRequest("txt export needs exactly one --form"))
				}
				output, err := ops.ExportText(c.Context, d.opsDeps(), ops.TextExportInput{
					FormID: ids[0],
					Path:   c.String("path"),
					Order:  d.order(c),
				})
				if err != nil {
					return outputError(err)
				}
				return outputJSON(c, output)
			}
			return outputError(errors.NewInvalidRequest("format must be one of: jsonl, txt"))
		},
	}
}

func importCmd(d *deps) *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Import forms from a JSONL export",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Value: "error", Usage: "Collision mode: error|replace"},
		},
		Action: func(c *cli.Context) error {
			args, err := positional(c, "import path")
			if err != nil {
				return outputError(err)
			}
			output, err := ops.Import(c.Context, d.opsDeps(), ops.ImportInput{
				Path: args[0],
				Mode: ops.ImportMode(c.String("mode")),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(c, output)
		},
	}
}

type listOutput struct {
	Items []form.Record `json:"items"`
	Count int           `json:"count"`
}

type showOutput struct {
	Form     form.Record    `json:"form"`
	Segments []form.Segment `json:"segments"`
}

type deleteOutput struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

type copyOutput struct {
	Copied bool `json:"copied"`
	Chars  int  `json:"chars"`
}

// Helper functions

func formFieldFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "title", Aliases: []string{"t"}, Usage: "Title (default: Form #<number>)"},
		&cli.StringFlag{Name: "client", Usage: "Client name"},
		&cli.StringFlag{Name: "category", Aliases: []string{"c"}, Usage: "Category"},
		&cli.StringFlag{Name: "planned", Usage: "Planned date YYYY-MM-DD"},
		&cli.StringFlag{Name: "notes", Usage: "Initial notes"},
	}
}

func orderFlag() cli.Flag {
	return &cli.StringFlag{Name: "order", Aliases: []string{"o"}, Usage: "Note order: insertion|importance (default from config)"}
}

// order returns the --order flag, falling back to the configured display order.
func (d *deps) order(c *cli.Context) form.Order {
	if c.IsSet("order") {
		return form.ParseOrder(c.String("order"))
	}
	return form.ParseOrder(d.cfg.DisplayOrder)
}

func (d *deps) displaySegments(c *cli.Context, formID string) ([]form.Segment, error) {
	seq, err := d.notes.ListForDisplay(c.Context, formID, d.order(c))
	if err != nil {
		return nil, err
	}
	return nonNil(slices.Collect(seq)), nil
}

// resolve finds a form by ULID or by number ("12" or "#12").
func (d *deps) resolve(ref string) (form.Record, error) {
	if ref == "" {
		return form.Record{}, errors.NewInvalidRequest("form id or number is required")
	}
	if n, ok := parseFormNumber(ref); ok {
		return d.index.FindByNumber(n)
	}
	return d.index.Get(ref)
}

// resolveArg resolves the command's single form argument.
func (d *deps) resolveArg(c *cli.Context) (form.Record, error) {
	args, err := positional(c, "form id or number")
	if err != nil {
		return form.Record{}, err
	}
	return d.resolve(args[0])
}

func (d *deps) resolveNote(c *cli.Context) (form.Record, string, error) {
	args, err := positional(c, "form id or number", "note id")
	if err != nil {
		return form.Record{}, "", err
	}
	rec, err := d.resolve(args[0])
	if err != nil {
		return form.Record{}, "", err
	}
	return rec, args[1], nil
}

// positional returns exactly one argument per name. urfave/cli stops parsing
// flags at the first argument, so a flag written after one arrives here and
// is rejected instead of being ignored.
func positional(c *cli.Context, names ...string) ([]string, error) {
	args := c.Args().Slice()
	for _, arg := range args {
		if len(arg) > 1 && strings.HasPrefix(arg, "-") {
			return nil, errors.NewInvalidRequest("flags must come before arguments: " + arg)
		}
	}
	if len(args) < len(names) {
		return nil, errors.NewInvalidRequest(names[len(args)] + " is required")
	}
	if len(args) > len(names) {
		return nil, errors.NewInvalidRequest("unexpected argument: " + args[len(names)])
	}
	return args, nil
}

func (d *deps) copyText(ctx context.Context, text string) error {
	if d.clipboard == nil {
		return errors.NewUnsupportedCapability("clipboard")
	}
	if err := d.clipboard.WriteText(ctx, text); err != nil {
		if _, ok := errors.As(err); ok {
			return err
		}
		return errors.NewClipboardFailure(err)
	}
	return nil
}

// parseFormNumber accepts "12" or "#12".
func parseFormNumber(ref string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimPrefix(ref, "#"), 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// optional returns a pointer to the flag value when the flag was given.
func optional(c *cli.Context, name string) *string {
	if !c.IsSet(name) {
		return nil
	}
	v := c.String(name)
	return &v
}

// confirm asks a y/N question on stderr and reads the answer from stdin.
func confirm(c *cli.Context, question string) (bool, error) {
	fmt.Fprintf(c.App.ErrWriter, "%s [y/N] ", question)
	answer, err := bufio.NewReader(c.App.Reader).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// outputJSON writes result to the app's stdout as JSON.
func outputJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	if fErr, ok := errors.As(err); ok {
		return cli.Exit(fmt.Sprintf("[%s] %s", fErr.Code, fErr.Message), 1)
	}
	return cli.Exit(err.Error(), 1)
}
