package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hpungsan/forma/internal/errors"
	"github.com/hpungsan/forma/internal/form"
)

// SchemaVersion is written into every JSONL export header.
const SchemaVersion = "1.0"

// exportConcurrency bounds parallel segment loads during export.
const exportConcurrency = 4

// ExportInput contains parameters for the Export operation.
type ExportInput struct {
	Path string // optional, default: <exports>/forms-<timestamp>.jsonl

	// FormIDs restricts the export; empty exports every form
	FormIDs []string
}

// ExportOutput contains the result of the Export operation.
type ExportOutput struct {
	Path       string `json:"path"`
	Count      int    `json:"count"`
	Segments   int    `json:"segments"`
	ExportedAt int64  `json:"exported_at"`
}

// ExportHeader represents the header line in a JSONL export file.
type ExportHeader struct {
	FormaExport   bool   `json:"_forma_export"`
	SchemaVersion string `json:"schema_version"`
	ExportedAt    int64  `json:"exported_at"`
}

// ExportRecord is one form line: the record plus its segment collection.
type ExportRecord struct {
	form.Record
	Segments []form.Segment `json:"segments"`

	// FormaExport is only set on the header line; import uses it to skip that line
	FormaExport bool `json:"_forma_export,omitempty"`
}

// Export writes forms and their segments to a JSONL file, one form per line
// after a header line. Forms are written most-recent-first.
func Export(ctx context.Context, deps Deps, input ExportInput) (*ExportOutput, error) {
	now := time.Now()

	exportPath := input.Path
	if exportPath == "" {
		exportPath = filepath.Join(deps.ExportsDir, fmt.Sprintf("forms-%d.jsonl", now.UnixMilli()))
	}
	if err := ValidatePath(exportPath, PathCheckWrite, deps.Config, deps.ExportsDir, ExtJSONL); err != nil {
		return nil, err
	}

	records, err := selectRecords(deps, input.FormIDs)
	if err != nil {
		return nil, err
	}

	lines, err := loadSegments(ctx, deps, records)
	if err != nil {
		return nil, err
	}

	segments := 0
	err = writeAtomic(exportPath, func(w io.Writer) error {
		encoder := json.NewEncoder(w)
		header := ExportHeader{
			FormaExport:   true,
			SchemaVersion: SchemaVersion,
			ExportedAt:    now.Unix(),
		}
		if err := encoder.Encode(header); err != nil {
			return errors.NewInternal(fmt.Errorf("failed to write header: %w", err))
		}
		for _, line := range lines {
			if err := encoder.Encode(line); err != nil {
				return errors.NewInternal(fmt.Errorf("failed to write form %s: %w", line.ID, err))
			}
			segments += len(line.Segments)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &ExportOutput{
		Path:       exportPath,
		Count:      len(lines),
		Segments:   segments,
		ExportedAt: now.Unix(),
	}, nil
}

func selectRecords(deps Deps, ids []string) ([]form.Record, error) {
	if len(ids) == 0 {
		return deps.Index.List(), nil
	}
	records := make([]form.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := deps.Index.Get(id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// loadSegments reads every form's segments concurrently; results keep the
// order of records.
func loadSegments(ctx context.Context, deps Deps, records []form.Record) ([]ExportRecord, error) {
	lines := make([]ExportRecord, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(exportConcurrency)
	for i, rec := range records {
		g.Go(func() error {
			segs, err := deps.Notes.List(gctx, rec.ID)
			if err != nil {
				return err
			}
			if segs == nil {
				segs = []form.Segment{}
			}
			lines[i] = ExportRecord{Record: rec, Segments: segs}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewCancelled("export")
		}
		return nil, err
	}
	return lines, nil
}

// TextExportInput contains parameters for the ExportText operation.
type TextExportInput struct {
	FormID string     // required
	Path   string     // optional, default: <exports>/form-transcription-<number>.txt
	Order  form.Order // presentation order of the segments
}

// TextExportOutput contains the result of the ExportText operation.
type TextExportOutput struct {
	Path     string `json:"path"`
	FormID   string `json:"form_id"`
	Segments int    `json:"segments"`
}

// ExportText writes one form's transcription to a plain-text file.
func ExportText(ctx context.Context, deps Deps, input TextExportInput) (*TextExportOutput, error) {
	if input.FormID == "" {
		return nil, errors.NewInvalidRequest("form id is required")
	}
	rec, err := deps.Index.Get(input.FormID)
	if err != nil {
		return nil, err
	}

	exportPath := input.Path
	if exportPath == "" {
		exportPath = filepath.Join(deps.ExportsDir, TranscriptionFilename(rec))
	}
	if err := ValidatePath(exportPath, PathCheckWrite, deps.Config, deps.ExportsDir, ExtText); err != nil {
		return nil, err
	}

	segs, err := deps.Notes.List(ctx, rec.ID)
	if err != nil {
		return nil, err
	}

	text := Transcription(rec, segs, input.Order)
	err = writeAtomic(exportPath, func(w io.Writer) error {
		if _, err := io.WriteString(w, text); err != nil {
			return errors.NewInternal(fmt.Errorf("failed to write transcription: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &TextExportOutput{Path: exportPath, FormID: rec.ID, Segments: len(segs)}, nil
}

// TranscriptionFilename is the default file name for a form's text export.
func TranscriptionFilename(rec form.Record) string {
	return SanitizeForFilename(fmt.Sprintf("form-transcription-%d", rec.FormNumber)) + ExtText
}

// Transcription renders a form header followed by its segments in order.
// Important segments are marked with a trailing "*" on their heading.
func Transcription(rec form.Record, segs []form.Segment, order form.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)\n", rec.Title, rec.Label())
	writeField(&b, "Client", rec.Client)
	writeField(&b, "Category", rec.Category)
	writeField(&b, "Status", string(rec.Status))
	writeField(&b, "Planned", rec.PlannedDate)
	if strings.TrimSpace(rec.Notes) != "" {
		fmt.Fprintf(&b, "\n%s\n", strings.TrimSpace(rec.Notes))
	}

	for seg := range form.Ordered(segs, order) {
		mark := ""
		if seg.IsImportant {
			mark = " *"
		}
		fmt.Fprintf(&b, "\nNote %d (%s)%s\n%s\n", seg.Number, seg.CreatedAt.Local().Format("2006-01-02 15:04"), mark, seg.Text)
	}
	return b.String()
}

func writeField(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "%s: %s\n", name, value)
}
