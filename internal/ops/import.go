package ops

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/hpungsan/forma/internal/errors"
	"github.com/hpungsan/forma/internal/form"
	"github.com/hpungsan/forma/internal/kv"
)

// ImportMode controls collision behavior during import.
type ImportMode string

const (
	ImportModeError   ImportMode = "error"   // fail on any problem (atomic)
	ImportModeReplace ImportMode = "replace" // overwrite forms with the same id, skip bad lines
)

// ParseImportMode validates s, defaulting to ImportModeError.
func ParseImportMode(s string) (ImportMode, error) {
	switch ImportMode(s) {
	case "", ImportModeError:
		return ImportModeError, nil
	case ImportModeReplace:
		return ImportModeReplace, nil
	}
	return "", errors.NewInvalidRequest("mode must be one of: error, replace")
}

// ImportInput contains parameters for the Import operation.
type ImportInput struct {
	Path string     // required
	Mode ImportMode // default: error
}

// ImportOutput contains the result of the Import operation.
type ImportOutput struct {
	Imported int           `json:"imported"`
	Replaced int           `json:"replaced"`
	Skipped  int           `json:"skipped"`
	Segments int           `json:"segments"`
	Errors   []ImportError `json:"errors"`
}

// ImportError represents a problem with one line of the import file.
type ImportError struct {
	Line    int    `json:"line"`
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Import codes reported in ImportError.Code.
const (
	CodeParseError      = "PARSE_ERROR"
	CodeInvalidRecord   = "INVALID_RECORD"
	CodeReadError       = "READ_ERROR"
	CodeIDCollision     = "ID_COLLISION"
	CodeNumberCollision = "NUMBER_COLLISION"
	CodeDuplicate       = "DUPLICATE_IN_FILE"
)

type importLine struct {
	line   int
	record ExportRecord
}

// Import reads a JSONL export and adds its forms and segments to the index.
//
// In error mode nothing is written if any line fails to parse or collides
// with an existing form id or form number. In replace mode bad lines are
// skipped, forms with a known id are overwritten together with their
// segments, and number collisions with a different form are skipped.
// Every accepted form is written in one batch.
func Import(ctx context.Context, deps Deps, input ImportInput) (*ImportOutput, error) {
	mode, err := ParseImportMode(string(input.Mode))
	if err != nil {
		return nil, err
	}
	if err := ValidatePath(input.Path, PathCheckRead, deps.Config, deps.ExportsDir, ExtJSONL); err != nil {
		return nil, err
	}

	file, err := openFileNoFollowRead(input.Path)
	if err != nil {
		if _, ok := errors.As(err); ok {
			return nil, err
		}
		return nil, errors.NewInternal(fmt.Errorf("failed to open import file: %w", err))
	}
	defer file.Close()

	lines, problems := parseExportFile(file)
	if mode == ImportModeError && len(problems) > 0 {
		return &ImportOutput{Errors: problems}, nil
	}

	out := &ImportOutput{Errors: problems, Skipped: len(problems)}
	now := time.Now().UTC()

	var records []form.Record
	var ops []kv.Op
	seenIDs := make(map[string]bool)
	seenNumbers := make(map[int64]bool)

	for _, l := range lines {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewCancelled("import")
		}

		rec := l.record.Record
		problem := checkCollision(deps, l, mode, seenIDs, seenNumbers)
		if problem != nil {
			if mode == ImportModeError {
				return &ImportOutput{Errors: append(problems, *problem)}, nil
			}
			out.Errors = append(out.Errors, *problem)
			out.Skipped++
			continue
		}
		seenIDs[rec.ID] = true
		seenNumbers[rec.FormNumber] = true

		segs, err := normalizeSegments(rec.ID, l.record.Segments)
		if err != nil {
			return nil, err
		}
		rec = normalizeRecord(rec, len(segs), now)

		put, err := kv.Put(form.SegmentsKey(rec.ID), segs)
		if err != nil {
			return nil, err
		}
		ops = append(ops, put, kv.Remove(form.LegacySegmentsKey(rec.ID)))

		if deps.Index.Exists(rec.ID) {
			out.Replaced++
		} else {
			out.Imported++
		}
		out.Segments += len(segs)
		records = append(records, rec)
	}

	if err := deps.Index.Import(ctx, records, ops...); err != nil {
		return nil, err
	}
	return out, nil
}

// checkCollision reports why l cannot be imported, or nil if it can.
func checkCollision(deps Deps, l importLine, mode ImportMode, seenIDs map[string]bool, seenNumbers map[int64]bool) *ImportError {
	rec := l.record.Record
	if seenIDs[rec.ID] || seenNumbers[rec.FormNumber] {
		return &ImportError{
			Line:    l.line,
			ID:      rec.ID,
			Code:    CodeDuplicate,
			Message: fmt.Sprintf("form %q (number %d) appears more than once in the file", rec.ID, rec.FormNumber),
		}
	}

	if mode == ImportModeError && deps.Index.Exists(rec.ID) {
		return &ImportError{
			Line:    l.line,
			ID:      rec.ID,
			Code:    CodeIDCollision,
			Message: fmt.Sprintf("form with id %q already exists", rec.ID),
		}
	}

	if existing, err := deps.Index.FindByNumber(rec.FormNumber); err == nil && existing.ID != rec.ID {
		return &ImportError{
			Line:    l.line,
			ID:      rec.ID,
			Code:    CodeNumberCollision,
			Message: fmt.Sprintf("form number %d already belongs to form %q", rec.FormNumber, existing.ID),
		}
	}
	return nil
}

// parseExportFile parses a JSONL export into form lines.
func parseExportFile(r io.Reader) ([]importLine, []ImportError) {
	var lines []importLine
	var problems []ImportError

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		raw := scanner.Bytes()
		if len(strings.TrimSpace(string(raw))) == 0 {
			continue
		}

		var record ExportRecord
		if err := json.Unmarshal(raw, &record); err != nil {
			problems = append(problems, ImportError{
				Line:    lineNum,
				Code:    CodeParseError,
				Message: fmt.Sprintf("invalid JSON: %v", err),
			})
			continue
		}

		// Skip header line
		if record.FormaExport {
			continue
		}

		if msg := validateRecord(record.Record); msg != "" {
			problems = append(problems, ImportError{
				Line:    lineNum,
				ID:      record.ID,
				Code:    CodeInvalidRecord,
				Message: msg,
			})
			continue
		}

		lines = append(lines, importLine{line: lineNum, record: record})
	}

	if err := scanner.Err(); err != nil {
		problems = append(problems, ImportError{
			Line:    lineNum,
			Code:    CodeReadError,
			Message: fmt.Sprintf("failed to read file: %v", err),
		})
	}

	return lines, problems
}

func validateRecord(rec form.Record) string {
	switch {
	case rec.ID == "":
		return "missing id field"
	case rec.FormNumber <= 0:
		return "formNumber must be positive"
	}
	fields := form.Fields{Status: rec.Status, PlannedDate: rec.PlannedDate}
	if err := fields.Validate(); err != nil {
		if fErr, ok := errors.As(err); ok {
			return fErr.Message
		}
		return err.Error()
	}
	return ""
}

func normalizeRecord(rec form.Record, segments int, now time.Time) form.Record {
	rec.Status, _ = form.ParseStatus(string(rec.Status))
	if strings.TrimSpace(rec.Title) == "" {
		rec.Title = form.DefaultTitle(rec.FormNumber)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastModified.IsZero() {
		rec.LastModified = rec.CreatedAt
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.LastModified = rec.LastModified.UTC()
	rec.NoteCount = segments
	return rec
}

// normalizeSegments binds segments to formID, drops blank text and fills
// missing ids and numbers. Stored order is kept.
func normalizeSegments(formID string, in []form.Segment) ([]form.Segment, error) {
	out := make([]form.Segment, 0, len(in))
	for _, seg := range in {
		seg.Text = strings.TrimSpace(seg.Text)
		if seg.Text == "" {
			continue
		}
		if seg.ID == "" {
			id, err := form.NewID()
			if err != nil {
				return nil, err
			}
			seg.ID = id
		}
		seg.FormID = formID
		seg.CreatedAt = seg.CreatedAt.UTC()
		out = append(out, seg)
	}
	for i := range out {
		if out[i].Number == 0 {
			out[i].Number = len(out) - i
		}
	}
	return out, nil
}
