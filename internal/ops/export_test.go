package ops

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hpungsan/forma/internal/errors"
	"github.com/hpungsan/forma/internal/form"
)

func readExportLines(t *testing.T, path string) (ExportHeader, []ExportRecord) {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open export file: %v", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var header ExportHeader
	var records []ExportRecord
	for i := 0; scanner.Scan(); i++ {
		if i == 0 {
			require.NoError(t, json.Unmarshal(scanner.Bytes(), &header))
			continue
		}
		var rec ExportRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	return header, records
}

func TestExport_HappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.createForm(t, "Site visit", "meeting with the client", "send offer by Friday")
	second := env.createForm(t, "Inspection")

	exportPath := filepath.Join(env.ExportsDir, "export.jsonl")
	output, err := Export(ctx, env.Deps, ExportInput{Path: exportPath})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	if output.Path != exportPath {
		t.Errorf("Path = %q, want %q", output.Path, exportPath)
	}
	if output.Count != 2 {
		t.Errorf("Count = %d, want 2", output.Count)
	}
	if output.Segments != 2 {
		t.Errorf("Segments = %d, want 2", output.Segments)
	}
	if output.ExportedAt == 0 {
		t.Error("ExportedAt should be set")
	}

	header, records := readExportLines(t, exportPath)
	if !header.FormaExport || header.SchemaVersion != SchemaVersion {
		t.Errorf("unexpected header: %+v", header)
	}
	require.Len(t, records, 2)

	// Most recent first, matching index order
	require.Equal(t, second.ID, records[0].ID)
	require.Empty(t, records[0].Segments)
	require.Equal(t, first.ID, records[1].ID)
	require.Equal(t, first, records[1].Record)
	require.Len(t, records[1].Segments, 2)
	require.Equal(t, "send offer by Friday", records[1].Segments[0].Text)
	require.Equal(t, 2, records[1].Segments[0].Number)
}

func TestExport_DefaultPath(t *testing.T) {
	env := newTestEnv(t)
	env.createForm(t, "Site visit", "note")

	output, err := Export(context.Background(), env.Deps, ExportInput{})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	if filepath.Dir(output.Path) != env.ExportsDir {
		t.Errorf("default path %q not in exports dir %q", output.Path, env.ExportsDir)
	}
	if !strings.HasPrefix(filepath.Base(output.Path), "forms-") || filepath.Ext(output.Path) != ExtJSONL {
		t.Errorf("unexpected default file name %q", filepath.Base(output.Path))
	}
	if _, err := os.Stat(output.Path); err != nil {
		t.Errorf("export file missing: %v", err)
	}
}

func TestExport_SelectedForms(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.createForm(t, "One")
	two := env.createForm(t, "Two", "only this")

	exportPath := filepath.Join(env.ExportsDir, "selected.jsonl")
	output, err := Export(ctx, env.Deps, ExportInput{Path: exportPath, FormIDs: []string{two.ID}})
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if output.Count != 1 {
		t.Errorf("Count = %d, want 1", output.Count)
	}

	_, err = Export(ctx, env.Deps, ExportInput{Path: exportPath, FormIDs: []string{"missing"}})
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown form, got: %v", err)
	}
}

func TestExport_PathOutsideExportsDirRejected(t *testing.T) {
	env := newTestEnv(t)

	outside := filepath.Join(t.TempDir(), "export.jsonl")
	_, err := Export(context.Background(), env.Deps, ExportInput{Path: outside})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got: %v", err)
	}
	if _, statErr := os.Stat(outside); !os.IsNotExist(statErr) {
		t.Error("file should not have been written")
	}
}

func TestExport_CancelledContext(t *testing.T) {
	env := newTestEnv(t)
	env.createForm(t, "One", "text")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Export(ctx, env.Deps, ExportInput{Path: filepath.Join(env.ExportsDir, "c.jsonl")})
	if err == nil {
		t.Fatal("expected error for cancelled context")
	}
}

func TestExportText_DefaultPathAndContent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := env.createForm(t, "Site visit", "checking legality", "sending an offer")
	segs, err := env.Notes.List(ctx, rec.ID)
	require.NoError(t, err)
	_, _, err = env.Notes.ToggleImportant(ctx, rec.ID, segs[1].ID)
	require.NoError(t, err)

	output, err := ExportText(ctx, env.Deps, TextExportInput{FormID: rec.ID, Order: form.OrderImportance})
	if err != nil {
		t.Fatalf("ExportText failed: %v", err)
	}

	wantPath := filepath.Join(env.ExportsDir, "form-transcription-1.txt")
	if output.Path != wantPath {
		t.Errorf("Path = %q, want %q", output.Path, wantPath)
	}
	if output.Segments != 2 {
		t.Errorf("Segments = %d, want 2", output.Segments)
	}

	data, err := os.ReadFile(output.Path)
	require.NoError(t, err)
	text := string(data)

	require.True(t, strings.HasPrefix(text, "Site visit (Form #1)\n"), "header missing: %q", text)
	require.Contains(t, text, "Client: Popescu\n")
	require.Contains(t, text, "Category: audit\n")

	// Important note 1 is listed before note 2
	first := strings.Index(text, "Note 1 (")
	second := strings.Index(text, "Note 2 (")
	require.True(t, first >= 0 && second >= 0)
	require.Less(t, first, second)
	require.Contains(t, text, ") *\nchecking legality\n")
}

func TestExportText_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := ExportText(ctx, env.Deps, TextExportInput{})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for missing id, got: %v", err)
	}

	_, err = ExportText(ctx, env.Deps, TextExportInput{FormID: "nope"})
	if !errors.Is(err, errors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}

	rec := env.createForm(t, "One")
	_, err = ExportText(ctx, env.Deps, TextExportInput{FormID: rec.ID, Path: filepath.Join(env.ExportsDir, "one.jsonl")})
	if !errors.Is(err, errors.ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for wrong extension, got: %v", err)
	}
}

func TestTranscription_InsertionOrder(t *testing.T) {
	rec := form.Record{FormNumber: 7, Title: "Audit", Status: form.StatusInProgress, Notes: "  bring badge  "}
	segs := []form.Segment{
		{Number: 2, Text: "second"},
		{Number: 1, Text: "first", IsImportant: true},
	}

	text := Transcription(rec, segs, form.OrderInsertion)

	require.True(t, strings.HasPrefix(text, "Audit (Form #7)\nStatus: in-progress\n\nbring badge\n"), "got %q", text)
	require.NotContains(t, text, "Client:")
	require.Less(t, strings.Index(text, "Note 2 ("), strings.Index(text, "Note 1 ("))
}

func TestTranscriptionFilename(t *testing.T) {
	got := TranscriptionFilename(form.Record{FormNumber: 12})
	if got != "form-transcription-12.txt" {
		t.Errorf("TranscriptionFilename() = %q", got)
	}
}
