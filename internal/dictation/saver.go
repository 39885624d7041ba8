package dictation

import (
	"context"

	"github.com/hpungsan/forma/internal/form"
	"github.com/hpungsan/forma/internal/forms"
	"github.com/hpungsan/forma/internal/notes"
)

// StoreSaver saves dictations through the form index and note store.
type StoreSaver struct {
	Index *forms.Index
	Notes *notes.Store
}

// CreateForm creates a form with default fields.
func (s StoreSaver) CreateForm(ctx context.Context) (form.Record, error) {
	return s.Index.Create(ctx, form.Fields{})
}

// AppendSegment saves text as a dictated segment.
func (s StoreSaver) AppendSegment(ctx context.Context, formID, text string) (form.Segment, error) {
	return s.Notes.Append(ctx, formID, text, form.SourceDictation)
}
