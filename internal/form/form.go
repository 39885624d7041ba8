package form

import (
	"fmt"
	"strings"
	"time"

	"github.com/hpungsan/forma/internal/errors"
)

// Status is the lifecycle of a form.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// PlannedDateLayout is the calendar-day layout used for plannedDate.
const PlannedDateLayout = "2006-01-02"

// ParseStatus validates s and returns the matching Status.
// An empty string yields StatusNotStarted.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.TrimSpace(s)) {
	case "", StatusNotStarted:
		return StatusNotStarted, nil
	case StatusInProgress:
		return StatusInProgress, nil
	case StatusCompleted:
		return StatusCompleted, nil
	}
	return "", errors.NewInvalidRequest(fmt.Sprintf("status must be one of: %s, %s, %s", StatusNotStarted, StatusInProgress, StatusCompleted))
}

// Record is one form: a task or engagement identified by an immutable number.
type Record struct {
	// ID is a ULID assigned once at creation
	ID string `json:"id"`

	// FormNumber comes from the sequence allocator and is never reused
	FormNumber int64 `json:"formNumber"`

	Title    string `json:"title"`
	Client   string `json:"client"`
	Category string `json:"category"`
	Status   Status `json:"status"`

	// PlannedDate is an optional YYYY-MM-DD calendar day
	PlannedDate string `json:"plannedDate,omitempty"`

	// Notes holds the free-text initial notes entered with the form
	Notes string `json:"notes"`

	IsFavorite bool `json:"isFavorite"`

	CreatedAt    time.Time `json:"createdAt"`
	LastModified time.Time `json:"lastModified"`

	// NoteCount caches the number of segments stored for this form
	NoteCount int `json:"noteCount"`
}

// DefaultTitle is the title given to a form created without one.
func DefaultTitle(formNumber int64) string {
	return fmt.Sprintf("Form #%d", formNumber)
}

// Label is the short identifier shown next to a form.
func (r Record) Label() string {
	return DefaultTitle(r.FormNumber)
}

// Fields holds the user-editable fields supplied when creating a form.
type Fields struct {
	Title       string
	Client      string
	Category    string
	Status      Status
	PlannedDate string
	Notes       string
}

// Validate checks status and plannedDate.
func (f Fields) Validate() error {
	if _, err := ParseStatus(string(f.Status)); err != nil {
		return err
	}
	return validatePlannedDate(f.PlannedDate)
}

// Patch carries optional updates to a form. Nil fields are left unchanged.
type Patch struct {
	Title       *string
	Client      *string
	Category    *string
	Status      *Status
	PlannedDate *string
	Notes       *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Client == nil && p.Category == nil &&
		p.Status == nil && p.PlannedDate == nil && p.Notes == nil
}

// Validate checks the status and plannedDate values carried by the patch.
func (p Patch) Validate() error {
	if p.Status != nil {
		if _, err := ParseStatus(string(*p.Status)); err != nil {
			return err
		}
	}
	if p.PlannedDate != nil {
		return validatePlannedDate(*p.PlannedDate)
	}
	return nil
}

// Apply merges the patch into r. It does not touch timestamps.
func (p Patch) Apply(r *Record) {
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.Client != nil {
		r.Client = *p.Client
	}
	if p.Category != nil {
		r.Category = *p.Category
	}
	if p.Status != nil {
		status, _ := ParseStatus(string(*p.Status))
		r.Status = status
	}
	if p.PlannedDate != nil {
		r.PlannedDate = strings.TrimSpace(*p.PlannedDate)
	}
	if p.Notes != nil {
		r.Notes = *p.Notes
	}
}

func validatePlannedDate(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if _, err := time.Parse(PlannedDateLayout, s); err != nil {
		return errors.NewInvalidRequest(fmt.Sprintf("plannedDate must be YYYY-MM-DD, got %q", s))
	}
	return nil
}
