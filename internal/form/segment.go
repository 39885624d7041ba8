package form

import (
	"iter"
	"time"
)

// Source records how a segment's text was produced.
type Source string

const (
	SourceDictation Source = "dictation"
	SourceTyped     Source = "typed"
)

// Segment is one saved unit of dictated or typed text attached to a form.
type Segment struct {
	ID     string `json:"id"`
	FormID string `json:"formId"`

	// Number is the 1-based position within the form, assigned at append
	Number int `json:"number"`

	// Text is trimmed and never empty for persisted segments
	Text string `json:"text"`

	CreatedAt   time.Time `json:"timestamp"`
	IsImportant bool      `json:"isImportant"`
	Source      Source    `json:"source,omitempty"`
}

// Order selects a presentation order for segments.
type Order string

const (
	// OrderInsertion is the stored order: newest first.
	OrderInsertion Order = "insertion"
	// OrderImportance lists important segments first, newest first within each group.
	OrderImportance Order = "importance"
)

// ParseOrder maps user input to an Order, defaulting to OrderInsertion.
func ParseOrder(s string) Order {
	if Order(s) == OrderImportance {
		return OrderImportance
	}
	return OrderInsertion
}

// Ordered yields stored segments in the requested presentation order.
// The slice is never reordered; importance order is produced with two passes.
func Ordered(stored []Segment, order Order) iter.Seq[Segment] {
	return func(yield func(Segment) bool) {
		if order != OrderImportance {
			for _, s := range stored {
				if !yield(s) {
					return
				}
			}
			return
		}
		for _, important := range []bool{true, false} {
			for _, s := range stored {
				if s.IsImportant != important {
					continue
				}
				if !yield(s) {
					return
				}
			}
		}
	}
}

// NextNumber returns 1 + the highest number in stored, or 1 if empty.
func NextNumber(stored []Segment) int {
	highest := 0
	for _, s := range stored {
		highest = max(highest, s.Number)
	}
	return highest + 1
}
