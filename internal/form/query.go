package form

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// whitespaceRegex matches one or more whitespace characters
var whitespaceRegex = regexp.MustCompile(`\s+`)

// Normalize trims, lowercases and collapses internal whitespace.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return whitespaceRegex.ReplaceAllString(s, " ")
}

// Wildcard matches any status or category.
const Wildcard = "all"

// DateField selects which date a Query's Date filter applies to.
type DateField string

const (
	DateCreated  DateField = "created"
	DateModified DateField = "modified"
	DatePlanned  DateField = "planned"
)

// Query filters form records. All set predicates must match.
type Query struct {
	// Text is matched case-insensitively against title, client, category and form number
	Text string

	// Status is an exact status or "all"/"" for any
	Status string

	// Category is an exact category or "all"/"" for any
	Category string

	// Date is a YYYY-MM-DD calendar day; empty disables the filter
	Date string

	// DateField defaults to DatePlanned
	DateField DateField

	// Location is used to map timestamps onto calendar days; defaults to time.Local
	Location *time.Location
}

// Matches reports whether r satisfies every predicate of q.
func (q Query) Matches(r Record) bool {
	if text := Normalize(q.Text); text != "" {
		haystack := []string{
			Normalize(r.Title),
			Normalize(r.Client),
			Normalize(r.Category),
			strconv.FormatInt(r.FormNumber, 10),
		}
		found := false
		for _, h := range haystack {
			if strings.Contains(h, text) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if status := strings.TrimSpace(q.Status); status != "" && status != Wildcard {
		if string(r.Status) != status {
			return false
		}
	}

	if category := strings.TrimSpace(q.Category); category != "" && category != Wildcard {
		if r.Category != category {
			return false
		}
	}

	if day := strings.TrimSpace(q.Date); day != "" {
		if q.dayOf(r) != day {
			return false
		}
	}

	return true
}

func (q Query) dayOf(r Record) string {
	loc := q.Location
	if loc == nil {
		loc = time.Local
	}
	switch q.DateField {
	case DateCreated:
		return r.CreatedAt.In(loc).Format(PlannedDateLayout)
	case DateModified:
		return r.LastModified.In(loc).Format(PlannedDateLayout)
	default:
		return r.PlannedDate
	}
}

// Filter returns the records matching q, sorted by LastModified descending.
// Records with equal timestamps keep their relative input order.
func Filter(records []Record, q Query) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	SortByLastModified(out)
	return out
}

// SortByLastModified sorts newest-modified first with a stable sort.
func SortByLastModified(records []Record) {
	slices.SortStableFunc(records, func(a, b Record) int {
		return b.LastModified.Compare(a.LastModified)
	})
}

// DueToday returns records planned for now's calendar day that are not completed.
func DueToday(records []Record, now time.Time) []Record {
	today := now.Format(PlannedDateLayout)
	out := make([]Record, 0)
	for _, r := range records {
		if r.PlannedDate == today && r.Status != StatusCompleted {
			out = append(out, r)
		}
	}
	return out
}
