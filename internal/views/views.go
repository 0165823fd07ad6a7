// Package views derives filtered, sorted and grouped read-only projections of a
// collection Snapshot. The input slice is never modified.
package views

import (
	"sort"
	"strings"
	"time"
)

// Undated is the key of the bucket holding records without a parsable due date.
const Undated = ""

// Searchable records expose the text substring filtering looks at.
type Searchable interface {
	SearchFields() []string
}

// Dated records expose a due date as YYYY-MM-DD, optionally followed by THH:MM, or an
// empty string.
type Dated interface {
	Due() string
}

var dueLayouts = []string{"2006-01-02T15:04", "2006-01-02", time.RFC3339}

// ParseDue parses a due value in any accepted layout.
func ParseDue(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range dueLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// FilterBySubstring keeps the records whose search fields contain query, ignoring
// case. A blank query keeps everything.
func FilterBySubstring[R Searchable](records []R, query string) []R {
	needle := strings.ToLower(strings.TrimSpace(query))
	out := make([]R, 0, len(records))
	for _, record := range records {
		if needle == "" || matches(record, needle) {
			out = append(out, record)
		}
	}
	return out
}

func matches[R Searchable](record R, needle string) bool {
	for _, field := range record.SearchFields() {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

// SortByDueDate orders records by ascending due date. Records with missing or
// unparsable dates go last; ties keep their input order.
func SortByDueDate[R Dated](records []R) []R {
	type keyed struct {
		record R
		due    time.Time
		dated  bool
	}
	items := make([]keyed, len(records))
	for index, record := range records {
		due, ok := ParseDue(record.Due())
		items[index] = keyed{record: record, due: due, dated: ok}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].dated != items[j].dated {
			return items[i].dated
		}
		return items[i].dated && items[i].due.Before(items[j].due)
	})
	out := make([]R, len(items))
	for index, item := range items {
		out[index] = item.record
	}
	return out
}

// Group is one calendar-day bucket.
type Group[R any] struct {
	// Day is YYYY-MM-DD, or Undated.
	Day     string
	Records []R
}

// GroupByDay buckets records by the calendar day of their due date, days ascending,
// with the Undated bucket last. Records inside a bucket are sorted by due date.
func GroupByDay[R Dated](records []R) []Group[R] {
	var (
		groups  []Group[R]
		undated []R
		index   = map[string]int{}
	)
	for _, record := range SortByDueDate(records) {
		due, ok := ParseDue(record.Due())
		if !ok {
			undated = append(undated, record)
			continue
		}
		day := due.Format("2006-01-02")
		position, exists := index[day]
		if !exists {
			position = len(groups)
			index[day] = position
			groups = append(groups, Group[R]{Day: day})
		}
		groups[position].Records = append(groups[position].Records, record)
	}
	if len(undated) > 0 {
		groups = append(groups, Group[R]{Day: Undated, Records: undated})
	}
	return groups
}

// Between keeps the records due on a day in [from, to], both YYYY-MM-DD.
func Between[R Dated](records []R, from, to string) []R {
	out := make([]R, 0, len(records))
	for _, record := range records {
		due, ok := ParseDue(record.Due())
		if !ok {
			continue
		}
		day := due.Format("2006-01-02")
		if day >= from && day <= to {
			out = append(out, record)
		}
	}
	return out
}
