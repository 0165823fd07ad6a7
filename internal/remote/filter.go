package remote

import (
	"fmt"
	"net/url"
	"strings"
)

// Operator enumerates supported filter comparisons.
type Operator string

const (
	OpEq Operator = "eq"
	OpIn Operator = "in"
)

// Condition restricts rows on a single column.
type Condition struct {
	Column string
	Op     Operator
	Values []string
}

// Ordering sorts selected rows by a column.
type Ordering struct {
	Column    string
	Ascending bool
}

// Filter is an immutable conjunction of conditions plus an optional ordering.
type Filter struct {
	conditions []Condition
	order      *Ordering
}

// Where starts an empty filter.
func Where() Filter {
	return Filter{}
}

// Eq adds an equality condition.
func (f Filter) Eq(column, value string) Filter {
	return f.with(Condition{Column: column, Op: OpEq, Values: []string{value}})
}

// In adds a set membership condition. An empty set matches no rows.
func (f Filter) In(column string, values ...string) Filter {
	copied := append([]string(nil), values...)
	return f.with(Condition{Column: column, Op: OpIn, Values: copied})
}

// Order sets the ordering of selected rows.
func (f Filter) Order(column string, ascending bool) Filter {
	next := f.clone()
	next.order = &Ordering{Column: column, Ascending: ascending}
	return next
}

// Conditions returns a copy of the filter conditions.
func (f Filter) Conditions() []Condition {
	out := make([]Condition, len(f.conditions))
	for i, condition := range f.conditions {
		out[i] = Condition{Column: condition.Column, Op: condition.Op, Values: append([]string(nil), condition.Values...)}
	}
	return out
}

// Ordering returns the requested ordering, if any.
func (f Filter) Ordering() (Ordering, bool) {
	if f.order == nil {
		return Ordering{}, false
	}
	return *f.order, true
}

// Value returns the value of the first equality condition on column.
func (f Filter) Value(column string) (string, bool) {
	for _, condition := range f.conditions {
		if condition.Column == column && condition.Op == OpEq && len(condition.Values) == 1 {
			return condition.Values[0], true
		}
	}
	return "", false
}

// Empty reports whether the filter has no conditions.
func (f Filter) Empty() bool {
	return len(f.conditions) == 0
}

func (f Filter) with(condition Condition) Filter {
	next := f.clone()
	next.conditions = append(next.conditions, condition)
	return next
}

func (f Filter) clone() Filter {
	next := Filter{conditions: make([]Condition, len(f.conditions), len(f.conditions)+1)}
	copy(next.conditions, f.conditions)
	if f.order != nil {
		ordering := *f.order
		next.order = &ordering
	}
	return next
}

// Encode renders the filter as PostgREST-style query parameters,
// e.g. user_id=eq.u1&id=in.(a,b)&order=created_at.asc.
func (f Filter) Encode() url.Values {
	values := url.Values{}
	for _, condition := range f.conditions {
		switch condition.Op {
		case OpEq:
			values.Add(condition.Column, "eq."+firstOrEmpty(condition.Values))
		case OpIn:
			values.Add(condition.Column, "in.("+strings.Join(condition.Values, ",")+")")
		}
	}
	if f.order != nil {
		direction := "desc"
		if f.order.Ascending {
			direction = "asc"
		}
		values.Set("order", f.order.Column+"."+direction)
	}
	return values
}

// ParseFilter decodes query parameters produced by Encode.
func ParseFilter(values url.Values) (Filter, error) {
	filter := Where()
	for column, entries := range values {
		if column == "order" {
			continue
		}
		for _, entry := range entries {
			switch {
			case strings.HasPrefix(entry, "eq."):
				filter = filter.Eq(column, strings.TrimPrefix(entry, "eq."))
			case strings.HasPrefix(entry, "in.(") && strings.HasSuffix(entry, ")"):
				inner := strings.TrimSuffix(strings.TrimPrefix(entry, "in.("), ")")
				members := []string{}
				if inner != "" {
					members = strings.Split(inner, ",")
				}
				filter = filter.In(column, members...)
			default:
				return Filter{}, NewError(CodeInvalid, fmt.Sprintf("unsupported filter %s=%s", column, entry))
			}
		}
	}
	if order := values.Get("order"); order != "" {
		column, direction, found := strings.Cut(order, ".")
		if !found || column == "" {
			return Filter{}, NewError(CodeInvalid, "invalid order "+order)
		}
		switch direction {
		case "asc":
			filter = filter.Order(column, true)
		case "desc":
			filter = filter.Order(column, false)
		default:
			return Filter{}, NewError(CodeInvalid, "invalid order direction "+direction)
		}
	}
	return filter, nil
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
