package store

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	ColumnID        = "id"
	ColumnUserID    = "user_id"
	ColumnCreatedAt = "created_at"
	ColumnUpdatedAt = "updated_at"
)

var columnPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Normalizer adjusts a row before it is written. existing is nil on insert.
type Normalizer func(existing, next map[string]any, now time.Time) error

// TableSchema declares one logical table of the document store.
type TableSchema struct {
	Name string
	// ParentTable and ParentColumn are set for child tables; children are owned
	// through their parent and carry no user_id of their own.
	ParentTable  string
	ParentColumn string
	// IDFromOwner makes the row id equal to the owner id (one row per user).
	IDFromOwner bool
	Required    []string
	Defaults    map[string]any
	Enums       map[string][]string
	Normalize   Normalizer
}

// IsChild reports whether rows of the table belong to a parent row.
func (s TableSchema) IsChild() bool {
	return s.ParentTable != ""
}

func (s TableSchema) reserved(column string) bool {
	switch column {
	case ColumnID, ColumnUserID, ColumnCreatedAt, ColumnUpdatedAt:
		return true
	}
	return s.IsChild() && column == s.ParentColumn
}

func (s TableSchema) validate(fields map[string]any) error {
	for _, column := range s.Required {
		value, ok := fields[column]
		if !ok {
			return fmt.Errorf("%s is required", column)
		}
		text, isText := value.(string)
		if isText && strings.TrimSpace(text) == "" {
			return fmt.Errorf("%s must not be empty", column)
		}
		if value == nil {
			return fmt.Errorf("%s must not be null", column)
		}
	}
	for column, allowed := range s.Enums {
		value, ok := fields[column]
		if !ok || value == nil {
			continue
		}
		text, isText := value.(string)
		if !isText || !contains(allowed, text) {
			return fmt.Errorf("%s must be one of %s", column, strings.Join(allowed, ", "))
		}
	}
	return nil
}

// Schema is the registry of tables the store accepts.
type Schema struct {
	tables map[string]TableSchema
}

// NewSchema validates and indexes the table declarations.
func NewSchema(tables ...TableSchema) (Schema, error) {
	index := make(map[string]TableSchema, len(tables))
	for _, table := range tables {
		if !columnPattern.MatchString(table.Name) {
			return Schema{}, fmt.Errorf("store: invalid table name %q", table.Name)
		}
		if _, exists := index[table.Name]; exists {
			return Schema{}, fmt.Errorf("store: duplicate table %q", table.Name)
		}
		index[table.Name] = table
	}
	for _, table := range index {
		if !table.IsChild() {
			continue
		}
		parent, ok := index[table.ParentTable]
		if !ok {
			return Schema{}, fmt.Errorf("store: table %q references unknown parent %q", table.Name, table.ParentTable)
		}
		if parent.IsChild() {
			return Schema{}, fmt.Errorf("store: table %q nests below child table %q", table.Name, parent.Name)
		}
		if !columnPattern.MatchString(table.ParentColumn) {
			return Schema{}, fmt.Errorf("store: table %q has invalid parent column", table.Name)
		}
	}
	return Schema{tables: index}, nil
}

// Table looks up a table declaration.
func (s Schema) Table(name string) (TableSchema, bool) {
	table, ok := s.tables[name]
	return table, ok
}

// Children lists the child tables of parent.
func (s Schema) Children(parent string) []TableSchema {
	var out []TableSchema
	for _, table := range s.tables {
		if table.ParentTable == parent {
			out = append(out, table)
		}
	}
	return out
}

// PlannerSchema declares the tables of the planner application.
func PlannerSchema() Schema {
	schema, err := NewSchema(
		TableSchema{
			Name:      "tasks",
			Required:  []string{"title"},
			Defaults:  map[string]any{"description": "", "priority": "medium", "is_completed": false, "completed_at": nil},
			Enums:     map[string][]string{"priority": {"low", "medium", "high"}},
			Normalize: normalizeCompletion,
		},
		TableSchema{
			Name:         "subtasks",
			ParentTable:  "tasks",
			ParentColumn: "task_id",
			Required:     []string{"title"},
			Defaults:     map[string]any{"is_completed": false, "position": 0},
		},
		TableSchema{
			Name:     "notes",
			Required: []string{"title"},
			Defaults: map[string]any{"body": "", "color": "default", "is_pinned": false},
		},
		TableSchema{
			Name:         "note_tags",
			ParentTable:  "notes",
			ParentColumn: "note_id",
			Required:     []string{"label"},
		},
		TableSchema{
			Name:     "habits",
			Required: []string{"name"},
			Defaults: map[string]any{"frequency": "daily", "target_per_period": 1, "current_streak": 0, "best_streak": 0},
			Enums:    map[string][]string{"frequency": {"daily", "weekly", "monthly"}},
		},
		TableSchema{
			Name:         "habit_completions",
			ParentTable:  "habits",
			ParentColumn: "habit_id",
			Required:     []string{"completed_on"},
		},
		TableSchema{
			Name:        "profiles",
			IDFromOwner: true,
			Defaults:    map[string]any{"display_name": "", "avatar_url": "", "timezone": "UTC"},
		},
	)
	if err != nil {
		panic(err)
	}
	return schema
}

// normalizeCompletion stamps completed_at when a task becomes completed and clears it when reopened.
func normalizeCompletion(existing, next map[string]any, now time.Time) error {
	completed, _ := next["is_completed"].(bool)
	wasCompleted := false
	if existing != nil {
		wasCompleted, _ = existing["is_completed"].(bool)
	}
	switch {
	case completed && !wasCompleted:
		next["completed_at"] = formatTimestamp(now)
	case completed && next["completed_at"] == nil:
		next["completed_at"] = formatTimestamp(now)
	case !completed:
		next["completed_at"] = nil
	}
	return nil
}

func contains(values []string, candidate string) bool {
	for _, value := range values {
		if value == candidate {
			return true
		}
	}
	return false
}
