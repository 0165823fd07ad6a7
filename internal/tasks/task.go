// Package tasks binds Task records and their Subtasks to the reactive collection.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/collection"
)

const (
	// Table holds task rows.
	Table = "tasks"
	// SubtaskTable holds subtask rows, joined on SubtaskParentColumn.
	SubtaskTable        = "subtasks"
	SubtaskParentColumn = "task_id"

	dateLayout = "2006-01-02"
	timeLayout = "15:04"
)

var (
	// ErrInvalidTitle indicates an empty task or subtask title.
	ErrInvalidTitle = errors.New("tasks: invalid title")
	// ErrInvalidPriority indicates a priority outside low, medium and high.
	ErrInvalidPriority = errors.New("tasks: invalid priority")
	// ErrInvalidDueDate indicates a due date not in YYYY-MM-DD form.
	ErrInvalidDueDate = errors.New("tasks: invalid due date")
	// ErrInvalidDueTime indicates a due time not in HH:MM form.
	ErrInvalidDueTime = errors.New("tasks: invalid due time")
	// ErrMalformedRow indicates a stored row missing its identity.
	ErrMalformedRow = errors.New("tasks: malformed row")
)

// Priority ranks tasks.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether the priority is a known level.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	default:
		return false
	}
}

// Subtask is a child step of a Task.
type Subtask struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	IsCompleted bool   `json:"is_completed"`
	Position    int    `json:"position"`
	CreatedAt   string `json:"created_at,omitempty"`
	UpdatedAt   string `json:"updated_at,omitempty"`
}

// Task is one to-do item of a user.
type Task struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	DueDate     string    `json:"due_date,omitempty"`
	DueTime     string    `json:"due_time,omitempty"`
	Priority    Priority  `json:"priority,omitempty"`
	IsCompleted bool      `json:"is_completed"`
	CompletedAt *string   `json:"completed_at"`
	CreatedAt   string    `json:"created_at,omitempty"`
	UpdatedAt   string    `json:"updated_at,omitempty"`
	Subtasks    []Subtask `json:"subtasks,omitempty"`
}

// SearchFields feeds substring filtering.
func (t Task) SearchFields() []string {
	return []string{t.Title, t.Description}
}

// Due returns the due date, joined with the due time when one is set.
func (t Task) Due() string {
	if t.DueDate == "" || t.DueTime == "" {
		return t.DueDate
	}
	return t.DueDate + "T" + t.DueTime
}

// CompletedSubtasks counts finished subtasks.
func (t Task) CompletedSubtasks() int {
	done := 0
	for _, subtask := range t.Subtasks {
		if subtask.IsCompleted {
			done++
		}
	}
	return done
}

type binding struct{}

// Entity is the collection binding of tasks.
var Entity collection.Entity[Task] = binding{}

func (binding) Name() string  { return Table }
func (binding) Table() string { return Table }

func (binding) Child() (collection.ChildSpec, bool) {
	return collection.ChildSpec{Table: SubtaskTable, ParentColumn: SubtaskParentColumn}, true
}

func (binding) Decode(raw json.RawMessage) (Task, error) {
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	if strings.TrimSpace(task.ID) == "" || strings.TrimSpace(task.UserID) == "" {
		return Task{}, fmt.Errorf("%w: id and user_id required", ErrMalformedRow)
	}
	if strings.TrimSpace(task.Title) == "" {
		return Task{}, fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	return task, nil
}

func (binding) Attach(records []Task, children []json.RawMessage) ([]Task, error) {
	byTask := make(map[string][]Subtask, len(records))
	for _, raw := range children {
		var subtask Subtask
		if err := json.Unmarshal(raw, &subtask); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
		}
		if subtask.ID == "" || subtask.TaskID == "" {
			return nil, fmt.Errorf("%w: subtask without id or task_id", ErrMalformedRow)
		}
		byTask[subtask.TaskID] = append(byTask[subtask.TaskID], subtask)
	}
	out := make([]Task, len(records))
	for index, task := range records {
		task.Subtasks = byTask[task.ID]
		if task.Subtasks == nil {
			task.Subtasks = []Subtask{}
		}
		out[index] = task
	}
	return out, nil
}

func (binding) CarryChildren(from, to Task) Task {
	to.Subtasks = from.Subtasks
	return to
}

func (binding) ID(task Task) string    { return task.ID }
func (binding) Owner(task Task) string { return task.UserID }

func (binding) Validate(fields map[string]any, creating bool) error {
	if err := validateTitle(fields, creating); err != nil {
		return err
	}
	if value, ok := fields["priority"]; ok && value != nil {
		text, _ := value.(string)
		if !Priority(text).Valid() {
			return fmt.Errorf("%w: %v", ErrInvalidPriority, value)
		}
	}
	if err := validateLayout(fields, "due_date", dateLayout, ErrInvalidDueDate); err != nil {
		return err
	}
	return validateLayout(fields, "due_time", timeLayout, ErrInvalidDueTime)
}

func validateTitle(fields map[string]any, creating bool) error {
	value, present := fields["title"]
	if !present {
		if creating {
			return fmt.Errorf("%w: empty", ErrInvalidTitle)
		}
		return nil
	}
	text, ok := value.(string)
	if !ok || strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	return nil
}

// validateLayout accepts an absent, null or empty value, or one parsing with layout.
func validateLayout(fields map[string]any, column, layout string, sentinel error) error {
	value, ok := fields[column]
	if !ok || value == nil {
		return nil
	}
	text, isText := value.(string)
	if !isText {
		return fmt.Errorf("%w: %v", sentinel, value)
	}
	if text == "" {
		return nil
	}
	if _, err := time.Parse(layout, text); err != nil {
		return fmt.Errorf("%w: %q", sentinel, text)
	}
	return nil
}
