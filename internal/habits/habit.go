// Package habits binds Habit records and their Completions to the reactive collection.
package habits

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/planner/internal/collection"
)

const (
	// Table holds habit rows.
	Table = "habits"
	// CompletionTable holds completion rows, joined on CompletionParentColumn.
	CompletionTable        = "habit_completions"
	CompletionParentColumn = "habit_id"
)

var (
	// ErrInvalidName indicates an empty habit name.
	ErrInvalidName = errors.New("habits: invalid name")
	// ErrInvalidFrequency indicates a frequency outside daily, weekly and monthly.
	ErrInvalidFrequency = errors.New("habits: invalid frequency")
	// ErrInvalidTarget indicates a target per period below one.
	ErrInvalidTarget = errors.New("habits: invalid target per period")
	// ErrInvalidDay indicates a completion day not in YYYY-MM-DD form.
	ErrInvalidDay = errors.New("habits: invalid day")
	// ErrMalformedRow indicates a stored row missing its identity.
	ErrMalformedRow = errors.New("habits: malformed row")
)

// Frequency is the period a habit's target applies to.
type Frequency string

const (
	Daily   Frequency = "daily"
	Weekly  Frequency = "weekly"
	Monthly Frequency = "monthly"
)

// Valid reports whether the frequency is known.
func (f Frequency) Valid() bool {
	switch f {
	case Daily, Weekly, Monthly:
		return true
	default:
		return false
	}
}

// Completion records one check-in.
type Completion struct {
	ID          string `json:"id"`
	HabitID     string `json:"habit_id"`
	CompletedOn string `json:"completed_on"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// Habit is a recurring activity with streak counters.
type Habit struct {
	ID              string       `json:"id"`
	UserID          string       `json:"user_id"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	Frequency       Frequency    `json:"frequency,omitempty"`
	TargetPerPeriod int          `json:"target_per_period"`
	CurrentStreak   int          `json:"current_streak"`
	BestStreak      int          `json:"best_streak"`
	CreatedAt       string       `json:"created_at,omitempty"`
	UpdatedAt       string       `json:"updated_at,omitempty"`
	Completions     []Completion `json:"completions,omitempty"`
}

// SearchFields feeds substring filtering.
func (h Habit) SearchFields() []string {
	return []string{h.Name, h.Description}
}

// CompletedOn reports whether the habit was checked in on day.
func (h Habit) CompletedOn(day string) bool {
	for _, completion := range h.Completions {
		if completion.CompletedOn == day {
			return true
		}
	}
	return false
}

// Days returns the distinct check-in days.
func (h Habit) Days() []string {
	seen := make(map[string]bool, len(h.Completions))
	days := make([]string, 0, len(h.Completions))
	for _, completion := range h.Completions {
		if seen[completion.CompletedOn] {
			continue
		}
		seen[completion.CompletedOn] = true
		days = append(days, completion.CompletedOn)
	}
	return days
}

type binding struct{}

// Entity is the collection binding of habits.
var Entity collection.Entity[Habit] = binding{}

func (binding) Name() string  { return Table }
func (binding) Table() string { return Table }

func (binding) Child() (collection.ChildSpec, bool) {
	return collection.ChildSpec{Table: CompletionTable, ParentColumn: CompletionParentColumn}, true
}

func (binding) Decode(raw json.RawMessage) (Habit, error) {
	var habit Habit
	if err := json.Unmarshal(raw, &habit); err != nil {
		return Habit{}, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	if strings.TrimSpace(habit.ID) == "" || strings.TrimSpace(habit.UserID) == "" {
		return Habit{}, fmt.Errorf("%w: id and user_id required", ErrMalformedRow)
	}
	return habit, nil
}

func (binding) Attach(records []Habit, children []json.RawMessage) ([]Habit, error) {
	byHabit := make(map[string][]Completion, len(records))
	for _, raw := range children {
		var completion Completion
		if err := json.Unmarshal(raw, &completion); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
		}
		if completion.ID == "" || completion.HabitID == "" {
			return nil, fmt.Errorf("%w: completion without id or habit_id", ErrMalformedRow)
		}
		byHabit[completion.HabitID] = append(byHabit[completion.HabitID], completion)
	}
	out := make([]Habit, len(records))
	for index, habit := range records {
		habit.Completions = byHabit[habit.ID]
		if habit.Completions == nil {
			habit.Completions = []Completion{}
		}
		out[index] = habit
	}
	return out, nil
}

func (binding) CarryChildren(from, to Habit) Habit {
	to.Completions = from.Completions
	return to
}

func (binding) ID(habit Habit) string    { return habit.ID }
func (binding) Owner(habit Habit) string { return habit.UserID }

func (binding) Validate(fields map[string]any, creating bool) error {
	name, present := fields["name"]
	if creating && !present {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if present {
		text, ok := name.(string)
		if !ok || strings.TrimSpace(text) == "" {
			return fmt.Errorf("%w: empty", ErrInvalidName)
		}
	}
	if value, ok := fields["frequency"]; ok && value != nil {
		text, _ := value.(string)
		if !Frequency(text).Valid() {
			return fmt.Errorf("%w: %v", ErrInvalidFrequency, value)
		}
	}
	if value, ok := fields["target_per_period"]; ok {
		target, isInt := value.(int)
		if !isInt || target < 1 {
			return fmt.Errorf("%w: %v", ErrInvalidTarget, value)
		}
	}
	return nil
}
