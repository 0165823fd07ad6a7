package suggest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"github.com/MarcoPoloResearchLab/planner/internal/tasks"
	"go.uber.org/zap"
)

var (
	// ErrMalformedResponse indicates a function result that is not {"items":[string...]}.
	ErrMalformedResponse = errors.New("suggest: malformed response")
	// ErrEmptyInput indicates a suggestion request without text to work from.
	ErrEmptyInput = errors.New("suggest: empty input")
)

// Suggester asks the suggestion functions for subtasks and tasks. Calls are never retried.
type Suggester struct {
	functions remote.Functions
	logger    *zap.Logger
}

// NewSuggester constructs a Suggester over functions.
func NewSuggester(functions remote.Functions, logger *zap.Logger) *Suggester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Suggester{functions: functions, logger: logger}
}

// Subtasks suggests steps for task.
func (s *Suggester) Subtasks(ctx context.Context, task tasks.Task) ([]string, error) {
	if strings.TrimSpace(task.Title) == "" {
		return nil, ErrEmptyInput
	}
	return s.invoke(ctx, FunctionSubtasks, subtasksRequest{Title: task.Title, Description: task.Description})
}

// Tasks suggests tasks for a free-form goal.
func (s *Suggester) Tasks(ctx context.Context, goal string) ([]string, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, ErrEmptyInput
	}
	return s.invoke(ctx, FunctionTasks, tasksRequest{Goal: goal})
}

func (s *Suggester) invoke(ctx context.Context, name string, payload any) ([]string, error) {
	raw, err := s.functions.Invoke(ctx, name, payload)
	if err != nil {
		s.logger.Warn("suggestion function failed", zap.String("function", name), zap.Error(err))
		return nil, err
	}
	var envelope struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if envelope.Items == nil {
		return nil, fmt.Errorf("%w: items missing", ErrMalformedResponse)
	}
	items := make([]string, 0, len(envelope.Items))
	for index, rawItem := range envelope.Items {
		var item string
		if err := json.Unmarshal(rawItem, &item); err != nil {
			return nil, fmt.Errorf("%w: item %d is not a string", ErrMalformedResponse, index)
		}
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items, nil
}
