// Package suggest provides the task suggestion functions served by the API and the
// client that invokes them.
package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
)

const (
	// FunctionSubtasks splits a task into actionable steps.
	FunctionSubtasks = "generate-subtasks"
	// FunctionTasks splits a free-form goal into tasks.
	FunctionTasks = "generate-tasks"

	maxItems      = 8
	maxItemLength = 120
)

var (
	listMarker = regexp.MustCompile(`^\s*(?:[-*•]|\d+[.)])\s*`)
	splitter   = regexp.MustCompile(`[\n;]+|\.\s+|,\s*(?:and\s+|then\s+)?|\s+(?:and then|then)\s+`)
)

// Function is one named server-side function. caller is the authenticated user id.
type Function func(ctx context.Context, caller string, payload json.RawMessage) (any, error)

// Registry resolves function names.
type Registry struct {
	functions map[string]Function
}

// NewRegistry returns a registry holding the suggestion functions.
func NewRegistry() *Registry {
	return &Registry{functions: map[string]Function{
		FunctionSubtasks: generateSubtasks,
		FunctionTasks:    generateTasks,
	}}
}

// Register adds or replaces a function.
func (r *Registry) Register(name string, function Function) {
	r.functions[name] = function
}

// Names lists the registered functions in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs function name for caller and encodes its result.
func (r *Registry) Invoke(ctx context.Context, name, caller string, payload json.RawMessage) (json.RawMessage, error) {
	function, ok := r.functions[name]
	if !ok {
		return nil, remote.NewError(remote.CodeNotFound, fmt.Sprintf("function %q not found", name))
	}
	if strings.TrimSpace(caller) == "" {
		return nil, remote.NewError(remote.CodeUnauthenticated, "caller required")
	}
	result, err := function(ctx, caller, payload)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, remote.WrapError(remote.CodeInternal, err)
	}
	return encoded, nil
}

// As binds the registry to caller so it satisfies remote.Functions in-process.
func (r *Registry) As(caller string) remote.Functions {
	return boundRegistry{registry: r, caller: caller}
}

type boundRegistry struct {
	registry *Registry
	caller   string
}

func (b boundRegistry) Invoke(ctx context.Context, name string, payload any) (json.RawMessage, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, remote.WrapError(remote.CodeInvalid, err)
	}
	return b.registry.Invoke(ctx, name, b.caller, encoded)
}

// Items is the response shape of every suggestion function.
type Items struct {
	Items []string `json:"items"`
}

type subtasksRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

type tasksRequest struct {
	Goal string `json:"goal"`
}

func generateSubtasks(_ context.Context, _ string, payload json.RawMessage) (any, error) {
	var request subtasksRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil, remote.WrapError(remote.CodeInvalid, err)
	}
	title := strings.TrimSpace(request.Title)
	if title == "" {
		return nil, remote.NewError(remote.CodeInvalid, "title is required")
	}
	if steps := splitSteps(request.Description); len(steps) >= 2 {
		return Items{Items: steps}, nil
	}
	subject := lowerFirst(title)
	return Items{Items: []string{
		"Outline what " + subject + " involves",
		"Gather what is needed to " + subject,
		capitalize(subject),
		"Review the result of " + subject,
	}}, nil
}

func generateTasks(_ context.Context, _ string, payload json.RawMessage) (any, error) {
	var request tasksRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil, remote.WrapError(remote.CodeInvalid, err)
	}
	goal := strings.TrimSpace(request.Goal)
	if goal == "" {
		return nil, remote.NewError(remote.CodeInvalid, "goal is required")
	}
	steps := splitSteps(goal)
	if len(steps) == 0 {
		steps = []string{capitalize(goal)}
	}
	return Items{Items: steps}, nil
}

// splitSteps breaks text into list items or clauses, deduplicated and capped.
func splitSteps(text string) []string {
	var parts []string
	for _, line := range strings.Split(text, "\n") {
		line = listMarker.ReplaceAllString(line, "")
		parts = append(parts, splitter.Split(line, -1)...)
	}
	seen := map[string]bool{}
	var steps []string
	for _, part := range parts {
		step := strings.Trim(strings.TrimSpace(part), ".")
		if step == "" {
			continue
		}
		if len(step) > maxItemLength {
			step = strings.TrimSpace(step[:maxItemLength])
		}
		key := strings.ToLower(step)
		if seen[key] {
			continue
		}
		seen[key] = true
		steps = append(steps, capitalize(step))
		if len(steps) == maxItems {
			break
		}
	}
	return steps
}

func capitalize(value string) string {
	if value == "" {
		return value
	}
	return strings.ToUpper(value[:1]) + value[1:]
}

func lowerFirst(value string) string {
	if value == "" {
		return value
	}
	return strings.ToLower(value[:1]) + value[1:]
}
