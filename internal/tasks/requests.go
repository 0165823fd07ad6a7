package tasks

import (
	"strings"

	"github.com/MarcoPoloResearchLab/planner/internal/collection"
)

// Draft describes a task to create along with its initial subtasks.
type Draft struct {
	Title       string
	Description string
	DueDate     string
	DueTime     string
	Priority    Priority
	Subtasks    []string
}

// Request converts the draft into a collection create request.
func (d Draft) Request() collection.CreateRequest {
	fields := map[string]any{
		"title":       strings.TrimSpace(d.Title),
		"description": d.Description,
	}
	if d.DueDate != "" {
		fields["due_date"] = d.DueDate
	}
	if d.DueTime != "" {
		fields["due_time"] = d.DueTime
	}
	if d.Priority != "" {
		fields["priority"] = string(d.Priority)
	}
	children := make([]map[string]any, 0, len(d.Subtasks))
	for position, title := range d.Subtasks {
		if strings.TrimSpace(title) == "" {
			continue
		}
		children = append(children, map[string]any{
			"title":        strings.TrimSpace(title),
			"is_completed": false,
			"position":     position,
		})
	}
	return collection.CreateRequest{Fields: fields, Children: children}
}

// Patch lists the task fields to change; nil fields stay as they are. An empty
// DueDate or DueTime clears the value.
type Patch struct {
	Title       *string
	Description *string
	DueDate     *string
	DueTime     *string
	Priority    *Priority
	IsCompleted *bool
	Subtasks    []SubtaskChange
}

// SubtaskChange updates the subtask with ID, or adds a new subtask when ID is empty.
type SubtaskChange struct {
	ID          string
	Title       *string
	IsCompleted *bool
	Position    *int
}

// Request converts the patch into a collection update request.
func (p Patch) Request() collection.UpdateRequest {
	fields := map[string]any{}
	if p.Title != nil {
		fields["title"] = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		fields["description"] = *p.Description
	}
	if p.DueDate != nil {
		fields["due_date"] = nullable(*p.DueDate)
	}
	if p.DueTime != nil {
		fields["due_time"] = nullable(*p.DueTime)
	}
	if p.Priority != nil {
		fields["priority"] = string(*p.Priority)
	}
	if p.IsCompleted != nil {
		fields["is_completed"] = *p.IsCompleted
	}
	children := make([]collection.ChildUpsert, 0, len(p.Subtasks))
	for _, change := range p.Subtasks {
		childFields := map[string]any{}
		if change.Title != nil {
			childFields["title"] = strings.TrimSpace(*change.Title)
		}
		if change.IsCompleted != nil {
			childFields["is_completed"] = *change.IsCompleted
		}
		if change.Position != nil {
			childFields["position"] = *change.Position
		}
		children = append(children, collection.ChildUpsert{ID: change.ID, Fields: childFields})
	}
	return collection.UpdateRequest{Fields: fields, Children: children}
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
