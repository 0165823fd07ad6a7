package tasks

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/collection"
	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"github.com/MarcoPoloResearchLab/planner/internal/subscription"
	"go.uber.org/zap"
)

// Config describes the dependencies of a List.
type Config struct {
	Query remote.Query
	// Subscriptions may be nil, in which case the list does not follow realtime changes.
	Subscriptions *subscription.Registry
	LoadAttempts  int
	RetryBackoff  time.Duration
	Logger        *zap.Logger
}

// List is the signed-in user's reactive task list. Acknowledged writes reload the
// whole list.
type List struct {
	*collection.Collection[Task]
}

// NewList constructs an inactive list; bind it to a session to start syncing.
func NewList(cfg Config) (*List, error) {
	var manager *subscription.Manager
	if cfg.Subscriptions != nil {
		manager = cfg.Subscriptions.Manager(Table, Table, SubtaskTable)
	}
	inner, err := collection.New(collection.Config[Task]{
		Entity:        Entity,
		Query:         cfg.Query,
		Subscriptions: manager,
		Strategy:      collection.StrategyReload,
		LoadAttempts:  cfg.LoadAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &List{Collection: inner}, nil
}

// Add creates a task from draft.
func (l *List) Add(ctx context.Context, draft Draft) (Task, error) {
	return l.Create(ctx, draft.Request())
}

// Edit applies patch to the task with id.
func (l *List) Edit(ctx context.Context, id string, patch Patch) (Task, error) {
	return l.Update(ctx, id, patch.Request())
}

// SetCompleted marks the task done or reopens it; the store maintains completed_at.
func (l *List) SetCompleted(ctx context.Context, id string, done bool) (Task, error) {
	return l.Edit(ctx, id, Patch{IsCompleted: &done})
}

// SetSubtaskCompleted toggles one subtask of a task.
func (l *List) SetSubtaskCompleted(ctx context.Context, taskID, subtaskID string, done bool) (Task, error) {
	return l.Edit(ctx, taskID, Patch{Subtasks: []SubtaskChange{{ID: subtaskID, IsCompleted: &done}}})
}

// AddSubtasks appends subtasks with the given titles after the existing ones.
func (l *List) AddSubtasks(ctx context.Context, taskID string, titles []string) (Task, error) {
	next := 0
	if task, ok := l.Get(taskID); ok {
		for _, subtask := range task.Subtasks {
			if subtask.Position >= next {
				next = subtask.Position + 1
			}
		}
	}
	changes := make([]SubtaskChange, 0, len(titles))
	for index := range titles {
		title := titles[index]
		position := next + index
		changes = append(changes, SubtaskChange{Title: &title, Position: &position})
	}
	return l.Edit(ctx, taskID, Patch{Subtasks: changes})
}

// Pending returns the tasks not yet completed.
func (l *List) Pending() []Task {
	var out []Task
	for _, task := range l.Snapshot() {
		if !task.IsCompleted {
			out = append(out, task)
		}
	}
	return out
}
