package habits

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/collection"
	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"github.com/MarcoPoloResearchLab/planner/internal/subscription"
	"go.uber.org/zap"
)

// Draft describes a habit to create.
type Draft struct {
	Name            string
	Description     string
	Frequency       Frequency
	TargetPerPeriod int
}

// Config describes the dependencies of a Tracker.
type Config struct {
	Query         remote.Query
	Subscriptions *subscription.Registry
	LoadAttempts  int
	RetryBackoff  time.Duration
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Tracker is the signed-in user's reactive set of habits. Acknowledged writes reload
// the whole set.
type Tracker struct {
	*collection.Collection[Habit]
	clock func() time.Time
}

// NewTracker constructs an inactive tracker; bind it to a session to start syncing.
func NewTracker(cfg Config) (*Tracker, error) {
	var manager *subscription.Manager
	if cfg.Subscriptions != nil {
		manager = cfg.Subscriptions.Manager(Table, Table, CompletionTable)
	}
	inner, err := collection.New(collection.Config[Habit]{
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
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{Collection: inner, clock: clock}, nil
}

// Add creates a habit from draft.
func (t *Tracker) Add(ctx context.Context, draft Draft) (Habit, error) {
	fields := map[string]any{
		"name":        strings.TrimSpace(draft.Name),
		"description": draft.Description,
	}
	if draft.Frequency != "" {
		fields["frequency"] = string(draft.Frequency)
	}
	if draft.TargetPerPeriod != 0 {
		fields["target_per_period"] = draft.TargetPerPeriod
	}
	return t.Create(ctx, collection.CreateRequest{Fields: fields})
}

// CheckIn records a completion of habit id on day (today when empty) and refreshes
// its streak counters. Checking in twice on the same day changes nothing.
func (t *Tracker) CheckIn(ctx context.Context, id, day string) (Habit, error) {
	if day == "" {
		day = t.clock().Format(dayLayout)
	}
	if _, err := time.Parse(dayLayout, day); err != nil {
		return Habit{}, &collection.Error{Entity: Table, Op: "update", Kind: collection.ErrValidationFailed, Err: fmt.Errorf("%w: %q", ErrInvalidDay, day)}
	}
	habit, ok := t.Get(id)
	if !ok {
		return Habit{}, &collection.Error{Entity: Table, Op: "update", Kind: collection.ErrNotFound}
	}
	if habit.CompletedOn(day) {
		return habit, nil
	}
	days := append(habit.Days(), day)
	current := Streak(days, habit.Frequency, t.clock())
	best := BestStreak(days, habit.Frequency)
	if habit.BestStreak > best {
		best = habit.BestStreak
	}
	return t.Update(ctx, id, collection.UpdateRequest{
		Fields:   map[string]any{"current_streak": current, "best_streak": best},
		Children: []collection.ChildUpsert{{Fields: map[string]any{"completed_on": day}}},
	})
}

// DueToday returns the habits without a check-in today.
func (t *Tracker) DueToday() []Habit {
	today := t.clock().Format(dayLayout)
	var out []Habit
	for _, habit := range t.Snapshot() {
		if !habit.CompletedOn(today) {
			out = append(out, habit)
		}
	}
	return out
}
