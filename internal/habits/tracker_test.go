package habits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/collection"
	"github.com/MarcoPoloResearchLab/planner/internal/store/storetest"
)

func TestStreakCountsConsecutivePeriods(t *testing.T) {
	today := time.Date(2024, 6, 12, 15, 0, 0, 0, time.UTC) // Wednesday
	testCases := []struct {
		name      string
		days      []string
		frequency Frequency
		current   int
		best      int
	}{
		{name: "daily run through today", days: []string{"2024-06-10", "2024-06-11", "2024-06-12"}, frequency: Daily, current: 3, best: 3},
		{name: "daily run ending yesterday", days: []string{"2024-06-10", "2024-06-11"}, frequency: Daily, current: 2, best: 2},
		{name: "daily gap breaks the run", days: []string{"2024-06-01", "2024-06-02", "2024-06-03", "2024-06-10"}, frequency: Daily, current: 0, best: 3},
		{name: "weekly across a week boundary", days: []string{"2024-06-02", "2024-06-04", "2024-06-12"}, frequency: Weekly, current: 3, best: 3},
		{name: "monthly", days: []string{"2024-04-30", "2024-05-01", "2024-06-01"}, frequency: Monthly, current: 3, best: 3},
		{name: "garbage ignored", days: []string{"yesterday", "2024-06-12"}, frequency: Daily, current: 1, best: 1},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := Streak(testCase.days, testCase.frequency, today); got != testCase.current {
				t.Fatalf("expected current streak %d, got %d", testCase.current, got)
			}
			if got := BestStreak(testCase.days, testCase.frequency); got != testCase.best {
				t.Fatalf("expected best streak %d, got %d", testCase.best, got)
			}
		})
	}
}

func TestValidateRejectsBadHabits(t *testing.T) {
	if err := Entity.Validate(map[string]any{"frequency": "daily"}, true); !errors.Is(err, ErrInvalidName) {
		t.Fatalf("expected missing name, got %v", err)
	}
	if err := Entity.Validate(map[string]any{"name": "Run", "frequency": "hourly"}, true); !errors.Is(err, ErrInvalidFrequency) {
		t.Fatalf("expected invalid frequency, got %v", err)
	}
	if err := Entity.Validate(map[string]any{"target_per_period": 0}, false); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("expected invalid target, got %v", err)
	}
}

func TestCheckInRecordsCompletionAndStreaks(t *testing.T) {
	documents, _ := storetest.New(t)
	now := time.Date(2024, 6, 12, 8, 0, 0, 0, time.UTC)
	tracker, err := NewTracker(Config{
		Query: documents.As("u1"),
		Clock: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to build tracker: %v", err)
	}
	defer tracker.Close()
	ctx := context.Background()
	if err := tracker.Activate(ctx, "u1"); err != nil {
		t.Fatalf("activate failed: %v", err)
	}

	habit, err := tracker.Add(ctx, Draft{Name: "Read", Frequency: Daily})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if habit.TargetPerPeriod != 1 || habit.CurrentStreak != 0 {
		t.Fatalf("expected store defaults, got %#v", habit)
	}
	if len(tracker.DueToday()) != 1 {
		t.Fatalf("expected habit due today")
	}

	if _, err := tracker.CheckIn(ctx, habit.ID, "2024-06-11"); err != nil {
		t.Fatalf("check in yesterday failed: %v", err)
	}
	checked, err := tracker.CheckIn(ctx, habit.ID, "")
	if err != nil {
		t.Fatalf("check in today failed: %v", err)
	}
	if checked.CurrentStreak != 2 || checked.BestStreak != 2 || len(checked.Completions) != 2 {
		t.Fatalf("unexpected habit after check-ins %#v", checked)
	}
	again, err := tracker.CheckIn(ctx, habit.ID, "2024-06-12")
	if err != nil || len(again.Completions) != 2 {
		t.Fatalf("expected repeated check-in to be a no-op, got %#v (%v)", again, err)
	}
	if len(tracker.DueToday()) != 0 {
		t.Fatalf("expected nothing due after today's check-in")
	}

	if _, err := tracker.CheckIn(ctx, habit.ID, "12/06/2024"); !errors.Is(err, ErrInvalidDay) {
		t.Fatalf("expected invalid day, got %v", err)
	}
	if _, err := tracker.CheckIn(ctx, "missing", ""); !errors.Is(err, collection.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
