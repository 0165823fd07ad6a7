package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/MarcoPoloResearchLab/planner/internal/habits"
	"github.com/MarcoPoloResearchLab/planner/internal/views"
	"github.com/spf13/cobra"
)

func newHabitsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "habits",
		Short: "Track habits",
	}
	cmd.AddCommand(newHabitsListCommand(), newHabitsAddCommand(), newHabitsCheckInCommand())
	return cmd
}

func newHabitsListCommand() *cobra.Command {
	var (
		dueOnly bool
		search  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List habits with their streaks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			tracker, err := current.habitTracker(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer tracker.Close()

			records := tracker.Snapshot()
			if dueOnly {
				records = tracker.DueToday()
			}
			return writeHabits(cmd.OutOrStdout(), views.FilterBySubstring(records, search))
		},
	}
	cmd.Flags().BoolVar(&dueOnly, "due", false, "Show only habits not checked in today")
	cmd.Flags().StringVar(&search, "filter", "", "Keep habits whose name or description contains text")
	return cmd
}

func newHabitsAddCommand() *cobra.Command {
	var (
		draft     habits.Draft
		frequency string
	)
	cmd := &cobra.Command{
		Use:   "add NAME",
		Short: "Create a habit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			tracker, err := current.habitTracker(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer tracker.Close()

			draft.Name = strings.Join(args, " ")
			draft.Frequency = habits.Frequency(frequency)
			created, err := tracker.Add(cmd.Context(), draft)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %s\n", shortID(created.ID), created.Name)
			return nil
		},
	}
	cmd.Flags().StringVar(&draft.Description, "description", "", "Habit description")
	cmd.Flags().StringVar(&frequency, "frequency", string(habits.Daily), "Period: daily, weekly or monthly")
	cmd.Flags().IntVar(&draft.TargetPerPeriod, "target", 1, "Check-ins per period")
	return cmd
}

func newHabitsCheckInCommand() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "checkin ID",
		Short: "Record a check-in and refresh the streak",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			tracker, err := current.habitTracker(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer tracker.Close()

			records := tracker.Snapshot()
			ids := make([]string, 0, len(records))
			for _, habit := range records {
				ids = append(ids, habit.ID)
			}
			id, err := resolveID(ids, args[0])
			if err != nil {
				return err
			}
			updated, err := tracker.CheckIn(cmd.Context(), id, day)
			if err != nil {
				return err
			}
			return writeHabits(cmd.OutOrStdout(), []habits.Habit{updated})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "Check-in day YYYY-MM-DD (default today)")
	return cmd
}

func writeHabits(out io.Writer, records []habits.Habit) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, habit := range records {
		fmt.Fprintf(writer, "%s\t%s\t%s\tstreak %d\tbest %d\n", shortID(habit.ID), habit.Name, habit.Frequency, habit.CurrentStreak, habit.BestStreak)
	}
	return writer.Flush()
}
