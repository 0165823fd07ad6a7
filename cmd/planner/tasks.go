package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/MarcoPoloResearchLab/planner/internal/suggest"
	"github.com/MarcoPoloResearchLab/planner/internal/tasks"
	"github.com/MarcoPoloResearchLab/planner/internal/views"
	"github.com/spf13/cobra"
)

// lastDay is the open upper bound of --from without --to.
const lastDay = "9999-12-31"

func newTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage tasks",
	}
	cmd.AddCommand(
		newTasksListCommand(),
		newTasksAddCommand(),
		newTasksCompleteCommand(),
		newTasksCheckCommand(),
		newTasksRemoveCommand(),
		newTasksSuggestCommand(),
		newTasksPlanCommand(),
	)
	return cmd
}

func newTasksListCommand() *cobra.Command {
	var (
		search      string
		group       bool
		pendingOnly bool
		from        string
		to          string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks ordered by due date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			list, err := current.taskList(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer list.Close()

			records := list.Snapshot()
			if pendingOnly {
				records = list.Pending()
			}
			records = views.FilterBySubstring(records, search)
			if from != "" || to != "" {
				if to == "" {
					to = lastDay
				}
				records = views.Between(records, from, to)
			}
			out := cmd.OutOrStdout()
			if !group {
				return writeTasks(out, views.SortByDueDate(records))
			}
			for _, bucket := range views.GroupByDay(records) {
				day := bucket.Day
				if day == views.Undated {
					day = "undated"
				}
				fmt.Fprintf(out, "%s\n", day)
				if err := writeTasks(out, bucket.Records); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&search, "filter", "", "Keep tasks whose title or description contains text")
	cmd.Flags().BoolVar(&group, "group", false, "Group tasks by due day")
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "Hide completed tasks")
	cmd.Flags().StringVar(&from, "from", "", "Keep tasks due on or after YYYY-MM-DD")
	cmd.Flags().StringVar(&to, "to", "", "Keep tasks due on or before YYYY-MM-DD")
	return cmd
}

func newTasksAddCommand() *cobra.Command {
	var draft tasks.Draft
	var priority string
	cmd := &cobra.Command{
		Use:   "add TITLE",
		Short: "Create a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			list, err := current.taskList(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer list.Close()

			draft.Title = strings.Join(args, " ")
			draft.Priority = tasks.Priority(priority)
			created, err := list.Add(cmd.Context(), draft)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %s\n", shortID(created.ID), created.Title)
			return nil
		},
	}
	cmd.Flags().StringVar(&draft.Description, "description", "", "Task description")
	cmd.Flags().StringVar(&draft.DueDate, "due", "", "Due date YYYY-MM-DD")
	cmd.Flags().StringVar(&draft.DueTime, "time", "", "Due time HH:MM")
	cmd.Flags().StringVar(&priority, "priority", "", "Priority: low, medium or high")
	cmd.Flags().StringArrayVar(&draft.Subtasks, "subtask", nil, "Subtask title; repeat for more")
	return cmd
}

func newTasksCompleteCommand() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "complete ID",
		Short: "Mark a task completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			list, err := current.taskList(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer list.Close()

			id, err := resolveID(taskIDs(list.Snapshot()), args[0])
			if err != nil {
				return err
			}
			updated, err := list.SetCompleted(cmd.Context(), id, !undo)
			if err != nil {
				return err
			}
			return writeTasks(cmd.OutOrStdout(), []tasks.Task{updated})
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "Mark the task pending again")
	return cmd
}

func newTasksCheckCommand() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "check TASK_ID SUBTASK_ID",
		Short: "Mark a subtask completed",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			list, err := current.taskList(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer list.Close()

			taskID, err := resolveID(taskIDs(list.Snapshot()), args[0])
			if err != nil {
				return err
			}
			task, _ := list.Get(taskID)
			subtaskIDs := make([]string, 0, len(task.Subtasks))
			for _, subtask := range task.Subtasks {
				subtaskIDs = append(subtaskIDs, subtask.ID)
			}
			subtaskID, err := resolveID(subtaskIDs, args[1])
			if err != nil {
				return err
			}
			updated, err := list.SetSubtaskCompleted(cmd.Context(), taskID, subtaskID, !undo)
			if err != nil {
				return err
			}
			return writeTasks(cmd.OutOrStdout(), []tasks.Task{updated})
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "Mark the subtask pending again")
	return cmd
}

func newTasksRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm ID",
		Short: "Delete a task and its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			list, err := current.taskList(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer list.Close()

			id, err := resolveID(taskIDs(list.Snapshot()), args[0])
			if err != nil {
				return err
			}
			if err := list.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", shortID(id))
			return nil
		},
	}
}

func newTasksSuggestCommand() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "suggest ID",
		Short: "Suggest subtasks for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			list, err := current.taskList(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer list.Close()

			id, err := resolveID(taskIDs(list.Snapshot()), args[0])
			if err != nil {
				return err
			}
			task, _ := list.Get(id)
			suggester := suggest.NewSuggester(current.api, current.logger)
			items, err := suggester.Subtasks(cmd.Context(), task)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, item := range items {
				fmt.Fprintf(out, "- %s\n", item)
			}
			if !apply {
				return nil
			}
			updated, err := list.AddSubtasks(cmd.Context(), id, items)
			if err != nil {
				return err
			}
			return writeTasks(out, []tasks.Task{updated})
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "Add the suggestions as subtasks")
	return cmd
}

func newTasksPlanCommand() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "plan GOAL",
		Short: "Break a goal into tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			list, err := current.taskList(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer list.Close()

			suggester := suggest.NewSuggester(current.api, current.logger)
			items, err := suggester.Tasks(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, item := range items {
				if !apply {
					fmt.Fprintf(out, "- %s\n", item)
					continue
				}
				created, err := list.Add(cmd.Context(), tasks.Draft{Title: item})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "created %s %s\n", shortID(created.ID), created.Title)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "Create the suggested tasks")
	return cmd
}

func taskIDs(records []tasks.Task) []string {
	ids := make([]string, 0, len(records))
	for _, task := range records {
		ids = append(ids, task.ID)
	}
	return ids
}

func writeTasks(out io.Writer, records []tasks.Task) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, task := range records {
		mark := " "
		if task.IsCompleted {
			mark = "x"
		}
		due := task.Due()
		if due == "" {
			due = "-"
		}
		priority := string(task.Priority)
		if priority == "" {
			priority = "-"
		}
		fmt.Fprintf(writer, "[%s]\t%s\t%s\t%s\t%s\t%d/%d\n", mark, shortID(task.ID), due, priority, task.Title, task.CompletedSubtasks(), len(task.Subtasks))
		for _, subtask := range task.Subtasks {
			subMark := " "
			if subtask.IsCompleted {
				subMark = "x"
			}
			fmt.Fprintf(writer, "\t  [%s] %s\t\t\t%s\t\n", subMark, shortID(subtask.ID), subtask.Title)
		}
	}
	return writer.Flush()
}
