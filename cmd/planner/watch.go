package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/MarcoPoloResearchLab/planner/internal/habits"
	"github.com/MarcoPoloResearchLab/planner/internal/notes"
	"github.com/MarcoPoloResearchLab/planner/internal/subscription"
	"github.com/MarcoPoloResearchLab/planner/internal/tasks"
	"github.com/MarcoPoloResearchLab/planner/internal/views"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWatchCommand() *cobra.Command {
	var entities []string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow realtime changes until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			registry := subscription.NewRegistry(current.api, current.logger)
			printer := &changePrinter{out: cmd.OutOrStdout()}
			for _, entity := range entities {
				closeFn, err := watchEntity(ctx, current, registry, printer, entity)
				if err != nil {
					return err
				}
				defer closeFn()
			}

			current.logger.Info("watching", zap.Strings("entities", entities))
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&entities, "entity", []string{tasks.Table, notes.Table, habits.Table}, "Entities to follow")
	return cmd
}

// changePrinter serializes output from observers running on realtime goroutines.
type changePrinter struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *changePrinter) print(entity string, count int, write func(io.Writer) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "== %s (%d)\n", entity, count)
	_ = write(p.out)
}

func watchEntity(ctx context.Context, current *app, registry *subscription.Registry, printer *changePrinter, entity string) (func(), error) {
	switch entity {
	case tasks.Table:
		list, err := current.taskList(ctx, registry)
		if err != nil {
			return nil, err
		}
		show := func(records []tasks.Task) {
			printer.print(entity, len(records), func(out io.Writer) error {
				return writeTasks(out, views.SortByDueDate(records))
			})
		}
		cancel := list.Observe(show)
		return func() { cancel(); list.Close() }, nil
	case notes.Table:
		board, err := current.noteBoard(ctx, registry)
		if err != nil {
			return nil, err
		}
		show := func(records []notes.Note) {
			printer.print(entity, len(records), func(out io.Writer) error {
				return writeNotes(out, records)
			})
		}
		cancel := board.Observe(show)
		return func() { cancel(); board.Close() }, nil
	case habits.Table:
		tracker, err := current.habitTracker(ctx, registry)
		if err != nil {
			return nil, err
		}
		show := func(records []habits.Habit) {
			printer.print(entity, len(records), func(out io.Writer) error {
				return writeHabits(out, records)
			})
		}
		cancel := tracker.Observe(show)
		return func() { cancel(); tracker.Close() }, nil
	default:
		return nil, fmt.Errorf("unknown entity %q (want %s, %s or %s)", entity, tasks.Table, notes.Table, habits.Table)
	}
}
