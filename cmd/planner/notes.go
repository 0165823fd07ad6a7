package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/MarcoPoloResearchLab/planner/internal/notes"
	"github.com/MarcoPoloResearchLab/planner/internal/views"
	"github.com/spf13/cobra"
)

func newNotesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "Manage notes",
	}
	cmd.AddCommand(newNotesListCommand(), newNotesAddCommand(), newNotesPinCommand(), newNotesTagCommand(), newNotesRemoveCommand())
	return cmd
}

func newNotesListCommand() *cobra.Command {
	var (
		tag        string
		search     string
		pinnedOnly bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			board, err := current.noteBoard(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer board.Close()

			var records []notes.Note
			switch {
			case tag != "":
				records = board.Tagged(tag)
			case pinnedOnly:
				records = board.Pinned()
			default:
				records = board.Snapshot()
			}
			return writeNotes(cmd.OutOrStdout(), views.FilterBySubstring(records, search))
		},
	}
	cmd.Flags().StringVar(&tag, "tag", "", "Keep notes carrying tag")
	cmd.Flags().StringVar(&search, "filter", "", "Keep notes whose title, body or tags contain text")
	cmd.Flags().BoolVar(&pinnedOnly, "pinned", false, "Show only pinned notes")
	return cmd
}

func newNotesAddCommand() *cobra.Command {
	var (
		draft notes.Draft
		color string
	)
	cmd := &cobra.Command{
		Use:   "add TITLE",
		Short: "Create a note",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			board, err := current.noteBoard(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer board.Close()

			draft.Title = strings.Join(args, " ")
			draft.Color = notes.Color(color)
			created, err := board.Add(cmd.Context(), draft)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s %s\n", shortID(created.ID), created.Title)
			return nil
		},
	}
	cmd.Flags().StringVar(&draft.Body, "body", "", "Note body")
	cmd.Flags().StringVar(&color, "color", "", "Color: default, yellow, green, blue or pink")
	cmd.Flags().BoolVar(&draft.IsPinned, "pin", false, "Pin the note")
	cmd.Flags().StringArrayVar(&draft.Tags, "tag", nil, "Tag label; repeat for more")
	return cmd
}

func newNotesPinCommand() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "pin ID",
		Short: "Pin a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			board, err := current.noteBoard(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer board.Close()

			id, err := resolveNoteID(board, args[0])
			if err != nil {
				return err
			}
			updated, err := board.SetPinned(cmd.Context(), id, !undo)
			if err != nil {
				return err
			}
			return writeNotes(cmd.OutOrStdout(), []notes.Note{updated})
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "Unpin the note")
	return cmd
}

func newNotesTagCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tag ID LABEL...",
		Short: "Add tags to a note",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			board, err := current.noteBoard(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer board.Close()

			id, err := resolveNoteID(board, args[0])
			if err != nil {
				return err
			}
			updated, err := board.Edit(cmd.Context(), id, notes.Patch{AddTags: args[1:]})
			if err != nil {
				return err
			}
			return writeNotes(cmd.OutOrStdout(), []notes.Note{updated})
		},
	}
}

func newNotesRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm ID",
		Short: "Delete a note and its tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := newApp()
			if err != nil {
				return err
			}
			defer current.close()

			board, err := current.noteBoard(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer board.Close()

			id, err := resolveNoteID(board, args[0])
			if err != nil {
				return err
			}
			if err := board.Delete(cmd.Context(), id.String()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", shortID(id.String()))
			return nil
		},
	}
}

func resolveNoteID(board *notes.Board, input string) (notes.NoteID, error) {
	records := board.Snapshot()
	ids := make([]string, 0, len(records))
	for _, note := range records {
		ids = append(ids, note.ID)
	}
	id, err := resolveID(ids, input)
	if err != nil {
		return "", err
	}
	return notes.NewNoteID(id)
}

func writeNotes(out io.Writer, records []notes.Note) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, note := range records {
		pin := " "
		if note.IsPinned {
			pin = "*"
		}
		labels := make([]string, 0, len(note.Tags))
		for _, tag := range note.Tags {
			labels = append(labels, "#"+tag.Label)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", pin, shortID(note.ID), note.Title, strings.Join(labels, " "))
	}
	return writer.Flush()
}
