package notes

import (
	"context"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/collection"
	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"github.com/MarcoPoloResearchLab/planner/internal/subscription"
	"go.uber.org/zap"
)

// Draft describes a note to create.
type Draft struct {
	Title    string
	Body     string
	Color    Color
	IsPinned bool
	Tags     []string
}

// Patch lists the note fields to change; nil fields stay as they are. Tags are added,
// RenameTags relabels existing tags by id.
type Patch struct {
	Title      *string
	Body       *string
	Color      *Color
	IsPinned   *bool
	AddTags    []string
	RenameTags map[string]string
}

// Config describes the dependencies of a Board.
type Config struct {
	Query         remote.Query
	Subscriptions *subscription.Registry
	LoadAttempts  int
	RetryBackoff  time.Duration
	Logger        *zap.Logger
}

// Board is the signed-in user's reactive set of notes. Acknowledged writes patch
// the server row into the Snapshot without a reload.
type Board struct {
	*collection.Collection[Note]
}

// NewBoard constructs an inactive board; bind it to a session to start syncing.
func NewBoard(cfg Config) (*Board, error) {
	var manager *subscription.Manager
	if cfg.Subscriptions != nil {
		manager = cfg.Subscriptions.Manager(Table, Table, TagTable)
	}
	inner, err := collection.New(collection.Config[Note]{
		Entity:        Entity,
		Query:         cfg.Query,
		Subscriptions: manager,
		Strategy:      collection.StrategyPatch,
		LoadAttempts:  cfg.LoadAttempts,
		RetryBackoff:  cfg.RetryBackoff,
		Logger:        cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return &Board{Collection: inner}, nil
}

// Add creates a note from draft. Tag labels are normalized and deduplicated.
func (b *Board) Add(ctx context.Context, draft Draft) (Note, error) {
	fields := map[string]any{
		"title":     strings.TrimSpace(draft.Title),
		"body":      draft.Body,
		"is_pinned": draft.IsPinned,
	}
	if draft.Color != "" {
		fields["color"] = string(draft.Color)
	}
	labels, err := uniqueLabels(draft.Tags, nil)
	if err != nil {
		return Note{}, &collection.Error{Entity: Table, Op: "create", Kind: collection.ErrValidationFailed, Err: err}
	}
	children := make([]map[string]any, 0, len(labels))
	for _, label := range labels {
		children = append(children, map[string]any{"label": label})
	}
	return b.Create(ctx, collection.CreateRequest{Fields: fields, Children: children})
}

// Edit applies patch to the note with id. Tags the note already carries are not added twice.
func (b *Board) Edit(ctx context.Context, id NoteID, patch Patch) (Note, error) {
	fields := map[string]any{}
	if patch.Title != nil {
		fields["title"] = strings.TrimSpace(*patch.Title)
	}
	if patch.Body != nil {
		fields["body"] = *patch.Body
	}
	if patch.Color != nil {
		fields["color"] = string(*patch.Color)
	}
	if patch.IsPinned != nil {
		fields["is_pinned"] = *patch.IsPinned
	}
	existing, _ := b.Get(id.String())
	labels, err := uniqueLabels(patch.AddTags, existing.Tags)
	if err != nil {
		return Note{}, &collection.Error{Entity: Table, Op: "update", Kind: collection.ErrValidationFailed, Err: err}
	}
	children := make([]collection.ChildUpsert, 0, len(labels)+len(patch.RenameTags))
	for _, label := range labels {
		children = append(children, collection.ChildUpsert{Fields: map[string]any{"label": label}})
	}
	for tagID, label := range patch.RenameTags {
		normalized, err := normalizeTag(label)
		if err != nil {
			return Note{}, &collection.Error{Entity: Table, Op: "update", Kind: collection.ErrValidationFailed, Err: err}
		}
		children = append(children, collection.ChildUpsert{ID: tagID, Fields: map[string]any{"label": normalized}})
	}
	return b.Update(ctx, id.String(), collection.UpdateRequest{Fields: fields, Children: children})
}

// SetPinned pins or unpins a note.
func (b *Board) SetPinned(ctx context.Context, id NoteID, pinned bool) (Note, error) {
	return b.Edit(ctx, id, Patch{IsPinned: &pinned})
}

// Pinned returns the pinned notes in load order.
func (b *Board) Pinned() []Note {
	var out []Note
	for _, note := range b.Snapshot() {
		if note.IsPinned {
			out = append(out, note)
		}
	}
	return out
}

// Tagged returns the notes carrying label.
func (b *Board) Tagged(label string) []Note {
	normalized, err := normalizeTag(label)
	if err != nil {
		return nil
	}
	var out []Note
	for _, note := range b.Snapshot() {
		if note.HasTag(normalized) {
			out = append(out, note)
		}
	}
	return out
}

func uniqueLabels(raw []string, existing []Tag) ([]string, error) {
	seen := make(map[string]bool, len(raw)+len(existing))
	for _, tag := range existing {
		seen[strings.ToLower(tag.Label)] = true
	}
	var labels []string
	for _, label := range raw {
		normalized, err := normalizeTag(label)
		if err != nil {
			return nil, err
		}
		if seen[normalized] {
			continue
		}
		seen[normalized] = true
		labels = append(labels, normalized)
	}
	return labels, nil
}
