// Package notes binds Note records and their Tags to the reactive collection.
package notes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/planner/internal/collection"
)

const (
	// Table holds note rows.
	Table = "notes"
	// TagTable holds tag rows, joined on TagParentColumn.
	TagTable        = "note_tags"
	TagParentColumn = "note_id"

	maxIdentifierLength = 190
	maxTagLength        = 64
)

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidTitle indicates an empty note title.
	ErrInvalidTitle = errors.New("notes: invalid title")
	// ErrInvalidColor indicates a color outside the palette.
	ErrInvalidColor = errors.New("notes: invalid color")
	// ErrInvalidTag indicates an empty or overlong tag label.
	ErrInvalidTag = errors.New("notes: invalid tag")
	// ErrMalformedRow indicates a stored row missing its identity.
	ErrMalformedRow = errors.New("notes: malformed row")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// Color is the card color of a note.
type Color string

const (
	ColorDefault Color = "default"
	ColorYellow  Color = "yellow"
	ColorGreen   Color = "green"
	ColorBlue    Color = "blue"
	ColorPink    Color = "pink"
)

// Valid reports whether the color is part of the palette.
func (c Color) Valid() bool {
	switch c {
	case ColorDefault, ColorYellow, ColorGreen, ColorBlue, ColorPink:
		return true
	default:
		return false
	}
}

// Tag labels a note.
type Tag struct {
	ID        string `json:"id"`
	NoteID    string `json:"note_id"`
	Label     string `json:"label"`
	CreatedAt string `json:"created_at,omitempty"`
}

// Note is a free-form text card.
type Note struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Color     Color  `json:"color,omitempty"`
	IsPinned  bool   `json:"is_pinned"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
	Tags      []Tag  `json:"tags,omitempty"`
}

// SearchFields feeds substring filtering; tag labels match too.
func (n Note) SearchFields() []string {
	fields := []string{n.Title, n.Body}
	for _, tag := range n.Tags {
		fields = append(fields, tag.Label)
	}
	return fields
}

// HasTag reports whether the note carries label, ignoring case.
func (n Note) HasTag(label string) bool {
	for _, tag := range n.Tags {
		if strings.EqualFold(tag.Label, label) {
			return true
		}
	}
	return false
}

type binding struct{}

// Entity is the collection binding of notes.
var Entity collection.Entity[Note] = binding{}

func (binding) Name() string  { return Table }
func (binding) Table() string { return Table }

func (binding) Child() (collection.ChildSpec, bool) {
	return collection.ChildSpec{Table: TagTable, ParentColumn: TagParentColumn}, true
}

func (binding) Decode(raw json.RawMessage) (Note, error) {
	var note Note
	if err := json.Unmarshal(raw, &note); err != nil {
		return Note{}, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	if _, err := NewNoteID(note.ID); err != nil {
		return Note{}, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	if strings.TrimSpace(note.UserID) == "" {
		return Note{}, fmt.Errorf("%w: user_id required", ErrMalformedRow)
	}
	return note, nil
}

func (binding) Attach(records []Note, children []json.RawMessage) ([]Note, error) {
	byNote := make(map[string][]Tag, len(records))
	for _, raw := range children {
		var tag Tag
		if err := json.Unmarshal(raw, &tag); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedRow, err)
		}
		if tag.ID == "" || tag.NoteID == "" {
			return nil, fmt.Errorf("%w: tag without id or note_id", ErrMalformedRow)
		}
		byNote[tag.NoteID] = append(byNote[tag.NoteID], tag)
	}
	out := make([]Note, len(records))
	for index, note := range records {
		note.Tags = byNote[note.ID]
		if note.Tags == nil {
			note.Tags = []Tag{}
		}
		out[index] = note
	}
	return out, nil
}

func (binding) CarryChildren(from, to Note) Note {
	to.Tags = from.Tags
	return to
}

func (binding) ID(note Note) string    { return note.ID }
func (binding) Owner(note Note) string { return note.UserID }

func (binding) Validate(fields map[string]any, creating bool) error {
	title, present := fields["title"]
	if creating && !present {
		return fmt.Errorf("%w: empty", ErrInvalidTitle)
	}
	if present {
		text, ok := title.(string)
		if !ok || strings.TrimSpace(text) == "" {
			return fmt.Errorf("%w: empty", ErrInvalidTitle)
		}
	}
	if value, ok := fields["color"]; ok && value != nil {
		text, _ := value.(string)
		if !Color(text).Valid() {
			return fmt.Errorf("%w: %v", ErrInvalidColor, value)
		}
	}
	return nil
}

func normalizeTag(label string) (string, error) {
	trimmed := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(label), "#")))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTag)
	}
	if len(trimmed) > maxTagLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTag, maxTagLength)
	}
	return trimmed, nil
}
