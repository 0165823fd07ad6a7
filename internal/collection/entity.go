package collection

import (
	"encoding/json"
	"fmt"
)

// ChildSpec names the table holding an entity's children and the column referencing the parent.
type ChildSpec struct {
	Table        string
	ParentColumn string
}

// Entity binds a record type to its remote tables. Decode is the shape check at the
// boundary: rows that do not decode into a valid record are rejected.
type Entity[R any] interface {
	Name() string
	Table() string
	// Child reports the child table, if the entity has one.
	Child() (ChildSpec, bool)
	Decode(raw json.RawMessage) (R, error)
	// Attach groups child rows onto their parents. Children of unknown parents are dropped.
	Attach(records []R, children []json.RawMessage) ([]R, error)
	// CarryChildren copies the child collection of from onto to.
	CarryChildren(from, to R) R
	ID(record R) string
	Owner(record R) string
	// Validate checks parent fields before any remote call. creating is false for patches,
	// where absent fields are left unchanged.
	Validate(fields map[string]any, creating bool) error
}

// CreateRequest carries the parent fields and the children to insert with it.
type CreateRequest struct {
	Fields   map[string]any
	Children []map[string]any
}

// ChildUpsert updates the child with ID, or inserts a new child when ID is empty.
type ChildUpsert struct {
	ID     string
	Fields map[string]any
}

// UpdateRequest separates the parent field patch from child operations. Children
// missing from Children are left untouched.
type UpdateRequest struct {
	Fields   map[string]any
	Children []ChildUpsert
}

// Empty reports whether the request changes nothing.
func (r UpdateRequest) Empty() bool {
	return len(r.Fields) == 0 && len(r.Children) == 0
}

// Strategy selects how acknowledged writes reach the Snapshot.
type Strategy int

const (
	// StrategyReload reloads the full Snapshot after every acknowledged create or update.
	StrategyReload Strategy = iota
	// StrategyPatch applies the server-returned row to the Snapshot directly.
	StrategyPatch
)

func (s Strategy) String() string {
	switch s {
	case StrategyReload:
		return "reload"
	case StrategyPatch:
		return "patch"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// mergeFields overlays fields onto the JSON form of record and decodes the result.
func mergeFields[R any](entity Entity[R], record R, fields map[string]any) (R, error) {
	var zero R
	encoded, err := json.Marshal(record)
	if err != nil {
		return zero, err
	}
	merged := map[string]any{}
	if err := json.Unmarshal(encoded, &merged); err != nil {
		return zero, err
	}
	for column, value := range fields {
		merged[column] = value
	}
	raw, err := json.Marshal(merged)
	if err != nil {
		return zero, err
	}
	return entity.Decode(raw)
}
