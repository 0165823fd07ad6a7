// Package remote declares the contracts the synchronization layer consumes from the
// backend service: row queries, realtime channels and function calls.
package remote

import (
	"context"
	"encoding/json"
)

// Query performs owner-scoped row operations against the remote store.
// Rows travel as raw JSON objects and are decoded by the caller.
type Query interface {
	Select(ctx context.Context, table string, filter Filter) ([]json.RawMessage, error)
	Insert(ctx context.Context, table string, row any) (json.RawMessage, error)
	Update(ctx context.Context, table string, filter Filter, patch map[string]any) ([]json.RawMessage, error)
	Delete(ctx context.Context, table string, filter Filter) (int, error)
}

// EventType enumerates realtime change notifications.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// Valid reports whether the event type is one of the known kinds.
func (t EventType) Valid() bool {
	switch t {
	case EventInsert, EventUpdate, EventDelete:
		return true
	default:
		return false
	}
}

// Event is a single row change pushed by the realtime service.
type Event struct {
	Type  EventType       `json:"type"`
	Table string          `json:"table"`
	Row   json.RawMessage `json:"row,omitempty"`
	// OldID carries the identifier of a deleted row.
	OldID string `json:"old_id,omitempty"`
}

// RecordID returns the identifier the event refers to.
func (e Event) RecordID() string {
	if e.OldID != "" {
		return e.OldID
	}
	var envelope struct {
		ID string `json:"id"`
	}
	if len(e.Row) == 0 {
		return ""
	}
	if err := json.Unmarshal(e.Row, &envelope); err != nil {
		return ""
	}
	return envelope.ID
}

// ChannelSpec describes the rows a realtime channel delivers.
type ChannelSpec struct {
	Tables []string
	Filter Filter
}

// Channel is a live realtime subscription.
type Channel interface {
	// Events yields change notifications until the channel is closed.
	Events() <-chan Event
}

// Realtime opens and closes realtime channels.
type Realtime interface {
	OpenChannel(ctx context.Context, spec ChannelSpec) (Channel, error)
	CloseChannel(channel Channel) error
}

// Functions invokes named server-side functions. Calls are never retried.
type Functions interface {
	Invoke(ctx context.Context, name string, payload any) (json.RawMessage, error)
}
