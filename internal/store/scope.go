package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
)

var errForeignChannel = errors.New("channel does not belong to this scope")

// Scope binds a Store to one principal and satisfies the remote contracts in-process.
type Scope struct {
	store     *Store
	principal string
}

// As returns the view of the store seen by userID.
func (s *Store) As(userID string) *Scope {
	return &Scope{store: s, principal: userID}
}

// Principal returns the bound owner.
func (sc *Scope) Principal() string {
	return sc.principal
}

func (sc *Scope) Select(ctx context.Context, table string, filter remote.Filter) ([]json.RawMessage, error) {
	return sc.store.Select(ctx, sc.principal, table, filter)
}

func (sc *Scope) Insert(ctx context.Context, table string, row any) (json.RawMessage, error) {
	return sc.store.Insert(ctx, sc.principal, table, row)
}

func (sc *Scope) Update(ctx context.Context, table string, filter remote.Filter, patch map[string]any) ([]json.RawMessage, error) {
	return sc.store.Update(ctx, sc.principal, table, filter, patch)
}

func (sc *Scope) Delete(ctx context.Context, table string, filter remote.Filter) (int, error) {
	return sc.store.Delete(ctx, sc.principal, table, filter)
}

// OpenChannel subscribes to the principal's changes. A user_id filter naming another
// owner is rejected.
func (sc *Scope) OpenChannel(_ context.Context, spec remote.ChannelSpec) (remote.Channel, error) {
	if owner, ok := spec.Filter.Value(ColumnUserID); ok && owner != sc.principal {
		return nil, classify(remote.CodeForbidden, opChannel, reasonForbidden, errForeignRow)
	}
	channelCtx, cancel := context.WithCancel(context.Background())
	stream, cleanup, err := sc.store.Subscribe(channelCtx, sc.principal, spec.Tables)
	if err != nil {
		cancel()
		return nil, err
	}
	return &scopeChannel{scope: sc, events: stream, cleanup: cleanup, cancel: cancel}, nil
}

// CloseChannel stops delivery on a channel opened by this scope.
func (sc *Scope) CloseChannel(channel remote.Channel) error {
	typed, ok := channel.(*scopeChannel)
	if !ok || typed.scope.store != sc.store {
		return remote.WrapError(remote.CodeInvalid, errForeignChannel)
	}
	typed.close()
	return nil
}

type scopeChannel struct {
	scope   *Scope
	events  <-chan remote.Event
	cleanup func()
	cancel  context.CancelFunc
	once    sync.Once
}

func (c *scopeChannel) Events() <-chan remote.Event {
	return c.events
}

func (c *scopeChannel) close() {
	c.once.Do(func() {
		c.cleanup()
		c.cancel()
	})
}
