package collection

import (
	"context"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"github.com/MarcoPoloResearchLab/planner/internal/subscription"
	"go.uber.org/zap"
)

func (c *Collection[R]) consume(lease *subscription.Lease, epoch uint64) {
	for event := range lease.Events() {
		c.handleEvent(epoch, event)
	}
}

// handleEvent folds one realtime event into the Snapshot. Events about a record with
// a local update in flight are ignored; the update's own result wins. A delete of a
// known record removes it, a delete of an unknown record is a no-op, and any other
// change triggers a coalesced reload.
func (c *Collection[R]) handleEvent(epoch uint64, event remote.Event) {
	if !event.Type.Valid() {
		c.logger.Warn("ignoring realtime event", zap.String("type", string(event.Type)))
		return
	}
	parentID, isParent := c.parentOf(event)

	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	if parentID != "" && c.pending[parentID] > 0 {
		c.mu.Unlock()
		c.logger.Debug("ignoring realtime event during local update", zap.String("id", parentID))
		return
	}
	if isParent && event.Type == remote.EventDelete {
		removed := c.removeLocked(parentID)
		c.mu.Unlock()
		if removed {
			c.notify()
		}
		return
	}
	c.mu.Unlock()
	c.requestReload(epoch)
}

// parentOf returns the parent record id an event concerns and whether the event is
// about the parent table itself.
func (c *Collection[R]) parentOf(event remote.Event) (string, bool) {
	if event.Table == c.entity.Table() {
		return event.RecordID(), true
	}
	spec, ok := c.entity.Child()
	if !ok || event.Table != spec.Table || len(event.Row) == 0 {
		return "", false
	}
	var row map[string]any
	if err := json.Unmarshal(event.Row, &row); err != nil {
		return "", false
	}
	parentID, _ := row[spec.ParentColumn].(string)
	return parentID, false
}

// requestReload starts a background load, or marks one as needed when a load started
// by events is already running.
func (c *Collection[R]) requestReload(epoch uint64) {
	c.mu.Lock()
	if c.reloading {
		c.reloadDirty = true
		c.mu.Unlock()
		return
	}
	c.reloading = true
	c.mu.Unlock()

	go func() {
		for {
			c.mu.Lock()
			current := !c.closed && c.epoch == epoch
			c.mu.Unlock()
			if current {
				if err := c.Load(context.Background()); err != nil {
					c.logger.Warn("realtime reload failed", zap.Error(err))
				}
			}
			c.mu.Lock()
			if !c.reloadDirty || !current {
				c.reloading = false
				c.reloadDirty = false
				c.mu.Unlock()
				return
			}
			c.reloadDirty = false
			c.mu.Unlock()
		}
	}()
}
