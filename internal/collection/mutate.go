package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"go.uber.org/zap"
)

// Create inserts a record for the current owner. An optimistic copy under a temporary
// id is visible until the server answers; it is replaced by the server row on success
// and removed on failure. A failing child insert after the parent was stored is
// returned alongside the created record.
func (c *Collection[R]) Create(ctx context.Context, req CreateRequest) (R, error) {
	var zero R
	name := c.entity.Name()
	owner, epoch, err := c.session(opCreate)
	if err != nil {
		return zero, err
	}
	if err := c.entity.Validate(req.Fields, true); err != nil {
		return zero, c.recordErrorIn(epoch, newError(name, opCreate, ErrValidationFailed, err))
	}

	row := make(map[string]any, len(req.Fields)+1)
	for column, value := range req.Fields {
		if column == columnID {
			continue
		}
		row[column] = value
	}
	row[columnUserID] = owner

	tempID := c.newTempID()
	draft := make(map[string]any, len(row)+1)
	for column, value := range row {
		draft[column] = value
	}
	draft[columnID] = tempID
	encodedDraft, err := json.Marshal(draft)
	if err != nil {
		return zero, c.recordErrorIn(epoch, newError(name, opCreate, ErrValidationFailed, err))
	}
	optimistic, err := c.entity.Decode(encodedDraft)
	if err != nil {
		return zero, c.recordErrorIn(epoch, newError(name, opCreate, ErrValidationFailed, err))
	}
	if !c.applyIn(epoch, func() { c.records = append(c.records, optimistic); c.mutations++ }) {
		return zero, newError(name, opCreate, ErrNotAuthenticated, errors.New("session changed"))
	}

	raw, err := c.query.Insert(ctx, c.entity.Table(), row)
	if err != nil {
		c.applyIn(epoch, func() { c.removeLocked(tempID) })
		c.logger.Warn("create failed", zap.Error(err))
		return zero, c.recordErrorIn(epoch, newError(name, opCreate, kindOf(err), err))
	}
	created, err := c.entity.Decode(raw)
	if err != nil {
		c.applyIn(epoch, func() { c.removeLocked(tempID) })
		return zero, c.recordErrorIn(epoch, newError(name, opCreate, ErrRemoteUnavailable, fmt.Errorf("malformed row: %w", err)))
	}
	id := c.entity.ID(created)

	var childErr error
	if spec, ok := c.entity.Child(); ok && len(req.Children) > 0 {
		childRows := make([]json.RawMessage, 0, len(req.Children))
		for _, fields := range req.Children {
			childRow := copyFields(fields)
			delete(childRow, columnID)
			childRow[spec.ParentColumn] = id
			childRaw, err := c.query.Insert(ctx, spec.Table, childRow)
			if err != nil {
				childErr = newError(name, opCreate, kindOf(err), fmt.Errorf("child insert: %w", err))
				break
			}
			childRows = append(childRows, childRaw)
		}
		if attached, err := c.entity.Attach([]R{created}, childRows); err == nil && len(attached) == 1 {
			created = attached[0]
		}
	}

	c.applyIn(epoch, func() { c.upsertLocked(tempID, created) })
	c.logger.Debug("record created", zap.String("id", id))
	if childErr != nil {
		c.recordErrorIn(epoch, childErr)
	}
	if c.strategy == StrategyReload {
		if err := c.Load(ctx); err != nil {
			c.logger.Warn("reload after create failed", zap.Error(err))
		}
	}
	return created, childErr
}

// Update applies req to the record with id owned by the current owner. The parent
// patch is shown optimistically and rolled back on failure, except that a record the
// store no longer has is dropped from the Snapshot. Children with an ID are
// updated, children without one are inserted, omitted children stay as they are.
// A child failure after the parent patch was stored is returned without rolling
// back the parent.
func (c *Collection[R]) Update(ctx context.Context, id string, req UpdateRequest) (R, error) {
	var zero R
	name := c.entity.Name()
	owner, epoch, err := c.session(opUpdate)
	if err != nil {
		return zero, err
	}
	if strings.TrimSpace(id) == "" || req.Empty() {
		return zero, c.recordErrorIn(epoch, newError(name, opUpdate, ErrValidationFailed, errors.New("id and changes required")))
	}
	if strings.HasPrefix(id, tempIDPrefix) {
		return zero, c.recordErrorIn(epoch, newError(name, opUpdate, ErrNotFound, errors.New("record not yet stored")))
	}
	if err := c.entity.Validate(req.Fields, false); err != nil {
		return zero, c.recordErrorIn(epoch, newError(name, opUpdate, ErrValidationFailed, err))
	}
	patch := copyFields(req.Fields)
	delete(patch, columnID)
	delete(patch, columnUserID)

	var (
		previous R
		local    bool
		ownerErr error
	)
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return zero, newError(name, opUpdate, ErrNotAuthenticated, errors.New("session changed"))
	}
	if index := c.indexOf(id); index >= 0 {
		previous = c.records[index]
		local = true
		if c.entity.Owner(previous) != owner {
			ownerErr = newError(name, opUpdate, ErrUnauthorized, nil)
		} else if len(patch) > 0 {
			if optimistic, err := mergeFields(c.entity, previous, patch); err == nil {
				c.records[index] = optimistic
				c.mutations++
			}
		}
	}
	if ownerErr == nil {
		c.pending[id]++
	}
	c.mu.Unlock()
	if ownerErr != nil {
		return zero, c.recordErrorIn(epoch, ownerErr)
	}
	c.notify()
	defer c.finishPending(epoch, id)

	rollback := func() {
		if local {
			c.applyIn(epoch, func() {
				if index := c.indexOf(id); index >= 0 {
					c.records[index] = previous
					c.mutations++
				}
			})
		}
	}
	// forget drops a record the store no longer has instead of restoring it.
	forget := func() {
		if local {
			c.applyIn(epoch, func() { c.removeLocked(id) })
		}
	}
	scope := remote.Where().Eq(columnID, id).Eq(columnUserID, owner)

	var merged R
	if len(patch) > 0 {
		rows, err := c.query.Update(ctx, c.entity.Table(), scope, patch)
		if err == nil && len(rows) == 0 {
			err = remote.NewError(remote.CodeNotFound, id)
		}
		if err != nil {
			kind := kindOf(err)
			if kind == ErrNotFound {
				forget()
			} else {
				rollback()
			}
			c.logger.Warn("update failed", zap.String("id", id), zap.Error(err))
			return zero, c.recordErrorIn(epoch, newError(name, opUpdate, kind, err))
		}
		decoded, err := c.entity.Decode(rows[0])
		if err != nil {
			rollback()
			return zero, c.recordErrorIn(epoch, newError(name, opUpdate, ErrRemoteUnavailable, fmt.Errorf("malformed row: %w", err)))
		}
		merged = decoded
		if local {
			merged = c.entity.CarryChildren(previous, merged)
		}
	} else {
		rows, err := c.query.Select(ctx, c.entity.Table(), scope)
		if err == nil && len(rows) == 0 {
			err = remote.NewError(remote.CodeNotFound, id)
		}
		if err != nil {
			kind := kindOf(err)
			if kind == ErrNotFound {
				forget()
			}
			return zero, c.recordErrorIn(epoch, newError(name, opUpdate, kind, err))
		}
		decoded, err := c.entity.Decode(rows[0])
		if err != nil {
			return zero, c.recordErrorIn(epoch, newError(name, opUpdate, ErrRemoteUnavailable, fmt.Errorf("malformed row: %w", err)))
		}
		merged = decoded
	}

	childErr := c.upsertChildren(ctx, id, req.Children)
	if _, ok := c.entity.Child(); ok && (len(req.Children) > 0 || !local) {
		if rows, err := c.children(ctx, id); err == nil {
			if attached, err := c.entity.Attach([]R{merged}, rows); err == nil && len(attached) == 1 {
				merged = attached[0]
			}
		} else if childErr == nil {
			c.logger.Warn("child refresh failed", zap.String("id", id), zap.Error(err))
		}
	}

	c.applyIn(epoch, func() { c.upsertLocked(id, merged) })
	if childErr != nil {
		c.recordErrorIn(epoch, childErr)
	}
	if c.strategy == StrategyReload {
		if err := c.Load(ctx); err != nil {
			c.logger.Warn("reload after update failed", zap.Error(err))
		}
	}
	return merged, childErr
}

func (c *Collection[R]) upsertChildren(ctx context.Context, parentID string, children []ChildUpsert) error {
	spec, ok := c.entity.Child()
	if !ok || len(children) == 0 {
		return nil
	}
	for _, child := range children {
		fields := copyFields(child.Fields)
		delete(fields, columnID)
		delete(fields, spec.ParentColumn)
		if child.ID == "" {
			fields[spec.ParentColumn] = parentID
			if _, err := c.query.Insert(ctx, spec.Table, fields); err != nil {
				return newError(c.entity.Name(), opUpdate, kindOf(err), fmt.Errorf("child insert: %w", err))
			}
			continue
		}
		if len(fields) == 0 {
			continue
		}
		scope := remote.Where().Eq(columnID, child.ID).Eq(spec.ParentColumn, parentID)
		rows, err := c.query.Update(ctx, spec.Table, scope, fields)
		if err == nil && len(rows) == 0 {
			err = remote.NewError(remote.CodeNotFound, child.ID)
		}
		if err != nil {
			return newError(c.entity.Name(), opUpdate, kindOf(err), fmt.Errorf("child %s: %w", child.ID, err))
		}
	}
	return nil
}

// Delete removes the record with id owned by the current owner. The record leaves the
// Snapshot once the remote store acknowledges; zero deleted rows yield ErrNotFound.
func (c *Collection[R]) Delete(ctx context.Context, id string) error {
	name := c.entity.Name()
	owner, epoch, err := c.session(opDelete)
	if err != nil {
		return err
	}
	if strings.TrimSpace(id) == "" {
		return c.recordErrorIn(epoch, newError(name, opDelete, ErrValidationFailed, errors.New("id required")))
	}
	if record, ok := c.Get(id); ok && c.entity.Owner(record) != owner {
		return c.recordErrorIn(epoch, newError(name, opDelete, ErrUnauthorized, nil))
	}

	deleted, err := c.query.Delete(ctx, c.entity.Table(), remote.Where().Eq(columnID, id).Eq(columnUserID, owner))
	if err != nil {
		c.logger.Warn("delete failed", zap.String("id", id), zap.Error(err))
		return c.recordErrorIn(epoch, newError(name, opDelete, kindOf(err), err))
	}
	c.applyIn(epoch, func() { c.removeLocked(id) })
	if deleted == 0 {
		return c.recordErrorIn(epoch, newError(name, opDelete, ErrNotFound, nil))
	}
	c.logger.Debug("record deleted", zap.String("id", id))
	return nil
}

// applyIn runs mutate under the lock when epoch is still current, then notifies.
func (c *Collection[R]) applyIn(epoch uint64, mutate func()) bool {
	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		return false
	}
	mutate()
	c.mu.Unlock()
	c.notify()
	return true
}

func (c *Collection[R]) finishPending(epoch uint64, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	if c.pending[id] <= 1 {
		delete(c.pending, id)
		return
	}
	c.pending[id]--
}

func copyFields(fields map[string]any) map[string]any {
	copied := make(map[string]any, len(fields))
	for column, value := range fields {
		copied[column] = value
	}
	return copied
}
