package collection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"go.uber.org/zap"
)

// staleRefetchLimit bounds how often a load refetches because a local write landed
// while it was in flight.
const staleRefetchLimit = 3

// Load replaces the Snapshot with the owner's records and their children, ordered by
// creation time. Transient failures are retried with linear backoff. When loads
// overlap, a result is applied only if no later-started load has been applied.
func (c *Collection[R]) Load(ctx context.Context) error {
	owner, epoch, err := c.session(opLoad)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.loadSeq++
	seq := c.loadSeq
	startMutations := c.mutations
	c.loading++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.loading--
		c.mu.Unlock()
	}()

	for refetch := 0; ; refetch++ {
		records, fetchErr := c.fetchWithRetry(ctx, owner)

		c.mu.Lock()
		if c.closed || c.epoch != epoch {
			c.mu.Unlock()
			c.logger.Debug("load result discarded after session change", zap.String("user_id", owner))
			return nil
		}
		if fetchErr != nil {
			c.err = fetchErr
			c.mu.Unlock()
			c.notify()
			return fetchErr
		}
		if seq < c.appliedSeq {
			c.mu.Unlock()
			c.logger.Debug("load result superseded", zap.Uint64("seq", seq))
			return nil
		}
		if c.mutations != startMutations && refetch < staleRefetchLimit {
			startMutations = c.mutations
			c.mu.Unlock()
			continue
		}
		c.appliedSeq = seq
		c.records = records
		c.err = nil
		c.mu.Unlock()
		c.notify()
		return nil
	}
}

func (c *Collection[R]) fetchWithRetry(ctx context.Context, owner string) ([]R, error) {
	var (
		lastErr error
		typed   *Error
	)
	for attempt := 1; attempt <= c.loadAttempts; attempt++ {
		records, err := c.fetch(ctx, owner)
		if err == nil {
			return records, nil
		}
		lastErr = err
		if errors.As(err, &typed) || !remote.IsTransient(err) || attempt == c.loadAttempts {
			break
		}
		c.logger.Warn("load attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		if sleepErr := c.sleep(ctx, time.Duration(attempt)*c.retryBackoff); sleepErr != nil {
			lastErr = sleepErr
			break
		}
	}
	if errors.As(lastErr, &typed) {
		return nil, typed
	}
	c.logger.Error("load failed", zap.Error(lastErr))
	return nil, newError(c.entity.Name(), opLoad, kindOf(lastErr), lastErr)
}

// fetch reads parents then, when the entity has children, all their children in one query.
func (c *Collection[R]) fetch(ctx context.Context, owner string) ([]R, error) {
	filter := remote.Where().Eq(columnUserID, owner).Order(columnCreatedAt, true)
	rows, err := c.query.Select(ctx, c.entity.Table(), filter)
	if err != nil {
		return nil, err
	}
	records := make([]R, 0, len(rows))
	ids := make([]string, 0, len(rows))
	seen := make(map[string]bool, len(rows))
	for _, row := range rows {
		record, err := c.entity.Decode(row)
		if err != nil {
			return nil, newError(c.entity.Name(), opLoad, ErrRemoteUnavailable, fmt.Errorf("malformed row: %w", err))
		}
		id := c.entity.ID(record)
		if seen[id] {
			continue
		}
		if c.entity.Owner(record) != owner {
			c.logger.Warn("dropping row of another owner", zap.String("id", id))
			continue
		}
		seen[id] = true
		records = append(records, record)
		ids = append(ids, id)
	}

	spec, ok := c.entity.Child()
	if !ok || len(ids) == 0 {
		return records, nil
	}
	children, err := c.query.Select(ctx, spec.Table, remote.Where().In(spec.ParentColumn, ids...).Order(columnCreatedAt, true))
	if err != nil {
		return nil, err
	}
	attached, err := c.entity.Attach(records, children)
	if err != nil {
		return nil, newError(c.entity.Name(), opLoad, ErrRemoteUnavailable, fmt.Errorf("malformed child row: %w", err))
	}
	return attached, nil
}

// children fetches the child rows of one parent.
func (c *Collection[R]) children(ctx context.Context, parentID string) ([]json.RawMessage, error) {
	spec, ok := c.entity.Child()
	if !ok {
		return nil, nil
	}
	return c.query.Select(ctx, spec.Table, remote.Where().Eq(spec.ParentColumn, parentID).Order(columnCreatedAt, true))
}
