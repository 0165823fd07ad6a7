// Package collection keeps an owner-scoped, observable in-memory Snapshot of one
// entity type in step with the remote store and its realtime change feed.
package collection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"github.com/MarcoPoloResearchLab/planner/internal/session"
	"github.com/MarcoPoloResearchLab/planner/internal/subscription"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	defaultLoadAttempts = 3
	defaultRetryBackoff = 250 * time.Millisecond
	tempIDPrefix        = "tmp_"
	columnID            = "id"
	columnUserID        = "user_id"
	columnCreatedAt     = "created_at"
)

var errMissingQuery = errors.New("collection: query contract required")

// Config describes the dependencies of a Collection.
type Config[R any] struct {
	Entity Entity[R]
	Query  remote.Query
	// Subscriptions is optional; without it the collection never hears realtime events.
	Subscriptions *subscription.Manager
	Strategy      Strategy
	LoadAttempts  int
	RetryBackoff  time.Duration
	Logger        *zap.Logger
	// Sleep waits between load attempts; it returns early with ctx's error.
	Sleep func(ctx context.Context, d time.Duration) error
	// NewTempID names optimistic records until the server assigns their id.
	NewTempID func() string
}

// State is the observable status of a collection besides its records.
type State struct {
	Owner   string
	Loading bool
	Err     error
	// Generation is the sequence number of the last applied load.
	Generation uint64
}

// Collection is the Remote-Backed Reactive Collection of one entity type.
type Collection[R any] struct {
	entity        Entity[R]
	query         remote.Query
	subscriptions *subscription.Manager
	strategy      Strategy
	loadAttempts  int
	retryBackoff  time.Duration
	logger        *zap.Logger
	sleep         func(ctx context.Context, d time.Duration) error
	newTempID     func() string

	mu         sync.Mutex
	owner      string
	epoch      uint64
	records    []R
	err        error
	loading    int
	loadSeq    uint64
	appliedSeq uint64
	mutations  uint64
	pending    map[string]int
	lease      *subscription.Lease
	cancelWait context.CancelFunc
	closed     bool
	unbind     func()

	reloading   bool
	reloadDirty bool

	observersMu sync.Mutex
	observers   map[int64]*observer[R]
	nextObs     int64
	version     uint64
}

// observer delivers snapshots to one callback in version order. A snapshot that
// arrives while the callback runs, including one caused by the callback itself, is
// queued and only the newest queued snapshot is delivered next.
type observer[R any] struct {
	fn      func([]R)
	mu      sync.Mutex
	next    uint64
	queued  []R
	waiting bool
	running bool
}

func (o *observer[R]) deliver(version uint64, snapshot []R) {
	o.mu.Lock()
	if version < o.next {
		o.mu.Unlock()
		return
	}
	o.next = version + 1
	o.queued, o.waiting = snapshot, true
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	for o.waiting {
		current := o.queued
		o.queued, o.waiting = nil, false
		o.mu.Unlock()
		o.fn(current)
		o.mu.Lock()
	}
	o.running = false
	o.mu.Unlock()
}

// New constructs an inactive collection; it holds no owner until Bind or Activate.
func New[R any](cfg Config[R]) (*Collection[R], error) {
	if cfg.Entity == nil {
		return nil, errors.New("collection: entity binding required")
	}
	if cfg.Query == nil {
		return nil, errMissingQuery
	}
	attempts := cfg.LoadAttempts
	if attempts <= 0 {
		attempts = defaultLoadAttempts
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	newTempID := cfg.NewTempID
	if newTempID == nil {
		newTempID = func() string { return tempIDPrefix + ulid.Make().String() }
	}
	return &Collection[R]{
		entity:        cfg.Entity,
		query:         cfg.Query,
		subscriptions: cfg.Subscriptions,
		strategy:      cfg.Strategy,
		loadAttempts:  attempts,
		retryBackoff:  backoff,
		logger:        logger.With(zap.String("entity", cfg.Entity.Name())),
		sleep:         sleep,
		newTempID:     newTempID,
		pending:       make(map[string]int),
		observers:     make(map[int64]*observer[R]),
	}, nil
}

// Bind follows source: the collection activates for the current user, switches
// owner on sign-in of another user and clears itself on sign-out.
func (c *Collection[R]) Bind(ctx context.Context, source session.Source) error {
	cancel := source.OnChange(func(next *session.Session) {
		if next == nil {
			c.Deactivate()
			return
		}
		epoch, changed := c.beginSession(next.UserID)
		if !changed {
			return
		}
		go func() {
			if err := c.connect(context.Background(), epoch, next.UserID); err != nil {
				c.logger.Warn("activation failed", zap.String("user_id", next.UserID), zap.Error(err))
			}
		}()
	})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return newError(c.entity.Name(), opBind, ErrClosed, nil)
	}
	if c.unbind != nil {
		c.unbind()
	}
	c.unbind = cancel
	c.mu.Unlock()

	current := source.Current()
	if current == nil {
		c.Deactivate()
		return nil
	}
	return c.Activate(ctx, current.UserID)
}

// Activate scopes the collection to owner, opens its realtime lease and loads.
func (c *Collection[R]) Activate(ctx context.Context, owner string) error {
	if owner == "" {
		c.Deactivate()
		return c.recordError(newError(c.entity.Name(), opLoad, ErrNotAuthenticated, nil))
	}
	epoch, _ := c.beginSession(owner)
	return c.connect(ctx, epoch, owner)
}

// Deactivate drops the owner and clears the Snapshot.
func (c *Collection[R]) Deactivate() {
	c.beginSession("")
}

// beginSession switches the owner. Records of the previous owner never survive the
// switch and results of work started under the previous owner are discarded.
func (c *Collection[R]) beginSession(owner string) (uint64, bool) {
	c.mu.Lock()
	if c.closed {
		epoch := c.epoch
		c.mu.Unlock()
		return epoch, false
	}
	if c.owner == owner {
		epoch := c.epoch
		c.mu.Unlock()
		return epoch, false
	}
	previous := c.lease
	c.lease = nil
	wait := c.cancelWait
	c.cancelWait = nil
	c.epoch++
	c.owner = owner
	c.records = nil
	c.err = nil
	c.pending = make(map[string]int)
	epoch := c.epoch
	c.mu.Unlock()

	if wait != nil {
		wait()
	}
	if previous != nil {
		previous.Release()
	}
	if owner == "" {
		c.logger.Debug("collection deactivated")
	} else {
		c.logger.Debug("collection activated", zap.String("user_id", owner))
	}
	c.notify()
	return epoch, true
}

func (c *Collection[R]) connect(ctx context.Context, epoch uint64, owner string) error {
	if c.subscriptions != nil {
		lease, err := c.subscriptions.TryAcquire(ctx, owner)
		switch {
		case err == nil:
			c.adoptLease(lease, epoch)
		case errors.Is(err, subscription.ErrOwnerMismatch):
			// Collections still bound to the previous owner hold the channel until
			// their own session change reaches them.
			c.awaitLease(epoch, owner)
		default:
			// The collection stays usable without realtime; Load still reflects the store.
			c.logger.Warn("realtime lease unavailable", zap.Error(err))
		}
	}
	return c.Load(ctx)
}

// adoptLease installs lease for epoch, or releases it when the epoch moved on or a
// lease is already held.
func (c *Collection[R]) adoptLease(lease *subscription.Lease, epoch uint64) bool {
	c.mu.Lock()
	if c.closed || c.epoch != epoch || c.lease != nil {
		c.mu.Unlock()
		lease.Release()
		return false
	}
	c.lease = lease
	c.mu.Unlock()
	go c.consume(lease, epoch)
	return true
}

// awaitLease acquires the owner's channel in the background once the previous
// owner's channel drains. The wait ends with the epoch.
func (c *Collection[R]) awaitLease(epoch uint64, owner string) {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed || c.epoch != epoch {
		c.mu.Unlock()
		cancel()
		return
	}
	previous := c.cancelWait
	c.cancelWait = cancel
	c.mu.Unlock()
	if previous != nil {
		previous()
	}

	c.logger.Debug("waiting for realtime channel", zap.String("user_id", owner))
	go func() {
		defer cancel()
		lease, err := c.subscriptions.Acquire(ctx, owner)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("realtime lease unavailable", zap.Error(err))
			}
			return
		}
		if c.adoptLease(lease, epoch) {
			// Changes made while waiting produced no events for this collection.
			c.requestReload(epoch)
		}
	}()
}

// Close releases the realtime lease and the session binding. Later operations fail with ErrClosed.
func (c *Collection[R]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.epoch++
	lease := c.lease
	c.lease = nil
	wait := c.cancelWait
	c.cancelWait = nil
	unbind := c.unbind
	c.unbind = nil
	c.mu.Unlock()

	if unbind != nil {
		unbind()
	}
	if wait != nil {
		wait()
	}
	if lease != nil {
		lease.Release()
	}
	c.observersMu.Lock()
	c.observers = make(map[int64]*observer[R])
	c.observersMu.Unlock()
}

// Snapshot returns the current records in load order. The returned slice is a copy;
// child slices inside records are shared and must be treated as read-only.
func (c *Collection[R]) Snapshot() []R {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]R(nil), c.records...)
}

// Get returns the record with id from the Snapshot.
func (c *Collection[R]) Get(id string) (R, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index := c.indexOf(id); index >= 0 {
		return c.records[index], true
	}
	var zero R
	return zero, false
}

// State reports the owner, the loading flag, the last recorded error and the load generation.
func (c *Collection[R]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{Owner: c.owner, Loading: c.loading > 0, Err: c.err, Generation: c.appliedSeq}
}

// DismissError clears the recorded error.
func (c *Collection[R]) DismissError() {
	c.mu.Lock()
	c.err = nil
	c.mu.Unlock()
}

// Observe registers fn to receive the Snapshot after every change, starting with
// the current one. The returned function cancels the registration. fn runs without
// any collection lock held and may call back into the collection.
func (c *Collection[R]) Observe(fn func([]R)) func() {
	registered := &observer[R]{fn: fn}
	c.observersMu.Lock()
	c.nextObs++
	id := c.nextObs
	c.observers[id] = registered
	version, snapshot := c.snapshotVersion()
	c.observersMu.Unlock()

	registered.deliver(version, snapshot)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.observersMu.Lock()
			delete(c.observers, id)
			c.observersMu.Unlock()
		})
	}
}

// notify delivers the latest Snapshot. Every delivery carries a version taken with
// the snapshot, and an observer skips versions older than one it already saw, so the
// last snapshot an observer receives is always the newest state.
func (c *Collection[R]) notify() {
	c.observersMu.Lock()
	c.version++
	if len(c.observers) == 0 {
		c.observersMu.Unlock()
		return
	}
	observers := make([]*observer[R], 0, len(c.observers))
	for _, registered := range c.observers {
		observers = append(observers, registered)
	}
	version, snapshot := c.snapshotVersion()
	c.observersMu.Unlock()

	for _, registered := range observers {
		registered.deliver(version, snapshot)
	}
}

// snapshotVersion pairs the current version with a Snapshot; observersMu must be held.
func (c *Collection[R]) snapshotVersion() (uint64, []R) {
	return c.version, c.Snapshot()
}

func (c *Collection[R]) indexOf(id string) int {
	for index := range c.records {
		if c.entity.ID(c.records[index]) == id {
			return index
		}
	}
	return -1
}

// upsertLocked replaces the record with id (or oldID) or appends record.
func (c *Collection[R]) upsertLocked(oldID string, record R) {
	id := c.entity.ID(record)
	index := c.indexOf(oldID)
	if index < 0 {
		index = c.indexOf(id)
	}
	if index < 0 {
		c.records = append(c.records, record)
	} else {
		c.records[index] = record
	}
	// A concurrent load may already have brought in the server copy under its real id.
	if oldID != id {
		c.removeDuplicatesLocked(id)
	}
	c.mutations++
}

func (c *Collection[R]) removeDuplicatesLocked(id string) {
	seen := false
	kept := c.records[:0]
	for _, record := range c.records {
		if c.entity.ID(record) == id {
			if seen {
				continue
			}
			seen = true
		}
		kept = append(kept, record)
	}
	c.records = kept
}

func (c *Collection[R]) removeLocked(id string) bool {
	index := c.indexOf(id)
	if index < 0 {
		return false
	}
	c.records = append(c.records[:index:index], c.records[index+1:]...)
	c.mutations++
	return true
}

// session returns the owner and epoch, or ErrNotAuthenticated / ErrClosed.
func (c *Collection[R]) session(op string) (string, uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", 0, newError(c.entity.Name(), op, ErrClosed, nil)
	}
	if c.owner == "" {
		err := newError(c.entity.Name(), op, ErrNotAuthenticated, nil)
		c.err = err
		return "", 0, err
	}
	return c.owner, c.epoch, nil
}

func (c *Collection[R]) recordError(err error) error {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	return err
}

// recordErrorIn records err only while epoch is current.
func (c *Collection[R]) recordErrorIn(epoch uint64, err error) error {
	c.mu.Lock()
	if c.epoch == epoch {
		c.err = err
	}
	c.mu.Unlock()
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
