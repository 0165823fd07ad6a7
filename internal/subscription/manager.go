// Package subscription shares one realtime channel per entity type among every
// collection observing it.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"go.uber.org/zap"
)

const (
	defaultLeaseBuffer = 32
	columnUserID       = "user_id"
)

var (
	// ErrOwnerMismatch indicates an acquire for an owner other than the one the open channel serves.
	ErrOwnerMismatch = errors.New("subscription: channel is held for another owner")
	// ErrMissingOwner indicates an acquire without an owner.
	ErrMissingOwner = errors.New("subscription: owner required")
)

// ManagerConfig describes one entity type's channel.
type ManagerConfig struct {
	Name        string
	Tables      []string
	Realtime    remote.Realtime
	LeaseBuffer int
	Logger      *zap.Logger
}

// Manager reference-counts the single realtime channel of an entity type. The channel
// opens on the first Acquire and closes when the last Lease is released.
type Manager struct {
	name        string
	tables      []string
	realtime    remote.Realtime
	leaseBuffer int
	logger      *zap.Logger

	mu      sync.Mutex
	channel remote.Channel
	owner   string
	leases  map[int64]*Lease
	nextID  int64
	opened  int
	drained chan struct{}
}

// NewManager constructs a Manager with no open channel.
func NewManager(cfg ManagerConfig) *Manager {
	buffer := cfg.LeaseBuffer
	if buffer <= 0 {
		buffer = defaultLeaseBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		name:        cfg.Name,
		tables:      append([]string(nil), cfg.Tables...),
		realtime:    cfg.Realtime,
		leaseBuffer: buffer,
		logger:      logger,
		leases:      make(map[int64]*Lease),
	}
}

// Acquire returns a lease on the owner's channel, opening it when none is open.
// While another owner's channel is still open it waits for that channel to drain,
// returning ErrOwnerMismatch if ctx ends first.
func (m *Manager) Acquire(ctx context.Context, owner string) (*Lease, error) {
	if owner == "" {
		return nil, ErrMissingOwner
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.channel != nil && m.owner != owner {
		drained := m.drained
		m.mu.Unlock()
		select {
		case <-drained:
			m.mu.Lock()
		case <-ctx.Done():
			m.mu.Lock()
			return nil, fmt.Errorf("%w: %s: %w", ErrOwnerMismatch, m.name, ctx.Err())
		}
	}
	return m.acquireLocked(ctx, owner)
}

// TryAcquire is Acquire without waiting: it fails with ErrOwnerMismatch at once
// while another owner's channel is open.
func (m *Manager) TryAcquire(ctx context.Context, owner string) (*Lease, error) {
	if owner == "" {
		return nil, ErrMissingOwner
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channel != nil && m.owner != owner {
		return nil, fmt.Errorf("%w: %s", ErrOwnerMismatch, m.name)
	}
	return m.acquireLocked(ctx, owner)
}

func (m *Manager) acquireLocked(ctx context.Context, owner string) (*Lease, error) {
	if m.channel == nil {
		channel, err := m.realtime.OpenChannel(ctx, remote.ChannelSpec{
			Tables: m.tables,
			Filter: remote.Where().Eq(columnUserID, owner),
		})
		if err != nil {
			m.logger.Warn("realtime channel open failed", zap.String("entity", m.name), zap.Error(err))
			return nil, err
		}
		m.channel = channel
		m.owner = owner
		m.opened++
		m.drained = make(chan struct{})
		go m.pump(channel)
		m.logger.Debug("realtime channel opened", zap.String("entity", m.name), zap.String("user_id", owner))
	}

	m.nextID++
	lease := &Lease{
		id:      m.nextID,
		manager: m,
		owner:   owner,
		events:  make(chan remote.Event, m.leaseBuffer),
	}
	m.leases[lease.id] = lease
	return lease, nil
}

// dropChannelLocked forgets the open channel and wakes acquirers waiting for it.
func (m *Manager) dropChannelLocked() {
	m.channel = nil
	m.owner = ""
	if m.drained != nil {
		close(m.drained)
		m.drained = nil
	}
}

// Refs reports the number of live leases.
func (m *Manager) Refs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leases)
}

// Open reports whether the channel is currently open.
func (m *Manager) Open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel != nil
}

// Opened reports how many times a channel has been opened over the manager's lifetime.
func (m *Manager) Opened() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}

func (m *Manager) release(lease *Lease) {
	m.mu.Lock()
	if _, ok := m.leases[lease.id]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.leases, lease.id)
	close(lease.events)
	var closing remote.Channel
	if len(m.leases) == 0 && m.channel != nil {
		closing = m.channel
		m.dropChannelLocked()
	}
	m.mu.Unlock()

	if closing == nil {
		return
	}
	if err := m.realtime.CloseChannel(closing); err != nil {
		m.logger.Warn("realtime channel close failed", zap.String("entity", m.name), zap.Error(err))
		return
	}
	m.logger.Debug("realtime channel closed", zap.String("entity", m.name))
}

// pump fans channel events out to the leases; a lease whose buffer is full drops the event.
func (m *Manager) pump(channel remote.Channel) {
	for event := range channel.Events() {
		m.mu.Lock()
		if m.channel != channel {
			m.mu.Unlock()
			continue
		}
		for _, lease := range m.leases {
			select {
			case lease.events <- event:
			default:
				m.logger.Warn("realtime event dropped", zap.String("entity", m.name), zap.String("table", event.Table))
			}
		}
		m.mu.Unlock()
	}
	m.mu.Lock()
	if m.channel == channel {
		m.logger.Warn("realtime channel ended unexpectedly", zap.String("entity", m.name))
		m.dropChannelLocked()
	}
	m.mu.Unlock()
}

// Lease is one observer's share of a channel.
type Lease struct {
	id      int64
	manager *Manager
	owner   string
	events  chan remote.Event
	once    sync.Once
}

// Events yields the channel's events until the lease is released.
func (l *Lease) Events() <-chan remote.Event {
	return l.events
}

// Owner returns the owner the channel is filtered to.
func (l *Lease) Owner() string {
	return l.owner
}

// Release gives the lease back. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.manager.release(l)
	})
}
