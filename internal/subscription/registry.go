package subscription

import (
	"sync"

	"github.com/MarcoPoloResearchLab/planner/internal/remote"
	"go.uber.org/zap"
)

// Registry hands out the process-wide Manager of each entity type.
type Registry struct {
	realtime remote.Realtime
	logger   *zap.Logger

	mu       sync.Mutex
	managers map[string]*Manager
}

// NewRegistry constructs an empty registry over realtime.
func NewRegistry(realtime remote.Realtime, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		realtime: realtime,
		logger:   logger,
		managers: make(map[string]*Manager),
	}
}

// Manager returns the manager for entity, creating it over tables on first use.
// Later calls for the same entity ignore tables.
func (r *Registry) Manager(entity string, tables ...string) *Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	if manager, ok := r.managers[entity]; ok {
		return manager
	}
	manager := NewManager(ManagerConfig{
		Name:     entity,
		Tables:   tables,
		Realtime: r.realtime,
		Logger:   r.logger,
	})
	r.managers[entity] = manager
	return manager
}
