package bridge

import (
	"sort"
	"sync"

	"github.com/wudi/fabric/internal/errors"
	"github.com/wudi/fabric/internal/model"
)

// ConfigStore holds bridge configs with optimistic-concurrency writes. A
// write must carry the store's current revision; the stored record gets
// revision+1. A fresh id starts from revision 0 and is stored at 1.
type ConfigStore struct {
	mu      sync.RWMutex
	configs map[string]*model.BridgeConfig
}

// NewConfigStore creates an empty config store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{configs: make(map[string]*model.BridgeConfig)}
}

// Put writes a bridge config guarded by revision.
func (s *ConfigStore) Put(cfg model.BridgeConfig) (*model.BridgeConfig, error) {
	if cfg.ID == "" {
		return nil, errors.Newf(errors.ReasonInvalidRequest, "bridge config requires id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if existing, ok := s.configs[cfg.ID]; ok {
		current = existing.Revision
	}
	if cfg.Revision != current {
		return nil, &errors.RevisionConflict{Expected: current, Actual: current}
	}

	stored := cfg
	stored.Revision = current + 1
	s.configs[cfg.ID] = &stored
	return &stored, nil
}

// Get returns the config for a bridge id.
func (s *ConfigStore) Get(id string) (*model.BridgeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return cfg, nil
}

// List returns configs ordered by id. enabled filters when non-nil.
func (s *ConfigStore) List(enabled *bool) []*model.BridgeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.BridgeConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		if enabled != nil && cfg.Enabled != *enabled {
			continue
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Delete removes a config.
func (s *ConfigStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[id]; !ok {
		return errors.ErrNotFound
	}
	delete(s.configs, id)
	return nil
}

// Known reports whether a bridge id has a config. Used for routing policy
// topology validation.
func (s *ConfigStore) Known(id string) bool {
	s.mu.RLock()
	_, ok := s.configs[id]
	s.mu.RUnlock()
	return ok
}
