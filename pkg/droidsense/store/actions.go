package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/droidsense/droidsense/pkg/droidsense/identity"
	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/util"
)

type actionFile struct {
	Actions []*model.Action `json:"actions"`
}

// ActionStore persists actions per device under
// data/actions_<stable_id>.json.
type ActionStore struct {
	mu       sync.RWMutex
	dataDir  string
	resolver *identity.Resolver
	devices  map[string][]*model.Action
}

// NewActionStore creates an action store over dataDir.
func NewActionStore(dataDir string, resolver *identity.Resolver) *ActionStore {
	return &ActionStore{
		dataDir:  dataDir,
		resolver: resolver,
		devices:  make(map[string][]*model.Action),
	}
}

func (s *ActionStore) path(stableID string) string {
	return filepath.Join(s.dataDir, "actions_"+util.SanitizeToken(stableID)+".json")
}

func (s *ActionStore) loadLocked(stableID string) []*model.Action {
	if actions, ok := s.devices[stableID]; ok {
		return actions
	}
	var f actionFile
	if err := util.ReadJSON(s.path(stableID), &f); err != nil {
		if !os.IsNotExist(err) {
			util.WithDevice(stableID).Warnf("Failed to load actions: %v", err)
		}
		s.devices[stableID] = nil
		return nil
	}
	s.devices[stableID] = f.Actions
	return f.Actions
}

func (s *ActionStore) persistLocked(stableID string) {
	f := actionFile{Actions: s.devices[stableID]}
	if f.Actions == nil {
		f.Actions = []*model.Action{}
	}
	if err := util.WriteJSONAtomic(s.path(stableID), f); err != nil {
		util.WithDevice(stableID).Warnf("Failed to persist actions: %v", err)
	}
}

// Add validates and stores a new action.
func (s *ActionStore) Add(action *model.Action) error {
	stable := s.resolver.Resolve(action.StableDeviceID)
	action.StableDeviceID = stable
	action.DeviceID = stable
	if err := action.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	actions := s.loadLocked(stable)
	for _, existing := range actions {
		if existing.ActionID == action.ActionID {
			return fmt.Errorf("action %s: %w", action.ActionID, util.ErrAlreadyExists)
		}
	}
	now := time.Now()
	action.CreatedAt = now
	action.UpdatedAt = now
	s.devices[stable] = append(actions, action)
	s.persistLocked(stable)
	return nil
}

// Update replaces a stored action.
func (s *ActionStore) Update(anyID string, action *model.Action) error {
	stable := s.resolver.Resolve(anyID)
	action.StableDeviceID = stable
	action.DeviceID = stable
	if err := action.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	actions := s.loadLocked(stable)
	for i, existing := range actions {
		if existing.ActionID == action.ActionID {
			action.CreatedAt = existing.CreatedAt
			action.ExecutionCount = existing.ExecutionCount
			action.UpdatedAt = time.Now()
			actions[i] = action
			s.persistLocked(stable)
			return nil
		}
	}
	return util.NewNotFoundError("action", action.ActionID)
}

// Get returns an action by id.
func (s *ActionStore) Get(anyID, actionID string) (*model.Action, error) {
	stable := s.resolver.Resolve(anyID)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, action := range s.loadLocked(stable) {
		if action.ActionID == actionID {
			c := *action
			return &c, nil
		}
	}
	return nil, util.NewNotFoundError("action", actionID)
}

// GetAll returns copies of every action for a device.
func (s *ActionStore) GetAll(anyID string) []*model.Action {
	stable := s.resolver.Resolve(anyID)

	s.mu.Lock()
	defer s.mu.Unlock()

	actions := s.loadLocked(stable)
	out := make([]*model.Action, 0, len(actions))
	for _, action := range actions {
		c := *action
		out = append(out, &c)
	}
	return out
}

// Delete removes an action.
func (s *ActionStore) Delete(anyID, actionID string) error {
	stable := s.resolver.Resolve(anyID)

	s.mu.Lock()
	defer s.mu.Unlock()

	actions := s.loadLocked(stable)
	for i, action := range actions {
		if action.ActionID == actionID {
			s.devices[stable] = append(actions[:i], actions[i+1:]...)
			s.persistLocked(stable)
			return nil
		}
	}
	return util.NewNotFoundError("action", actionID)
}

// RecordExecution updates an action's execution counters after a run.
func (s *ActionStore) RecordExecution(anyID, actionID, result string) {
	stable := s.resolver.Resolve(anyID)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, action := range s.loadLocked(stable) {
		if action.ActionID == actionID {
			action.ExecutionCount++
			action.LastResult = result
			s.persistLocked(stable)
			return
		}
	}
}

// Invalidate drops the in-memory cache for a device.
func (s *ActionStore) Invalidate(anyID string) {
	stable := s.resolver.Resolve(anyID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, stable)
}
