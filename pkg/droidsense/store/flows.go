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

type flowFile struct {
	Flows []*model.Flow `json:"flows"`
}

// FlowStore persists flows per device under
// config/flows/flows_<stable_id>.json.
type FlowStore struct {
	mu       sync.RWMutex
	flowsDir string
	resolver *identity.Resolver
	devices  map[string][]*model.Flow
}

// NewFlowStore creates a flow store over flowsDir.
func NewFlowStore(flowsDir string, resolver *identity.Resolver) *FlowStore {
	return &FlowStore{
		flowsDir: flowsDir,
		resolver: resolver,
		devices:  make(map[string][]*model.Flow),
	}
}

func (s *FlowStore) path(stableID string) string {
	return filepath.Join(s.flowsDir, "flows_"+util.SanitizeToken(stableID)+".json")
}

func (s *FlowStore) loadLocked(stableID string) []*model.Flow {
	if flows, ok := s.devices[stableID]; ok {
		return flows
	}
	var f flowFile
	if err := util.ReadJSON(s.path(stableID), &f); err != nil {
		if !os.IsNotExist(err) {
			util.WithDevice(stableID).Warnf("Failed to load flows: %v", err)
		}
		s.devices[stableID] = nil
		return nil
	}
	s.devices[stableID] = f.Flows
	return f.Flows
}

func (s *FlowStore) persistLocked(stableID string) {
	f := flowFile{Flows: s.devices[stableID]}
	if f.Flows == nil {
		f.Flows = []*model.Flow{}
	}
	if err := util.WriteJSONAtomic(s.path(stableID), f); err != nil {
		util.WithDevice(stableID).Warnf("Failed to persist flows: %v", err)
	}
}

// Add validates and stores a new flow.
func (s *FlowStore) Add(flow *model.Flow) error {
	stable := s.resolver.Resolve(flow.StableDeviceID)
	flow.StableDeviceID = stable
	flow.DeviceID = stable
	if err := flow.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	flows := s.loadLocked(stable)
	for _, existing := range flows {
		if existing.FlowID == flow.FlowID {
			return fmt.Errorf("flow %s: %w", flow.FlowID, util.ErrAlreadyExists)
		}
	}
	now := time.Now()
	flow.CreatedAt = now
	flow.UpdatedAt = now
	s.devices[stable] = append(flows, flow)
	s.persistLocked(stable)
	return nil
}

// Update replaces a stored flow.
func (s *FlowStore) Update(anyID string, flow *model.Flow) error {
	stable := s.resolver.Resolve(anyID)
	flow.StableDeviceID = stable
	flow.DeviceID = stable
	if err := flow.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	flows := s.loadLocked(stable)
	for i, existing := range flows {
		if existing.FlowID == flow.FlowID {
			flow.CreatedAt = existing.CreatedAt
			flow.UpdatedAt = time.Now()
			flows[i] = flow
			s.persistLocked(stable)
			return nil
		}
	}
	return util.NewNotFoundError("flow", flow.FlowID)
}

// Get returns a flow by id. The device may be identified by either face.
func (s *FlowStore) Get(anyID, flowID string) (*model.Flow, error) {
	stable := s.resolver.Resolve(anyID)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, flow := range s.loadLocked(stable) {
		if flow.FlowID == flowID {
			c := *flow
			return &c, nil
		}
	}
	return nil, util.NewNotFoundError("flow", flowID)
}

// Find looks a flow up by id across every device with a flows file loaded or
// on disk.
func (s *FlowStore) Find(flowID string) (*model.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for stable := range s.knownDevicesLocked() {
		for _, flow := range s.loadLocked(stable) {
			if flow.FlowID == flowID {
				c := *flow
				return &c, nil
			}
		}
	}
	return nil, util.NewNotFoundError("flow", flowID)
}

// knownDevicesLocked unions the cached devices with flow files on disk.
func (s *FlowStore) knownDevicesLocked() map[string]struct{} {
	known := make(map[string]struct{}, len(s.devices))
	for stable := range s.devices {
		known[stable] = struct{}{}
	}
	matches, err := filepath.Glob(filepath.Join(s.flowsDir, "flows_*.json"))
	if err != nil {
		return known
	}
	for _, m := range matches {
		base := filepath.Base(m)
		key := base[len("flows_") : len(base)-len(".json")]
		known[key] = struct{}{}
	}
	return known
}

// GetAll returns copies of every flow for a device.
func (s *FlowStore) GetAll(anyID string) []*model.Flow {
	stable := s.resolver.Resolve(anyID)

	s.mu.Lock()
	defer s.mu.Unlock()

	flows := s.loadLocked(stable)
	out := make([]*model.Flow, 0, len(flows))
	for _, flow := range flows {
		c := *flow
		out = append(out, &c)
	}
	return out
}

// Delete removes a flow.
func (s *FlowStore) Delete(anyID, flowID string) error {
	stable := s.resolver.Resolve(anyID)

	s.mu.Lock()
	defer s.mu.Unlock()

	flows := s.loadLocked(stable)
	for i, flow := range flows {
		if flow.FlowID == flowID {
			s.devices[stable] = append(flows[:i], flows[i+1:]...)
			s.persistLocked(stable)
			return nil
		}
	}
	return util.NewNotFoundError("flow", flowID)
}

// Invalidate drops the in-memory cache for a device.
func (s *FlowStore) Invalidate(anyID string) {
	stable := s.resolver.Resolve(anyID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, stable)
}
