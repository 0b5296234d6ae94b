// Package identity owns the mapping between volatile connection ids
// (host:port, USB serial) and stable hardware serials. Every persisted
// artifact is keyed by stable id; every transport call uses the currently
// bound connection id. The resolver is the only component that crosses the
// two.
package identity

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/util"
)

// MapFileName is the resolver's persistence file under the data dir.
const MapFileName = "device_identity_map.json"

// Metadata carries optional device details captured at registration.
type Metadata struct {
	Model        string `json:"model,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
}

// RegisterResult reports what Register changed.
type RegisterResult struct {
	IsNew              bool
	Rebinding          bool
	PreviousConnection string
}

type mapFile struct {
	Devices     map[string]*model.Device `json:"devices"`
	Connections map[string]string        `json:"connections"`
	Legacy      map[string]string        `json:"legacy,omitempty"`
}

// Resolver maps connection ids to stable ids and back. In-memory state is
// authoritative; persistence failures are logged and never surfaced.
type Resolver struct {
	mu   sync.RWMutex
	path string

	devices     map[string]*model.Device // stable id -> device record
	connections map[string]string        // connection id -> stable id
	legacy      map[string]string        // legacy alias -> stable id
}

// NewResolver creates a resolver persisting to dataDir, loading any existing
// map file.
func NewResolver(dataDir string) *Resolver {
	r := &Resolver{
		path:        filepath.Join(dataDir, MapFileName),
		devices:     make(map[string]*model.Device),
		connections: make(map[string]string),
		legacy:      make(map[string]string),
	}
	r.load()
	return r
}

func (r *Resolver) load() {
	var f mapFile
	if err := util.ReadJSON(r.path, &f); err != nil {
		if !os.IsNotExist(err) {
			util.Warnf("Failed to load identity map %s: %v", r.path, err)
		}
		return
	}
	if f.Devices != nil {
		r.devices = f.Devices
	}
	if f.Connections != nil {
		r.connections = f.Connections
	}
	if f.Legacy != nil {
		r.legacy = f.Legacy
	}
}

// persist writes the map file atomically. Called with the write lock held.
func (r *Resolver) persist() {
	f := mapFile{
		Devices:     r.devices,
		Connections: r.connections,
		Legacy:      r.legacy,
	}
	if err := util.WriteJSONAtomic(r.path, f); err != nil {
		util.Warnf("Failed to persist identity map: %v", err)
	}
}

// Register binds connID to stableID, recording metadata and connection
// history. Returns whether the device is new and whether this is a rebinding
// to a different transport address.
func (r *Resolver) Register(connID, stableID string, meta Metadata) RegisterResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result RegisterResult
	dev, exists := r.devices[stableID]
	if !exists {
		dev = &model.Device{
			StableID: stableID,
			State:    model.DeviceOnline,
		}
		r.devices[stableID] = dev
		result.IsNew = true
	} else if dev.CurrentConnection != "" && dev.CurrentConnection != connID {
		result.Rebinding = true
		result.PreviousConnection = dev.CurrentConnection
		delete(r.connections, dev.CurrentConnection)
	}

	dev.CurrentConnection = connID
	dev.LastSeen = time.Now()
	if meta.Model != "" {
		dev.Model = meta.Model
	}
	if meta.Manufacturer != "" {
		dev.Manufacturer = meta.Manufacturer
	}
	if n := len(dev.ConnectionHistory); n == 0 || dev.ConnectionHistory[n-1] != connID {
		dev.ConnectionHistory = append(dev.ConnectionHistory, connID)
		if len(dev.ConnectionHistory) > model.ConnectionHistoryLimit {
			dev.ConnectionHistory = dev.ConnectionHistory[len(dev.ConnectionHistory)-model.ConnectionHistoryLimit:]
		}
	}
	r.connections[connID] = stableID

	r.persist()

	util.WithDevice(stableID).WithField("connection", connID).
		Debugf("Registered (new=%v rebinding=%v)", result.IsNew, result.Rebinding)
	return result
}

// Resolve accepts either face of a device id and returns the stable id.
// Unknown ids are returned verbatim, not rejected.
func (r *Resolver) Resolve(anyID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveLocked(anyID)
}

func (r *Resolver) resolveLocked(anyID string) string {
	if _, ok := r.devices[anyID]; ok {
		return anyID
	}
	if stable, ok := r.connections[anyID]; ok {
		return stable
	}
	if stable, ok := r.legacy[anyID]; ok {
		return stable
	}
	return anyID
}

// GetConnection returns the current connection id for a stable id.
func (r *Resolver) GetConnection(stableID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[stableID]
	if !ok || dev.CurrentConnection == "" {
		return "", false
	}
	return dev.CurrentConnection, true
}

// GetStable returns the stable id bound to a connection id.
func (r *Resolver) GetStable(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stable, ok := r.connections[connID]
	return stable, ok
}

// GetDevice returns a copy of the tracked device record.
func (r *Resolver) GetDevice(anyID string) (model.Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[r.resolveLocked(anyID)]
	if !ok {
		return model.Device{}, false
	}
	return *dev, true
}

// Devices returns copies of all tracked device records.
func (r *Resolver) Devices() []model.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, *dev)
	}
	return out
}

// SetState updates a device's tracked connection state. Online transitions
// refresh last_seen.
func (r *Resolver) SetState(anyID string, state model.DeviceState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[r.resolveLocked(anyID)]
	if !ok {
		return
	}
	dev.State = state
	if state == model.DeviceOnline {
		dev.LastSeen = time.Now()
	}
	r.persist()
}

// RegisterLegacy records a one-way alias from a historic artifact id to a
// stable id. Used by the migration tool.
func (r *Resolver) RegisterLegacy(legacyID, stableID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.legacy[legacyID] = stableID
	r.persist()
}

// SanitizeForFilename resolves to the stable id, then replaces every
// character outside [A-Za-z0-9_-] with '_'.
func (r *Resolver) SanitizeForFilename(anyID string) string {
	return util.SanitizeToken(r.Resolve(anyID))
}

// SanitizeForTopic resolves to the stable id, then sanitizes for use as a
// broker topic segment.
func (r *Resolver) SanitizeForTopic(anyID string) string {
	return util.SanitizeToken(r.Resolve(anyID))
}

// Forget removes all mappings and metadata for the resolved stable id.
func (r *Resolver) Forget(anyID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stable := r.resolveLocked(anyID)
	delete(r.devices, stable)
	for conn, s := range r.connections {
		if s == stable {
			delete(r.connections, conn)
		}
	}
	for legacy, s := range r.legacy {
		if s == stable {
			delete(r.legacy, legacy)
		}
	}
	r.persist()
}
