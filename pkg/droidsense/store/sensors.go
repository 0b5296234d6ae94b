// Package store holds the process-wide persistent stores for sensors,
// actions, flows, and flow history. Every file is keyed by the sanitized
// stable device id and written write-through with atomic renames.
// Persistence failures are logged; in-memory state stays authoritative.
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

type sensorFile struct {
	DeviceID string          `json:"device_id"`
	Sensors  []*model.Sensor `json:"sensors"`
}

// SensorStore persists sensors per device under
// data/sensors_<stable_id>.json.
type SensorStore struct {
	mu       sync.RWMutex
	dataDir  string
	resolver *identity.Resolver
	devices  map[string][]*model.Sensor // stable id -> sensors
}

// NewSensorStore creates a sensor store over dataDir, lazily loading device
// files on first access.
func NewSensorStore(dataDir string, resolver *identity.Resolver) *SensorStore {
	return &SensorStore{
		dataDir:  dataDir,
		resolver: resolver,
		devices:  make(map[string][]*model.Sensor),
	}
}

func (s *SensorStore) path(stableID string) string {
	return filepath.Join(s.dataDir, "sensors_"+util.SanitizeToken(stableID)+".json")
}

// loadLocked reads the device file if not yet cached. Called with the write
// lock held.
func (s *SensorStore) loadLocked(stableID string) []*model.Sensor {
	if sensors, ok := s.devices[stableID]; ok {
		return sensors
	}
	var f sensorFile
	if err := util.ReadJSON(s.path(stableID), &f); err != nil {
		if !os.IsNotExist(err) {
			util.WithDevice(stableID).Warnf("Failed to load sensors: %v", err)
		}
		s.devices[stableID] = nil
		return nil
	}
	s.devices[stableID] = f.Sensors
	return f.Sensors
}

func (s *SensorStore) persistLocked(stableID string) {
	f := sensorFile{DeviceID: stableID, Sensors: s.devices[stableID]}
	if f.Sensors == nil {
		f.Sensors = []*model.Sensor{}
	}
	if err := util.WriteJSONAtomic(s.path(stableID), f); err != nil {
		util.WithDevice(stableID).Warnf("Failed to persist sensors: %v", err)
	}
}

// Add validates and stores a new sensor. The sensor id must be unique within
// its device.
func (s *SensorStore) Add(sensor *model.Sensor) error {
	stable := s.resolver.Resolve(sensor.StableDeviceID)
	sensor.StableDeviceID = stable
	sensor.DeviceID = stable
	if err := sensor.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sensors := s.loadLocked(stable)
	for _, existing := range sensors {
		if existing.SensorID == sensor.SensorID {
			return fmt.Errorf("sensor %s: %w", sensor.SensorID, util.ErrAlreadyExists)
		}
	}
	now := time.Now()
	sensor.CreatedAt = now
	sensor.UpdatedAt = now
	s.devices[stable] = append(sensors, sensor)
	s.persistLocked(stable)
	return nil
}

// Update replaces a stored sensor's mutable fields. The sensor_id is never
// rewritten after creation.
func (s *SensorStore) Update(anyID string, sensor *model.Sensor) error {
	stable := s.resolver.Resolve(anyID)
	sensor.StableDeviceID = stable
	sensor.DeviceID = stable
	if err := sensor.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sensors := s.loadLocked(stable)
	for i, existing := range sensors {
		if existing.SensorID == sensor.SensorID {
			sensor.CreatedAt = existing.CreatedAt
			sensor.UpdatedAt = time.Now()
			sensors[i] = sensor
			s.persistLocked(stable)
			return nil
		}
	}
	return util.NewNotFoundError("sensor", sensor.SensorID)
}

// Get returns a sensor by id for a device (either id face).
func (s *SensorStore) Get(anyID, sensorID string) (*model.Sensor, error) {
	stable := s.resolver.Resolve(anyID)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sensor := range s.loadLocked(stable) {
		if sensor.SensorID == sensorID {
			c := *sensor
			return &c, nil
		}
	}
	return nil, util.NewNotFoundError("sensor", sensorID)
}

// GetAll returns copies of every sensor for a device (either id face).
func (s *SensorStore) GetAll(anyID string) []*model.Sensor {
	stable := s.resolver.Resolve(anyID)

	s.mu.Lock()
	defer s.mu.Unlock()

	sensors := s.loadLocked(stable)
	out := make([]*model.Sensor, 0, len(sensors))
	for _, sensor := range sensors {
		c := *sensor
		out = append(out, &c)
	}
	return out
}

// Delete removes a sensor.
func (s *SensorStore) Delete(anyID, sensorID string) error {
	stable := s.resolver.Resolve(anyID)

	s.mu.Lock()
	defer s.mu.Unlock()

	sensors := s.loadLocked(stable)
	for i, sensor := range sensors {
		if sensor.SensorID == sensorID {
			s.devices[stable] = append(sensors[:i], sensors[i+1:]...)
			s.persistLocked(stable)
			return nil
		}
	}
	return util.NewNotFoundError("sensor", sensorID)
}

// Invalidate drops the in-memory cache for a device so the next access
// re-reads the file. Called after a migration rewrites files on disk.
func (s *SensorStore) Invalidate(anyID string) {
	stable := s.resolver.Resolve(anyID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, stable)
}
