package testutil

import (
	"sync"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
)

// SensorUpdate is one recorded PublishSensorUpdate call.
type SensorUpdate struct {
	SensorID   string
	Value      string
	Attributes map[string]string
}

// AvailabilityUpdate is one recorded PublishAvailability call.
type AvailabilityUpdate struct {
	StableID string
	Online   bool
}

// FakeBroker records everything published to it.
type FakeBroker struct {
	mu             sync.Mutex
	Updates        []SensorUpdate
	Availabilities []AvailabilityUpdate
	Alerts         []model.PerformanceAlert
	Discoveries    []string // sensor ids
	Err            error
}

func (b *FakeBroker) PublishSensorUpdate(sensor *model.Sensor, value string, attributes map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.Updates = append(b.Updates, SensorUpdate{
		SensorID:   sensor.SensorID,
		Value:      value,
		Attributes: attributes,
	})
	return nil
}

func (b *FakeBroker) PublishAvailability(stableID string, online bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.Availabilities = append(b.Availabilities, AvailabilityUpdate{StableID: stableID, Online: online})
	return nil
}

func (b *FakeBroker) PublishAlert(alert *model.PerformanceAlert) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.Alerts = append(b.Alerts, *alert)
	return nil
}

func (b *FakeBroker) PublishDiscovery(sensor *model.Sensor) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.Discoveries = append(b.Discoveries, sensor.SensorID)
	return nil
}

func (b *FakeBroker) Close() error { return nil }

// SensorValues returns the published values keyed by sensor id, last write
// wins.
func (b *FakeBroker) SensorValues() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.Updates))
	for _, u := range b.Updates {
		out[u.SensorID] = u.Value
	}
	return out
}

// LastAvailability returns the most recent availability state for a device.
func (b *FakeBroker) LastAvailability(stableID string) (bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.Availabilities) - 1; i >= 0; i-- {
		if b.Availabilities[i].StableID == stableID {
			return b.Availabilities[i].Online, true
		}
	}
	return false, false
}
