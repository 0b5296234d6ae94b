// Package broker publishes device and sensor events to the home-automation
// message broker. Two backends are provided: RabbitMQ (topic exchange) and
// Redis pub/sub; the daemon picks one from configuration. Topic layout:
//
//	droidsense/<stable_id>/sensor/<sensor_id>/state
//	droidsense/<stable_id>/sensor/<sensor_id>/attributes
//	droidsense/<stable_id>/availability
//	droidsense/<stable_id>/alert
//	droidsense/discovery/<stable_id>/<sensor_id>/config
//
// Device and sensor ids are sanitized before they become topic segments.
package broker

import (
	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/util"
)

// Publisher is the outbound boundary the core pushes events through.
type Publisher interface {
	// PublishSensorUpdate publishes a captured sensor value with optional
	// attributes.
	PublishSensorUpdate(sensor *model.Sensor, value string, attributes map[string]string) error
	// PublishAvailability publishes a device's online state.
	PublishAvailability(stableID string, online bool) error
	// PublishAlert publishes a performance alert.
	PublishAlert(alert *model.PerformanceAlert) error
	// PublishDiscovery publishes a sensor's discovery document so the
	// home-automation side can auto-create the entity.
	PublishDiscovery(sensor *model.Sensor) error
	Close() error
}

// Topic segment helpers. All ids pass through the same sanitizer used for
// filenames so one device maps to one topic subtree.

func sensorStateTopic(stableID, sensorID string) string {
	return "droidsense/" + util.SanitizeToken(stableID) + "/sensor/" + util.SanitizeToken(sensorID) + "/state"
}

func sensorAttributesTopic(stableID, sensorID string) string {
	return "droidsense/" + util.SanitizeToken(stableID) + "/sensor/" + util.SanitizeToken(sensorID) + "/attributes"
}

func availabilityTopic(stableID string) string {
	return "droidsense/" + util.SanitizeToken(stableID) + "/availability"
}

func alertTopic(stableID string) string {
	return "droidsense/" + util.SanitizeToken(stableID) + "/alert"
}

func discoveryTopic(stableID, sensorID string) string {
	return "droidsense/discovery/" + util.SanitizeToken(stableID) + "/" + util.SanitizeToken(sensorID) + "/config"
}

// discoveryPayload is the entity auto-creation document.
type discoveryPayload struct {
	SensorID          string `json:"sensor_id"`
	Name              string `json:"name"`
	SensorType        string `json:"sensor_type"`
	DeviceClass       string `json:"device_class,omitempty"`
	Unit              string `json:"unit_of_measurement,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	StateTopic        string `json:"state_topic"`
	AttributesTopic   string `json:"json_attributes_topic"`
	AvailabilityTopic string `json:"availability_topic"`
	Device            struct {
		Identifiers  []string `json:"identifiers"`
		Model        string   `json:"model,omitempty"`
		Manufacturer string   `json:"manufacturer,omitempty"`
	} `json:"device"`
}

func newDiscoveryPayload(sensor *model.Sensor) discoveryPayload {
	p := discoveryPayload{
		SensorID:          sensor.SensorID,
		Name:              sensor.FriendlyName,
		SensorType:        string(sensor.SensorType),
		DeviceClass:       sensor.DeviceClass,
		Unit:              sensor.Unit,
		StateClass:        sensor.StateClass,
		StateTopic:        sensorStateTopic(sensor.StableDeviceID, sensor.SensorID),
		AttributesTopic:   sensorAttributesTopic(sensor.StableDeviceID, sensor.SensorID),
		AvailabilityTopic: availabilityTopic(sensor.StableDeviceID),
	}
	p.Device.Identifiers = []string{util.SanitizeToken(sensor.StableDeviceID)}
	return p
}

// Nop is a publisher that drops everything. Used when no broker is
// configured so the capture path stays identical.
type Nop struct{}

func (Nop) PublishSensorUpdate(*model.Sensor, string, map[string]string) error { return nil }
func (Nop) PublishAvailability(string, bool) error                             { return nil }
func (Nop) PublishAlert(*model.PerformanceAlert) error                         { return nil }
func (Nop) PublishDiscovery(*model.Sensor) error                               { return nil }
func (Nop) Close() error                                                       { return nil }
