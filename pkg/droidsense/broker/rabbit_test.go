package broker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/streadway/amqp"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
)

type mockChannel struct {
	exchange  string
	kind      string
	durable   bool
	published []amqp.Publishing
	keys      []string
	pubErr    error
	closed    bool
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	m.exchange = name
	m.kind = kind
	m.durable = durable
	return nil
}

func (m *mockChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.pubErr != nil {
		return m.pubErr
	}
	m.published = append(m.published, msg)
	m.keys = append(m.keys, key)
	return nil
}

func (m *mockChannel) Close() error { m.closed = true; return nil }

type mockConnection struct {
	channel AMQPChannel
	closed  bool
}

func (m *mockConnection) Channel() (AMQPChannel, error) { return m.channel, nil }
func (m *mockConnection) Close() error                  { m.closed = true; return nil }

type mockDialer struct {
	conn AMQPConnection
	err  error
}

func (m *mockDialer) Dial(url string) (AMQPConnection, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.conn, nil
}

func newMockPublisher(t *testing.T) (*RabbitPublisher, *mockChannel) {
	t.Helper()
	ch := &mockChannel{}
	pub, err := NewRabbitPublisherWithDialer("amqp://test", &mockDialer{conn: &mockConnection{channel: ch}})
	if err != nil {
		t.Fatal(err)
	}
	return pub, ch
}

func testSensor() *model.Sensor {
	return &model.Sensor{
		SensorID:       "battery_level",
		StableDeviceID: "R9YT50J4S9D",
		FriendlyName:   "Battery Level",
		SensorType:     model.SensorScalar,
		DeviceClass:    "battery",
		Unit:           "%",
	}
}

func TestRabbit_DeclaresTopicExchange(t *testing.T) {
	_, ch := newMockPublisher(t)
	if ch.exchange != "droidsense" || ch.kind != "topic" || !ch.durable {
		t.Errorf("exchange = %s kind = %s durable = %v", ch.exchange, ch.kind, ch.durable)
	}
}

func TestRabbit_SensorUpdateTopicsAndPayload(t *testing.T) {
	pub, ch := newMockPublisher(t)
	err := pub.PublishSensorUpdate(testSensor(), "94", map[string]string{"captured_via": "flow"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ch.keys) != 2 {
		t.Fatalf("published %d messages, want 2", len(ch.keys))
	}
	if ch.keys[0] != "droidsense.R9YT50J4S9D.sensor.battery_level.state" {
		t.Errorf("state key = %s", ch.keys[0])
	}
	if string(ch.published[0].Body) != "94" {
		t.Errorf("state body = %q", ch.published[0].Body)
	}
	if ch.keys[1] != "droidsense.R9YT50J4S9D.sensor.battery_level.attributes" {
		t.Errorf("attributes key = %s", ch.keys[1])
	}
}

func TestRabbit_TopicSegmentsSanitized(t *testing.T) {
	pub, ch := newMockPublisher(t)
	s := testSensor()
	s.StableDeviceID = "192.168.1.2:46747"
	if err := pub.PublishSensorUpdate(s, "1", nil); err != nil {
		t.Fatal(err)
	}
	if ch.keys[0] != "droidsense.192_168_1_2_46747.sensor.battery_level.state" {
		t.Errorf("key = %s", ch.keys[0])
	}
}

func TestRabbit_Availability(t *testing.T) {
	pub, ch := newMockPublisher(t)
	if err := pub.PublishAvailability("R9YT50J4S9D", false); err != nil {
		t.Fatal(err)
	}
	if err := pub.PublishAvailability("R9YT50J4S9D", true); err != nil {
		t.Fatal(err)
	}
	if ch.keys[0] != "droidsense.R9YT50J4S9D.availability" {
		t.Errorf("key = %s", ch.keys[0])
	}
	if string(ch.published[0].Body) != "offline" || string(ch.published[1].Body) != "online" {
		t.Errorf("bodies = %q, %q", ch.published[0].Body, ch.published[1].Body)
	}
}

func TestRabbit_DiscoveryDocument(t *testing.T) {
	pub, ch := newMockPublisher(t)
	if err := pub.PublishDiscovery(testSensor()); err != nil {
		t.Fatal(err)
	}
	if ch.keys[0] != "droidsense.discovery.R9YT50J4S9D.battery_level.config" {
		t.Fatalf("key = %s", ch.keys[0])
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(ch.published[0].Body, &doc); err != nil {
		t.Fatal(err)
	}
	if doc["state_topic"] != "droidsense/R9YT50J4S9D/sensor/battery_level/state" {
		t.Errorf("state_topic = %v", doc["state_topic"])
	}
	if doc["availability_topic"] != "droidsense/R9YT50J4S9D/availability" {
		t.Errorf("availability_topic = %v", doc["availability_topic"])
	}
	if doc["device_class"] != "battery" || doc["unit_of_measurement"] != "%" {
		t.Errorf("doc = %+v", doc)
	}
}

func TestRabbit_Alert(t *testing.T) {
	pub, ch := newMockPublisher(t)
	err := pub.PublishAlert(&model.PerformanceAlert{
		StableDeviceID: "R9YT50J4S9D",
		Severity:       model.SeverityWarning,
		Message:        "queue depth 7",
		MetricName:     "queue_depth",
		MetricValue:    7,
		Timestamp:      time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if ch.keys[0] != "droidsense.R9YT50J4S9D.alert" {
		t.Errorf("key = %s", ch.keys[0])
	}
}

func TestRabbit_PublishErrorSurfaces(t *testing.T) {
	pub, ch := newMockPublisher(t)
	ch.pubErr = errors.New("channel gone")
	if err := pub.PublishAvailability("dev", true); err == nil {
		t.Error("expected error")
	}
}

func TestRabbit_CloseShutsDownBoth(t *testing.T) {
	ch := &mockChannel{}
	conn := &mockConnection{channel: ch}
	pub, err := NewRabbitPublisherWithDialer("amqp://test", &mockDialer{conn: conn})
	if err != nil {
		t.Fatal(err)
	}
	if err := pub.Close(); err != nil {
		t.Fatal(err)
	}
	if !ch.closed || !conn.closed {
		t.Error("channel or connection left open")
	}
}

func TestRabbit_DialFailure(t *testing.T) {
	_, err := NewRabbitPublisherWithDialer("amqp://test", &mockDialer{err: errors.New("refused")})
	if err == nil {
		t.Error("expected dial error")
	}
}
