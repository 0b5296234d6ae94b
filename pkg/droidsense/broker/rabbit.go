package broker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/streadway/amqp"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/util"
)

const rabbitExchange = "droidsense"

// AMQPChannel is the slice of amqp.Channel the publisher needs. Narrowed for
// testability.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPConnection is the slice of amqp.Connection the publisher needs.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	Close() error
}

// AMQPDialer opens AMQP connections. The real dialer wraps amqp.Dial.
type AMQPDialer interface {
	Dial(url string) (AMQPConnection, error)
}

// RealAMQPDialer dials an actual RabbitMQ server.
type RealAMQPDialer struct{}

type realConnection struct {
	*amqp.Connection
}

func (c realConnection) Channel() (AMQPChannel, error) {
	return c.Connection.Channel()
}

// Dial connects to the broker at url.
func (RealAMQPDialer) Dial(url string) (AMQPConnection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return realConnection{conn}, nil
}

// RabbitPublisher publishes events to a RabbitMQ topic exchange. Slashes in
// topics become dots so broker-side bindings can use AMQP wildcards.
type RabbitPublisher struct {
	connection AMQPConnection
	channel    AMQPChannel
}

// NewRabbitPublisher connects to RabbitMQ and declares the durable topic
// exchange.
func NewRabbitPublisher(url string) (*RabbitPublisher, error) {
	return NewRabbitPublisherWithDialer(url, RealAMQPDialer{})
}

// NewRabbitPublisherWithDialer allows injecting a dialer for testing.
func NewRabbitPublisherWithDialer(url string, dialer AMQPDialer) (*RabbitPublisher, error) {
	conn, err := dialer.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := ch.ExchangeDeclare(rabbitExchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &RabbitPublisher{connection: conn, channel: ch}, nil
}

func routingKey(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

func (r *RabbitPublisher) publish(topic string, body []byte) error {
	err := r.channel.Publish(rabbitExchange, routingKey(topic), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (r *RabbitPublisher) publishJSON(topic string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	return r.publish(topic, body)
}

// PublishSensorUpdate publishes the captured value and, when present, the
// attribute document.
func (r *RabbitPublisher) PublishSensorUpdate(sensor *model.Sensor, value string, attributes map[string]string) error {
	if err := r.publish(sensorStateTopic(sensor.StableDeviceID, sensor.SensorID), []byte(value)); err != nil {
		return err
	}
	if len(attributes) > 0 {
		return r.publishJSON(sensorAttributesTopic(sensor.StableDeviceID, sensor.SensorID), attributes)
	}
	return nil
}

// PublishAvailability publishes "online" or "offline" for a device.
func (r *RabbitPublisher) PublishAvailability(stableID string, online bool) error {
	state := "offline"
	if online {
		state = "online"
	}
	util.WithDevice(stableID).Debugf("Publishing availability=%s", state)
	return r.publish(availabilityTopic(stableID), []byte(state))
}

// PublishAlert publishes a performance alert document.
func (r *RabbitPublisher) PublishAlert(alert *model.PerformanceAlert) error {
	return r.publishJSON(alertTopic(alert.StableDeviceID), alert)
}

// PublishDiscovery publishes the entity auto-creation document.
func (r *RabbitPublisher) PublishDiscovery(sensor *model.Sensor) error {
	return r.publishJSON(discoveryTopic(sensor.StableDeviceID, sensor.SensorID), newDiscoveryPayload(sensor))
}

// Close shuts the channel and connection down.
func (r *RabbitPublisher) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.connection != nil {
		r.connection.Close()
	}
	return nil
}
