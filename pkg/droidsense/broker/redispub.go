package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
)

// RedisPublisher publishes events over Redis pub/sub channels, one channel
// per topic. Lighter than RabbitMQ for single-host installs.
type RedisPublisher struct {
	client *redis.Client
	ctx    context.Context
}

// NewRedisPublisher connects to Redis and verifies the connection with a
// ping.
func NewRedisPublisher(ctx context.Context, addr, password string, db int) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisPublisher{client: client, ctx: ctx}, nil
}

func (r *RedisPublisher) publish(topic string, payload interface{}) error {
	if err := r.client.Publish(r.ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (r *RedisPublisher) publishJSON(topic string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	return r.publish(topic, body)
}

// PublishSensorUpdate publishes the captured value and optional attributes.
func (r *RedisPublisher) PublishSensorUpdate(sensor *model.Sensor, value string, attributes map[string]string) error {
	if err := r.publish(sensorStateTopic(sensor.StableDeviceID, sensor.SensorID), value); err != nil {
		return err
	}
	if len(attributes) > 0 {
		return r.publishJSON(sensorAttributesTopic(sensor.StableDeviceID, sensor.SensorID), attributes)
	}
	return nil
}

// PublishAvailability publishes "online" or "offline" for a device.
func (r *RedisPublisher) PublishAvailability(stableID string, online bool) error {
	state := "offline"
	if online {
		state = "online"
	}
	return r.publish(availabilityTopic(stableID), state)
}

// PublishAlert publishes a performance alert document.
func (r *RedisPublisher) PublishAlert(alert *model.PerformanceAlert) error {
	return r.publishJSON(alertTopic(alert.StableDeviceID), alert)
}

// PublishDiscovery publishes the entity auto-creation document.
func (r *RedisPublisher) PublishDiscovery(sensor *model.Sensor) error {
	return r.publishJSON(discoveryTopic(sensor.StableDeviceID, sensor.SensorID), newDiscoveryPayload(sensor))
}

// Close closes the Redis client.
func (r *RedisPublisher) Close() error {
	return r.client.Close()
}
