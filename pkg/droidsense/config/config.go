// Package config loads the daemon configuration from a YAML file with
// environment variable overrides. Missing file means pure defaults, so a
// bare `droidsensed` run works out of the box.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/droidsense/droidsense/pkg/util"
)

// DefaultPath is the config file location when --config is not given.
var DefaultPath = "/etc/droidsense/config.yaml"

// Config is the full daemon configuration.
type Config struct {
	// DataDir holds the JSON stores, the navigation maps, and the
	// command queue database.
	DataDir string `yaml:"data_dir"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	Broker  Broker   `yaml:"broker"`
	API     API      `yaml:"api"`
	Devices []Device `yaml:"devices"`

	// ProbeIntervalSeconds is the connection monitor cadence.
	ProbeIntervalSeconds int `yaml:"probe_interval_seconds"`

	// HealthTimeoutSeconds bounds a single device health check.
	HealthTimeoutSeconds int `yaml:"health_timeout_seconds"`

	// QueueCleanupHours is how long terminal commands are retained.
	QueueCleanupHours int `yaml:"queue_cleanup_hours"`

	// MaxQueueDepth bounds pending flows per device.
	MaxQueueDepth int `yaml:"max_queue_depth"`
}

// Broker selects and configures the message broker publisher.
type Broker struct {
	// Kind is "amqp", "redis", or "none".
	Kind     string `yaml:"kind"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// URL builds the broker connection URL for the configured kind.
func (b Broker) URL() string {
	switch b.Kind {
	case "amqp":
		return fmt.Sprintf("amqp://%s:%s@%s:%d/", b.Username, b.Password, b.Host, b.Port)
	case "redis":
		return fmt.Sprintf("%s:%d", b.Host, b.Port)
	}
	return ""
}

// API configures the HTTP surface.
type API struct {
	Listen string `yaml:"listen"`

	// RateLimit is requests per second per remote IP; 0 disables
	// limiting.
	RateLimit float64 `yaml:"rate_limit"`
}

// Device declares one managed device.
type Device struct {
	// Connection is the adb connection id: a USB serial or host:port.
	Connection string `yaml:"connection"`

	// Transport is "adb" (default) or "ssh".
	Transport string `yaml:"transport"`

	// SSH configures the bridge host for transport "ssh".
	SSH SSHBridge `yaml:"ssh"`
}

// SSHBridge points at the machine that actually runs adb.
type SSHBridge struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		DataDir:  "data",
		LogLevel: "info",
		Broker: Broker{
			Kind: "none",
			Port: 5672,
		},
		API: API{
			Listen:    ":8090",
			RateLimit: 20,
		},
		ProbeIntervalSeconds: 30,
		HealthTimeoutSeconds: 5,
		QueueCleanupHours:    24,
		MaxQueueDepth:        64,
	}
}

// Load reads path, applies environment overrides, and validates. A missing
// file is not an error; overrides still apply on top of defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
		util.Debugf("No config file at %s, using defaults", path)
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv layers environment variables over the file values. Set variables
// always win; unset or malformed ones are ignored.
func (c *Config) applyEnv() {
	envString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				util.Warnf("Ignoring %s=%q: not an integer", key, v)
				return
			}
			*dst = n
		}
	}

	envString("DATA_DIR", &c.DataDir)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("BROKER_KIND", &c.Broker.Kind)
	envString("BROKER_HOST", &c.Broker.Host)
	envInt("BROKER_PORT", &c.Broker.Port)
	envString("BROKER_USERNAME", &c.Broker.Username)
	envString("BROKER_PASSWORD", &c.Broker.Password)
	envString("API_LISTEN", &c.API.Listen)
	envInt("PROBE_INTERVAL_SECONDS", &c.ProbeIntervalSeconds)
	envInt("HEALTH_TIMEOUT_SECONDS", &c.HealthTimeoutSeconds)
	envInt("QUEUE_CLEANUP_HOURS", &c.QueueCleanupHours)
	envInt("MAX_QUEUE_DEPTH", &c.MaxQueueDepth)
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	var v util.ValidationBuilder
	v.Add(c.DataDir != "", "data_dir is required")
	v.Add(c.ProbeIntervalSeconds > 0, "probe_interval_seconds must be positive")
	v.Add(c.HealthTimeoutSeconds > 0, "health_timeout_seconds must be positive")
	v.Add(c.QueueCleanupHours > 0, "queue_cleanup_hours must be positive")
	v.Add(c.MaxQueueDepth > 0, "max_queue_depth must be positive")

	switch c.Broker.Kind {
	case "amqp", "redis":
		v.Add(c.Broker.Host != "", "broker.host is required for kind "+c.Broker.Kind)
		v.Add(c.Broker.Port > 0, "broker.port must be positive")
	case "none", "":
	default:
		v.AddErrorf("broker.kind %q not recognized (amqp, redis, none)", c.Broker.Kind)
	}

	for i, d := range c.Devices {
		v.Add(d.Connection != "", fmt.Sprintf("devices[%d].connection is required", i))
		switch d.Transport {
		case "adb", "":
		case "ssh":
			v.Add(d.SSH.Host != "", fmt.Sprintf("devices[%d].ssh.host is required for ssh transport", i))
		default:
			v.AddErrorf("devices[%d].transport %q not recognized (adb, ssh)", i, d.Transport)
		}
	}
	return v.Build()
}

// ProbeInterval returns the probe cadence as a duration.
func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}

// HealthTimeout returns the health check bound as a duration.
func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutSeconds) * time.Second
}

// QueueCleanupAge returns the terminal-command retention as a duration.
func (c *Config) QueueCleanupAge() time.Duration {
	return time.Duration(c.QueueCleanupHours) * time.Hour
}
