// Package settings manages persistent user settings for the droidctl CLI.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// Settings holds persistent user preferences
type Settings struct {
	// ServerURL is the droidsensed API base URL when --server is not
	// specified
	ServerURL string `json:"server_url,omitempty"`

	// DefaultDevice is the device to use when -d is not specified
	DefaultDevice string `json:"default_device,omitempty"`

	// BrokerUsername/BrokerPassword are broker credentials stored by
	// `droidctl broker-auth` for generating daemon config
	BrokerUsername string `json:"broker_username,omitempty"`
	BrokerPassword string `json:"broker_password,omitempty"`
}

// DefaultSettingsPath returns the default path for the settings file
func DefaultSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "droidsense_settings.json"
	}
	return filepath.Join(home, ".droidsense", "settings.json")
}

// Load reads settings from the default location
func Load() (*Settings, error) {
	return LoadFrom(DefaultSettingsPath())
}

// LoadFrom reads settings from a specific path
func LoadFrom(path string) (*Settings, error) {
	s := &Settings{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return empty settings if file doesn't exist
			return s, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Save writes settings to the default location
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path
func (s *Settings) SaveTo(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}

	// Broker credentials live here, keep it user-readable only
	return os.WriteFile(path, data, 0600)
}

// GetServerURL returns the API base URL (with fallback)
func (s *Settings) GetServerURL() string {
	if s.ServerURL != "" {
		return s.ServerURL
	}
	return "http://localhost:8090"
}

// SetServerURL sets the API base URL
func (s *Settings) SetServerURL(url string) {
	s.ServerURL = url
}

// SetDevice sets the default device
func (s *Settings) SetDevice(device string) {
	s.DefaultDevice = device
}

// SetBrokerAuth sets the stored broker credentials
func (s *Settings) SetBrokerAuth(username, password string) {
	s.BrokerUsername = username
	s.BrokerPassword = password
}

// Clear resets all settings to defaults
func (s *Settings) Clear() {
	*s = Settings{}
}
