package align

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kwv/pointalign/ransac"
)

// DefaultHTTPPort is used by the service when http.port is unset.
const DefaultHTTPPort = 8080

// DefaultMaxRequestTrials caps maxTrials on HTTP and MQTT fit requests when
// limits.maxTrials is unset.
const DefaultMaxRequestTrials = 10000

// Config represents the full configuration file
type Config struct {
	RANSAC ransac.Config `yaml:"ransac" json:"ransac"`
	Source string        `yaml:"source,omitempty" json:"source,omitempty"` // Source point set file (X)
	Target string        `yaml:"target,omitempty" json:"target,omitempty"` // Target point set file (Y)
	Output string        `yaml:"output,omitempty" json:"output,omitempty"` // Where the fitted 4x4 transform is written
	Record string        `yaml:"record,omitempty" json:"record,omitempty"` // Where the full alignment record is written
	MQTT   MQTTConfig    `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	HTTP   HTTPConfig    `yaml:"http,omitempty" json:"http,omitempty"`
	Limits LimitsConfig  `yaml:"limits,omitempty" json:"limits,omitempty"`
}

// MQTTConfig holds MQTT connection settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	RequestTopic  string `yaml:"requestTopic,omitempty" json:"requestTopic,omitempty"` // Optional topic filter for incoming fit requests, e.g. pointalign/+/request
}

// HTTPConfig holds API server settings.
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// LimitsConfig bounds what remote fit requests may ask for.
type LimitsConfig struct {
	MaxTrials int `yaml:"maxTrials,omitempty" json:"maxTrials,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	return &Config{
		RANSAC: ransac.DefaultConfig(),
		HTTP:   HTTPConfig{Port: DefaultHTTPPort},
	}
}

// LoadConfig loads the configuration from a YAML file. Unset fields keep
// their DefaultConfig values.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks field ranges and reports the offending key.
func (c *Config) Validate() error {
	if err := c.RANSAC.Validate(); err != nil {
		return fmt.Errorf("ransac: %w", err)
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port out of range: %d", c.HTTP.Port)
	}
	if c.Limits.MaxTrials < 0 || c.Limits.MaxTrials > ransac.MaxTrialsLimit {
		return fmt.Errorf("limits.maxTrials out of range: %d", c.Limits.MaxTrials)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(path string, config *Config) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshaling config YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// GetPort returns the configured HTTP port or DefaultHTTPPort.
func (c *Config) GetPort() int {
	if c == nil || c.HTTP.Port == 0 {
		return DefaultHTTPPort
	}
	return c.HTTP.Port
}

// GetMaxRequestTrials returns the configured request trial ceiling or
// DefaultMaxRequestTrials.
func (c *Config) GetMaxRequestTrials() int {
	if c == nil || c.Limits.MaxTrials == 0 {
		return DefaultMaxRequestTrials
	}
	return c.Limits.MaxTrials
}
