// Package config provides configuration loading and management for taskgrid.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete taskgrid configuration
type Config struct {
	NATS      NATSConfig      `yaml:"nats"`
	HTTP      HTTPConfig      `yaml:"http"`
	Orchestra OrchestraConfig `yaml:"orchestrator"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
	// ReconnectWait is the delay between reconnect attempts
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// HTTPConfig configures the management API listener
type HTTPConfig struct {
	// Addr is the listen address for the management API
	Addr string `yaml:"addr"`
}

// OrchestraConfig configures the orchestration engine
type OrchestraConfig struct {
	// AdminTeamID is the team whose agents run serverless tasks
	AdminTeamID string `yaml:"admin_team_id"`
	// LambdaTag marks agents in the admin team that can run serverless tasks
	LambdaTag string `yaml:"lambda_tag"`
	// LivenessWindow is how long after its last heartbeat an agent counts as live
	LivenessWindow time.Duration `yaml:"liveness_window"`
	// QueueTTL is how long a dispatched task may wait on an agent queue
	QueueTTL time.Duration `yaml:"queue_ttl"`
	// LeaseTTL bounds how long a template admission pass may hold its lease
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	// SweepInterval is how often stale agents and stuck tasks are swept
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			ReconnectWait: 2 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Orchestra: OrchestraConfig{
			AdminTeamID:    "",
			LambdaTag:      "lambda-runner",
			LivenessWindow: 90 * time.Second,
			QueueTTL:       10 * time.Minute,
			LeaseTTL:       30 * time.Second,
			SweepInterval:  30 * time.Second,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Orchestra.LivenessWindow <= 0 {
		return fmt.Errorf("orchestrator.liveness_window must be positive")
	}
	if c.Orchestra.QueueTTL <= 0 {
		return fmt.Errorf("orchestrator.queue_ttl must be positive")
	}
	if c.Orchestra.LeaseTTL <= 0 {
		return fmt.Errorf("orchestrator.lease_ttl must be positive")
	}
	if c.Orchestra.SweepInterval <= 0 {
		return fmt.Errorf("orchestrator.sweep_interval must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.ReconnectWait != 0 {
		c.NATS.ReconnectWait = other.NATS.ReconnectWait
	}

	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}

	if other.Orchestra.AdminTeamID != "" {
		c.Orchestra.AdminTeamID = other.Orchestra.AdminTeamID
	}
	if other.Orchestra.LambdaTag != "" {
		c.Orchestra.LambdaTag = other.Orchestra.LambdaTag
	}
	if other.Orchestra.LivenessWindow != 0 {
		c.Orchestra.LivenessWindow = other.Orchestra.LivenessWindow
	}
	if other.Orchestra.QueueTTL != 0 {
		c.Orchestra.QueueTTL = other.Orchestra.QueueTTL
	}
	if other.Orchestra.LeaseTTL != 0 {
		c.Orchestra.LeaseTTL = other.Orchestra.LeaseTTL
	}
	if other.Orchestra.SweepInterval != 0 {
		c.Orchestra.SweepInterval = other.Orchestra.SweepInterval
	}
}
