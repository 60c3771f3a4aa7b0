// Package config loads the daemon configuration: where the roster lives and
// how to reach the camera, card reader, lock, inference worker, event bus,
// and health endpoint. Access policy lives in package settings instead.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file looked up when --config is not given.
const DefaultPath = "gatekeeper.yml"

// Config is the top-level daemon configuration.
type Config struct {
	Door         string        `yaml:"door"`
	Database     string        `yaml:"database"`
	SettingsPath string        `yaml:"settings_path"`
	PollTimeout  time.Duration `yaml:"poll_timeout"`
	Camera       CameraConfig  `yaml:"camera"`
	Reader       ReaderConfig  `yaml:"reader"`
	Lock         LockConfig    `yaml:"lock"`
	Worker       WorkerConfig  `yaml:"worker"`
	Redis        RedisConfig   `yaml:"redis"`
	Health       HealthConfig  `yaml:"health"`
}

type CameraConfig struct {
	Device string `yaml:"device"`
	Format string `yaml:"format"`
	FPS    int    `yaml:"fps"`
}

// ReaderConfig configures the serial card reader. An empty Port selects
// the last enumerated serial port.
type ReaderConfig struct {
	Port          string        `yaml:"port"`
	Baud          int           `yaml:"baud"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// LockConfig names the GPIO line driving the door relay.
type LockConfig struct {
	Pin      string `yaml:"pin"`
	Disabled bool   `yaml:"disabled"`
}

type WorkerConfig struct {
	Command []string `yaml:"command"`
}

// RedisConfig enables the event bus when URL is set.
type RedisConfig struct {
	URL string `yaml:"url"`
}

type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Door:         "front",
		Database:     "persons.db",
		SettingsPath: "config/settings.json",
		PollTimeout:  time.Second,
		Camera:       CameraConfig{Device: "/dev/video0", Format: "v4l2", FPS: 5},
		Reader:       ReaderConfig{Baud: 115200, RetryInterval: 10 * time.Second},
		Lock:         LockConfig{Pin: "GPIO18"},
		Worker:       WorkerConfig{Command: []string{"python3", "-u", "python/worker.py"}},
		Health:       HealthConfig{Addr: ":8080"},
	}
}

// Load reads and validates a config file. Keys absent from the file keep
// their defaults. A missing file yields Default when optional is true.
func Load(path string, optional bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Door == "" {
		return fmt.Errorf("door name is required")
	}
	if c.Database == "" {
		return fmt.Errorf("database is required")
	}
	if c.SettingsPath == "" {
		return fmt.Errorf("settings_path is required")
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("poll_timeout must be positive, got %s", c.PollTimeout)
	}
	if c.Camera.Device == "" {
		return fmt.Errorf("camera.device is required")
	}
	if c.Camera.FPS < 0 {
		return fmt.Errorf("camera.fps cannot be negative")
	}
	if c.Reader.Baud <= 0 {
		return fmt.Errorf("reader.baud must be positive, got %d", c.Reader.Baud)
	}
	if c.Reader.RetryInterval <= 0 {
		return fmt.Errorf("reader.retry_interval must be positive, got %s", c.Reader.RetryInterval)
	}
	if !c.Lock.Disabled && c.Lock.Pin == "" {
		return fmt.Errorf("lock.pin is required unless lock.disabled is set")
	}
	if len(c.Worker.Command) == 0 {
		return fmt.Errorf("worker.command is required")
	}
	return nil
}
