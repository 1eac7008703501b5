// Package config loads daemon settings from a JSON or YAML file.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/spinlidar/internal/serialport"
)

// DefaultConfigPath is where the daemon looks for settings when no -config
// flag is given. A missing file at this path is not an error.
const DefaultConfigPath = "config/spinlidar.yaml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root daemon configuration. Fields omitted from the file are
// nil and fall back to the defaults returned by the Get* methods.
type Config struct {
	// Serial transport
	SerialPort     *string `json:"serial_port,omitempty" yaml:"serial_port,omitempty"`
	BaudRate       *int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	DataBits       *int    `json:"data_bits,omitempty" yaml:"data_bits,omitempty"`
	StopBits       *int    `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`
	Parity         *string `json:"parity,omitempty" yaml:"parity,omitempty"`
	ReadTimeout    *string `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"` // duration string like "1s"
	InitSensor     *bool   `json:"init_sensor,omitempty" yaml:"init_sensor,omitempty"`
	VerifyChecksum *bool   `json:"verify_checksum,omitempty" yaml:"verify_checksum,omitempty"`

	// Sampling
	RPM            *float64 `json:"rpm,omitempty" yaml:"rpm,omitempty"`
	IdleInterval   *string  `json:"idle_interval,omitempty" yaml:"idle_interval,omitempty"`
	WaitInterval   *string  `json:"wait_interval,omitempty" yaml:"wait_interval,omitempty"`
	MaxQueue       *int     `json:"max_queue,omitempty" yaml:"max_queue,omitempty"`
	StatusInterval *string  `json:"status_interval,omitempty" yaml:"status_interval,omitempty"`

	// HTTP and storage
	Listen *string `json:"listen,omitempty" yaml:"listen,omitempty"`
	DBPath *string `json:"db_path,omitempty" yaml:"db_path,omitempty"`

	// MQTT publishing, disabled when mqtt_broker is empty
	MQTTBroker   *string `json:"mqtt_broker,omitempty" yaml:"mqtt_broker,omitempty"`
	MQTTTopic    *string `json:"mqtt_topic,omitempty" yaml:"mqtt_topic,omitempty"`
	MQTTClientID *string `json:"mqtt_client_id,omitempty" yaml:"mqtt_client_id,omitempty"`

	// RPM tuning
	TuneMinRPM      *float64 `json:"tune_min_rpm,omitempty" yaml:"tune_min_rpm,omitempty"`
	TuneMaxRPM      *float64 `json:"tune_max_rpm,omitempty" yaml:"tune_max_rpm,omitempty"`
	TuneSeeds       *int     `json:"tune_seeds,omitempty" yaml:"tune_seeds,omitempty"`
	TuneMaxEvals    *int     `json:"tune_max_evals,omitempty" yaml:"tune_max_evals,omitempty"`
	RPMFromLastTune *bool    `json:"rpm_from_last_tune,omitempty" yaml:"rpm_from_last_tune,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a .json, .yaml or .yml file no larger than 1MB.
// Fields omitted from the file keep their defaults, so partial configs are
// safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if ext == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadOptional loads path if it exists and returns an empty Config if it
// does not.
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Empty(), nil
	}
	return Load(path)
}

// Validate checks that the configuration values are usable.
func (c *Config) Validate() error {
	if _, err := c.PortOptions().Normalize(); err != nil {
		return err
	}

	if c.RPM != nil && !(*c.RPM > 0) {
		return fmt.Errorf("rpm must be positive, got %g", *c.RPM)
	}

	for name, v := range map[string]*string{
		"read_timeout":    c.ReadTimeout,
		"idle_interval":   c.IdleInterval,
		"wait_interval":   c.WaitInterval,
		"status_interval": c.StatusInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}

	if c.MaxQueue != nil && *c.MaxQueue < 0 {
		return fmt.Errorf("max_queue must be non-negative, got %d", *c.MaxQueue)
	}

	minRPM, maxRPM := c.GetTuneMinRPM(), c.GetTuneMaxRPM()
	if !(minRPM > 0) || !(maxRPM > minRPM) {
		return fmt.Errorf("tune range must satisfy 0 < tune_min_rpm < tune_max_rpm, got [%g, %g]", minRPM, maxRPM)
	}
	if c.TuneSeeds != nil && *c.TuneSeeds < 1 {
		return fmt.Errorf("tune_seeds must be at least 1, got %d", *c.TuneSeeds)
	}
	if c.TuneMaxEvals != nil && *c.TuneMaxEvals < 1 {
		return fmt.Errorf("tune_max_evals must be at least 1, got %d", *c.TuneMaxEvals)
	}

	return nil
}

func duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetSerialPort returns the serial device path or the default.
func (c *Config) GetSerialPort() string {
	if c.SerialPort == nil || *c.SerialPort == "" {
		return serialport.DefaultPath
	}
	return *c.SerialPort
}

// PortOptions collects the serial line settings.
func (c *Config) PortOptions() serialport.PortOptions {
	var opts serialport.PortOptions
	if c.BaudRate != nil {
		opts.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		opts.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		opts.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		opts.Parity = *c.Parity
	}
	return opts
}

// GetReadTimeout returns the serial read timeout or the default of 1s.
func (c *Config) GetReadTimeout() time.Duration {
	return duration(c.ReadTimeout, serialport.DefaultReadTimeout)
}

// GetInitSensor reports whether to send the start-up command.
func (c *Config) GetInitSensor() bool {
	if c.InitSensor == nil {
		return true
	}
	return *c.InitSensor
}

// GetVerifyChecksum reports whether frames with a bad checksum are dropped.
func (c *Config) GetVerifyChecksum() bool {
	if c.VerifyChecksum == nil {
		return false
	}
	return *c.VerifyChecksum
}

// GetRPM returns the initial motor speed.
func (c *Config) GetRPM() float64 {
	if c.RPM == nil {
		return 100
	}
	return *c.RPM
}

// GetIdleInterval returns the poll loop sleep when no frame is buffered.
func (c *Config) GetIdleInterval() time.Duration {
	return duration(c.IdleInterval, time.Millisecond)
}

// GetWaitInterval returns the re-check interval of waiting readers.
func (c *Config) GetWaitInterval() time.Duration {
	return duration(c.WaitInterval, 10*time.Millisecond)
}

// GetMaxQueue returns the queue length that triggers a reset; 0 disables it.
func (c *Config) GetMaxQueue() int {
	if c.MaxQueue == nil {
		return 100000
	}
	return *c.MaxQueue
}

// GetStatusInterval returns how often the daemon logs pipeline stats.
func (c *Config) GetStatusInterval() time.Duration {
	return duration(c.StatusInterval, 30*time.Second)
}

func (c *Config) GetListen() string {
	if c.Listen == nil || *c.Listen == "" {
		return ":8080"
	}
	return *c.Listen
}

func (c *Config) GetDBPath() string {
	if c.DBPath == nil || *c.DBPath == "" {
		return "spinlidar.db"
	}
	return *c.DBPath
}

// GetMQTTBroker returns the broker URL, or "" when publishing is disabled.
func (c *Config) GetMQTTBroker() string {
	if c.MQTTBroker == nil {
		return ""
	}
	return *c.MQTTBroker
}

func (c *Config) GetMQTTTopic() string {
	if c.MQTTTopic == nil || *c.MQTTTopic == "" {
		return "spinlidar/rotation"
	}
	return *c.MQTTTopic
}

func (c *Config) GetMQTTClientID() string {
	if c.MQTTClientID == nil || *c.MQTTClientID == "" {
		return "spinlidar"
	}
	return *c.MQTTClientID
}

// GetTuneMinRPM returns the lower bound of the tuning search.
func (c *Config) GetTuneMinRPM() float64 {
	if c.TuneMinRPM == nil {
		return 30
	}
	return *c.TuneMinRPM
}

// GetTuneMaxRPM returns the upper bound of the tuning search.
func (c *Config) GetTuneMaxRPM() float64 {
	if c.TuneMaxRPM == nil {
		return 300
	}
	return *c.TuneMaxRPM
}

// GetTuneSeeds returns how many evenly spaced rpm values seed the search.
func (c *Config) GetTuneSeeds() int {
	if c.TuneSeeds == nil {
		return 5
	}
	return *c.TuneSeeds
}

// GetTuneMaxEvals caps the number of objective evaluations per tuning run.
func (c *Config) GetTuneMaxEvals() int {
	if c.TuneMaxEvals == nil {
		return 40
	}
	return *c.TuneMaxEvals
}

// GetRPMFromLastTune reports whether the daemon starts at the rpm found by
// the most recent completed tuning run.
func (c *Config) GetRPMFromLastTune() bool {
	if c.RPMFromLastTune == nil {
		return false
	}
	return *c.RPMFromLastTune
}
