package cliconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default endpoints.
const (
	DefaultListenAddr  = ":7700"
	DefaultMetricsAddr = ":9102"
)

// Config holds CLI configuration for fieldgate.
type Config struct {
	ListenAddr string
	RemoteAddr string

	DataDir string

	QueueCapacity    int
	LearnerThreshold int

	ConnectTimeout       time.Duration
	ForwardReadTimeout   time.Duration
	OfflineDeviceTimeout time.Duration

	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	ProbeThreshold int

	ReplayPace       time.Duration
	ReplayAckTimeout time.Duration
	ReplayMaxRetries int

	GuardPollClass   string
	GuardRetryBudget int

	FlushInterval time.Duration

	MetricsAddr string
	NATSURL     string
	NATSPrefix  string

	LogLevel string
	LogJSON  bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		ListenAddr:           DefaultListenAddr,
		QueueCapacity:        1000,
		LearnerThreshold:     5,
		ConnectTimeout:       5 * time.Second,
		ForwardReadTimeout:   30 * time.Second,
		OfflineDeviceTimeout: 120 * time.Second,
		ProbeInterval:        60 * time.Second,
		ProbeTimeout:         5 * time.Second,
		ProbeThreshold:       2,
		ReplayPace:           100 * time.Millisecond,
		ReplayAckTimeout:     5 * time.Second,
		ReplayMaxRetries:     3,
		GuardPollClass:       "64",
		GuardRetryBudget:     5,
		FlushInterval:        30 * time.Second,
		MetricsAddr:          DefaultMetricsAddr,
		NATSPrefix:           "fieldgate.frames",
		LogLevel:             "info",
	}
}

// Validate checks the configuration for errors and sets derived defaults.
func (c *Config) Validate() error {
	if c.RemoteAddr == "" {
		return fmt.Errorf("remote-addr is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	if c.LearnerThreshold <= 0 {
		return fmt.Errorf("learner threshold must be positive")
	}
	if c.ProbeInterval <= 0 {
		return fmt.Errorf("probe interval must be positive")
	}
	if c.ReplayPace <= 0 {
		return fmt.Errorf("replay pace must be positive")
	}
	if c.DataDir != "" {
		if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	return nil
}

// configSetter helps apply configuration values while respecting flag precedence.
// It only applies values if the corresponding flag hasn't been explicitly set.
type configSetter struct {
	changed map[string]bool
}

// newConfigSetter creates a new setter with the given changed flags map.
func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

// setString sets a string value if not empty and flag not changed.
func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

// setInt sets an int value if positive and flag not changed.
func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

// setDuration parses and sets a duration from string if valid and flag not changed.
func (s *configSetter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

// setBool sets a bool value from a pointer if not nil and flag not changed.
func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

// setIntFromString parses a string to int and sets the destination if valid.
// Used for environment variables that come as strings.
func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setBoolFromString parses a string to bool and sets the destination.
// Accepts "true", "1" as true, anything else as false.
// Used for environment variables that come as strings.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
