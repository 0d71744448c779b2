package cliconfig

import (
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// FileConfig mirrors Config but uses strings for durations to make TOML friendly.
type FileConfig struct {
	ListenAddr string `toml:"listen_addr"`
	RemoteAddr string `toml:"remote_addr"`
	DataDir    string `toml:"data_dir"`

	QueueCapacity    int `toml:"queue_capacity"`
	LearnerThreshold int `toml:"learner_threshold"`

	ConnectTimeout       string `toml:"connect_timeout"`
	ForwardReadTimeout   string `toml:"forward_read_timeout"`
	OfflineDeviceTimeout string `toml:"offline_device_timeout"`

	ProbeInterval  string `toml:"probe_interval"`
	ProbeTimeout   string `toml:"probe_timeout"`
	ProbeThreshold int    `toml:"probe_threshold"`

	ReplayPace       string `toml:"replay_pace"`
	ReplayAckTimeout string `toml:"replay_ack_timeout"`
	ReplayMaxRetries int    `toml:"replay_max_retries"`

	GuardPollClass   string `toml:"guard_poll_class"`
	GuardRetryBudget int    `toml:"guard_retry_budget"`

	FlushInterval string `toml:"flush_interval"`

	MetricsAddr string `toml:"metrics_addr"`
	NATSURL     string `toml:"nats_url"`
	NATSPrefix  string `toml:"nats_prefix"`

	LogLevel string `toml:"log_level"`
	LogJSON  *bool  `toml:"log_json"`
}

// LoadFileConfig reads and parses a TOML config file from the given path.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns the default configuration file path.
// Returns ~/.fieldgate/config.toml if user home directory is accessible.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".fieldgate", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies configuration from a file to the Config struct.
// It respects flags that have been explicitly set (changed map).
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("listen-addr", fc.ListenAddr, &cfg.ListenAddr)
	s.setString("remote-addr", fc.RemoteAddr, &cfg.RemoteAddr)
	s.setString("data-dir", fc.DataDir, &cfg.DataDir)
	s.setString("guard-poll-class", fc.GuardPollClass, &cfg.GuardPollClass)
	s.setString("metrics-addr", fc.MetricsAddr, &cfg.MetricsAddr)
	s.setString("nats-url", fc.NATSURL, &cfg.NATSURL)
	s.setString("nats-prefix", fc.NATSPrefix, &cfg.NATSPrefix)
	s.setString("log-level", fc.LogLevel, &cfg.LogLevel)

	if err := s.setDuration("connect-timeout", fc.ConnectTimeout, &cfg.ConnectTimeout); err != nil {
		return err
	}
	if err := s.setDuration("forward-read-timeout", fc.ForwardReadTimeout, &cfg.ForwardReadTimeout); err != nil {
		return err
	}
	if err := s.setDuration("offline-device-timeout", fc.OfflineDeviceTimeout, &cfg.OfflineDeviceTimeout); err != nil {
		return err
	}
	if err := s.setDuration("probe-interval", fc.ProbeInterval, &cfg.ProbeInterval); err != nil {
		return err
	}
	if err := s.setDuration("probe-timeout", fc.ProbeTimeout, &cfg.ProbeTimeout); err != nil {
		return err
	}
	if err := s.setDuration("replay-pace", fc.ReplayPace, &cfg.ReplayPace); err != nil {
		return err
	}
	if err := s.setDuration("replay-ack-timeout", fc.ReplayAckTimeout, &cfg.ReplayAckTimeout); err != nil {
		return err
	}
	if err := s.setDuration("flush-interval", fc.FlushInterval, &cfg.FlushInterval); err != nil {
		return err
	}

	s.setInt("queue-capacity", fc.QueueCapacity, &cfg.QueueCapacity)
	s.setInt("learner-threshold", fc.LearnerThreshold, &cfg.LearnerThreshold)
	s.setInt("probe-threshold", fc.ProbeThreshold, &cfg.ProbeThreshold)
	s.setInt("replay-max-retries", fc.ReplayMaxRetries, &cfg.ReplayMaxRetries)
	s.setInt("guard-retry-budget", fc.GuardRetryBudget, &cfg.GuardRetryBudget)

	s.setBool("log-json", fc.LogJSON, &cfg.LogJSON)

	return nil
}

// FileExists checks if a file exists at the given path.
func FileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}
