package cliconfig

import "os"

// ApplyEnvConfig applies configuration from environment variables (FIELDGATE_*).
// It respects flags that have been explicitly set (changed map).
// Returns error if any environment variable has an invalid format.
func ApplyEnvConfig(cfg *Config, changed map[string]bool) error {
	s := newConfigSetter(changed)

	s.setString("listen-addr", os.Getenv("FIELDGATE_LISTEN_ADDR"), &cfg.ListenAddr)
	s.setString("remote-addr", os.Getenv("FIELDGATE_REMOTE_ADDR"), &cfg.RemoteAddr)
	s.setString("data-dir", os.Getenv("FIELDGATE_DATA_DIR"), &cfg.DataDir)
	s.setString("guard-poll-class", os.Getenv("FIELDGATE_GUARD_POLL_CLASS"), &cfg.GuardPollClass)
	s.setString("metrics-addr", os.Getenv("FIELDGATE_METRICS_ADDR"), &cfg.MetricsAddr)
	s.setString("nats-url", os.Getenv("FIELDGATE_NATS_URL"), &cfg.NATSURL)
	s.setString("nats-prefix", os.Getenv("FIELDGATE_NATS_PREFIX"), &cfg.NATSPrefix)
	s.setString("log-level", os.Getenv("FIELDGATE_LOG_LEVEL"), &cfg.LogLevel)

	if err := s.setDuration("connect-timeout", os.Getenv("FIELDGATE_CONNECT_TIMEOUT"), &cfg.ConnectTimeout); err != nil {
		return err
	}
	if err := s.setDuration("forward-read-timeout", os.Getenv("FIELDGATE_FORWARD_READ_TIMEOUT"), &cfg.ForwardReadTimeout); err != nil {
		return err
	}
	if err := s.setDuration("offline-device-timeout", os.Getenv("FIELDGATE_OFFLINE_DEVICE_TIMEOUT"), &cfg.OfflineDeviceTimeout); err != nil {
		return err
	}
	if err := s.setDuration("probe-interval", os.Getenv("FIELDGATE_PROBE_INTERVAL"), &cfg.ProbeInterval); err != nil {
		return err
	}
	if err := s.setDuration("probe-timeout", os.Getenv("FIELDGATE_PROBE_TIMEOUT"), &cfg.ProbeTimeout); err != nil {
		return err
	}
	if err := s.setDuration("replay-pace", os.Getenv("FIELDGATE_REPLAY_PACE"), &cfg.ReplayPace); err != nil {
		return err
	}
	if err := s.setDuration("replay-ack-timeout", os.Getenv("FIELDGATE_REPLAY_ACK_TIMEOUT"), &cfg.ReplayAckTimeout); err != nil {
		return err
	}
	if err := s.setDuration("flush-interval", os.Getenv("FIELDGATE_FLUSH_INTERVAL"), &cfg.FlushInterval); err != nil {
		return err
	}

	if err := s.setIntFromString("queue-capacity", os.Getenv("FIELDGATE_QUEUE_CAPACITY"), &cfg.QueueCapacity); err != nil {
		return err
	}
	if err := s.setIntFromString("learner-threshold", os.Getenv("FIELDGATE_LEARNER_THRESHOLD"), &cfg.LearnerThreshold); err != nil {
		return err
	}
	if err := s.setIntFromString("probe-threshold", os.Getenv("FIELDGATE_PROBE_THRESHOLD"), &cfg.ProbeThreshold); err != nil {
		return err
	}
	if err := s.setIntFromString("replay-max-retries", os.Getenv("FIELDGATE_REPLAY_MAX_RETRIES"), &cfg.ReplayMaxRetries); err != nil {
		return err
	}
	if err := s.setIntFromString("guard-retry-budget", os.Getenv("FIELDGATE_GUARD_RETRY_BUDGET"), &cfg.GuardRetryBudget); err != nil {
		return err
	}

	s.setBoolFromString("log-json", os.Getenv("FIELDGATE_LOG_JSON"), &cfg.LogJSON)

	return nil
}
