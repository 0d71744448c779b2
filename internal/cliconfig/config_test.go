package cliconfig

import (
	"os"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %v, want %v", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.QueueCapacity != 1000 {
		t.Errorf("QueueCapacity = %v, want 1000", cfg.QueueCapacity)
	}
	if cfg.ProbeInterval != 60*time.Second {
		t.Errorf("ProbeInterval = %v, want 60s", cfg.ProbeInterval)
	}
	if cfg.ReplayPace != 100*time.Millisecond {
		t.Errorf("ReplayPace = %v, want 100ms", cfg.ReplayPace)
	}
	if cfg.GuardPollClass != "64" {
		t.Errorf("GuardPollClass = %v, want 64", cfg.GuardPollClass)
	}
}

func TestDefaultConfigIgnoresEnvironment(t *testing.T) {
	// Environment handling belongs to ApplyEnvConfig alone; defaults must
	// not read FIELDGATE_* variables.
	os.Setenv("FIELDGATE_NATS_URL", "nats://env.example.net:4222")
	defer os.Unsetenv("FIELDGATE_NATS_URL")

	cfg := DefaultConfig()
	if cfg.NATSURL != "" {
		t.Errorf("NATSURL = %v, want empty", cfg.NATSURL)
	}

	changed := map[string]bool{}
	if err := ApplyEnvConfig(&cfg, changed); err != nil {
		t.Fatalf("ApplyEnvConfig() error = %v", err)
	}
	if cfg.NATSURL != "nats://env.example.net:4222" {
		t.Errorf("NATSURL = %v, want env value after ApplyEnvConfig", cfg.NATSURL)
	}
}

func TestConfig_Validate(t *testing.T) {
	base := func() Config {
		cfg := DefaultConfig()
		cfg.RemoteAddr = "vendor.example.net:9400"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults with remote addr",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "missing remote addr",
			mutate:  func(c *Config) { c.RemoteAddr = "" },
			wantErr: true,
		},
		{
			name:    "empty listen addr falls back to default",
			mutate:  func(c *Config) { c.ListenAddr = "" },
			wantErr: false,
		},
		{
			name:    "non-positive queue capacity",
			mutate:  func(c *Config) { c.QueueCapacity = 0 },
			wantErr: true,
		},
		{
			name:    "non-positive learner threshold",
			mutate:  func(c *Config) { c.LearnerThreshold = -1 },
			wantErr: true,
		},
		{
			name:    "non-positive probe interval",
			mutate:  func(c *Config) { c.ProbeInterval = 0 },
			wantErr: true,
		},
		{
			name:    "non-positive replay pace",
			mutate:  func(c *Config) { c.ReplayPace = -time.Second },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateCreatesDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RemoteAddr = "vendor.example.net:9400"
	cfg.DataDir = t.TempDir() + "/nested/state"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !FileExists(cfg.DataDir) {
		t.Errorf("data dir %s was not created", cfg.DataDir)
	}
}

func TestConfig_ValidateEmptyListenAddrDefault(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RemoteAddr = "vendor.example.net:9400"
	cfg.ListenAddr = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr = %v, want %v", cfg.ListenAddr, DefaultListenAddr)
	}
}
