package cliconfig

import (
	"os"
	"reflect"
	"testing"
	"time"
)

func TestApplyEnvConfig(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		changed  map[string]bool
		initial  Config
		expected Config
		wantErr  bool
	}{
		{
			name: "applies env values",
			envVars: map[string]string{
				"FIELDGATE_LISTEN_ADDR":    ":8800",
				"FIELDGATE_REMOTE_ADDR":    "vendor.example.net:9400",
				"FIELDGATE_DATA_DIR":       "/var/lib/fieldgate",
				"FIELDGATE_QUEUE_CAPACITY": "750",
				"FIELDGATE_PROBE_INTERVAL": "30s",
				"FIELDGATE_REPLAY_PACE":    "50ms",
				"FIELDGATE_LOG_LEVEL":      "debug",
				"FIELDGATE_LOG_JSON":       "true",
			},
			changed: map[string]bool{},
			initial: Config{},
			expected: Config{
				ListenAddr:    ":8800",
				RemoteAddr:    "vendor.example.net:9400",
				DataDir:       "/var/lib/fieldgate",
				QueueCapacity: 750,
				ProbeInterval: 30 * time.Second,
				ReplayPace:    50 * time.Millisecond,
				LogLevel:      "debug",
				LogJSON:       true,
			},
			wantErr: false,
		},
		{
			name: "respects changed flags",
			envVars: map[string]string{
				"FIELDGATE_REMOTE_ADDR": "env.example.net:9400",
				"FIELDGATE_LISTEN_ADDR": ":9999",
			},
			changed: map[string]bool{"remote-addr": true},
			initial: Config{
				RemoteAddr: "flag.example.net:9400",
			},
			expected: Config{
				RemoteAddr: "flag.example.net:9400",
				ListenAddr: ":9999",
			},
			wantErr: false,
		},
		{
			name: "invalid duration",
			envVars: map[string]string{
				"FIELDGATE_PROBE_INTERVAL": "soon",
			},
			changed: map[string]bool{},
			initial: Config{},
			wantErr: true,
		},
		{
			name: "invalid int",
			envVars: map[string]string{
				"FIELDGATE_QUEUE_CAPACITY": "lots",
			},
			changed: map[string]bool{},
			initial: Config{},
			wantErr: true,
		},
		{
			name:     "no env vars leaves config untouched",
			envVars:  map[string]string{},
			changed:  map[string]bool{},
			initial:  Config{RemoteAddr: "keep.example.net:9400"},
			expected: Config{RemoteAddr: "keep.example.net:9400"},
			wantErr:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}
			defer func() {
				for k := range tt.envVars {
					os.Unsetenv(k)
				}
			}()

			cfg := tt.initial
			err := ApplyEnvConfig(&cfg, tt.changed)

			if tt.wantErr && err == nil {
				t.Error("ApplyEnvConfig() expected error but got nil")
				return
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ApplyEnvConfig() unexpected error: %v", err)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(cfg, tt.expected) {
				t.Errorf("ApplyEnvConfig() = %+v, want %+v", cfg, tt.expected)
			}
		})
	}
}
