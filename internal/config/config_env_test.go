package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
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
			name: "applies all valid env vars",
			envVars: map[string]string{
				"MBAP_LISTEN_ADDR":     ":1502",
				"MBAP_REQUEST_TIMEOUT": "100ms",
				"MBAP_UNIT_ID":         "0x11",
				"MBAP_POLL_ADDRESS":    "0xFFFF",
				"MBAP_INITIAL_VALUES":  "1, 0x2",
				"MBAP_INCREMENT":       "false",
				"MBAP_SHARED":          "1",
				"MBAP_BUSY_POLICY":     "fail",
			},
			changed: map[string]bool{},
			initial: Config{Increment: true},
			expected: Config{
				ListenAddr:     ":1502",
				RequestTimeout: 100 * time.Millisecond,
				UnitID:         0x11,
				PollAddress:    0xFFFF,
				InitialValues:  []uint16{1, 2},
				Increment:      false,
				Shared:         true,
				BusyPolicy:     "fail",
			},
		},
		{
			name: "respects changed flags",
			envVars: map[string]string{
				"MBAP_SERVER_ADDR": "10.0.0.1:502",
				"MBAP_POLL_COUNT":  "3",
			},
			changed: map[string]bool{"server": true},
			initial: Config{
				ServerAddr: "127.0.0.1:1502",
			},
			expected: Config{
				ServerAddr: "127.0.0.1:1502",
				PollCount:  3,
			},
		},
		{
			name: "returns error for invalid duration",
			envVars: map[string]string{
				"MBAP_IDLE_TIMEOUT": "not-a-duration",
			},
			changed: map[string]bool{},
			wantErr: true,
		},
		{
			name: "returns error for invalid int",
			envVars: map[string]string{
				"MBAP_REGISTERS": "many",
			},
			changed: map[string]bool{},
			wantErr: true,
		},
		{
			name: "returns error for invalid values",
			envVars: map[string]string{
				"MBAP_INITIAL_VALUES": "1,x",
			},
			changed: map[string]bool{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg := tt.initial
			err := ApplyEnvConfig(&cfg, tt.changed)
			if tt.wantErr {
				if err == nil {
					t.Error("ApplyEnvConfig() expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("ApplyEnvConfig() unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.expected, cfg); diff != "" {
				t.Errorf("ApplyEnvConfig() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
