package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    *Config
		wantErr bool
	}{
		{
			name: "defaults applied",
			env:  map[string]string{},
			want: &Config{
				ListenAddr:    "127.0.0.1:8736",
				DatabasePath:  "./data/peep.db",
				LogLevel:      "info",
				WatchInterval: time.Second,
			},
		},
		{
			name: "all values set",
			env: map[string]string{
				"PEEP_LISTEN_ADDR":  "0.0.0.0:9000",
				"DATABASE_PATH":     "/tmp/peep.db",
				"LOG_LEVEL":         "debug",
				"RULES_FILE":        "/etc/peep/rules.yaml",
				"WATCH_INTERVAL_MS": "250",
			},
			want: &Config{
				ListenAddr:    "0.0.0.0:9000",
				DatabasePath:  "/tmp/peep.db",
				LogLevel:      "debug",
				RulesFile:     "/etc/peep/rules.yaml",
				WatchInterval: 250 * time.Millisecond,
			},
		},
		{
			name:    "non-numeric watch interval",
			env:     map[string]string{"WATCH_INTERVAL_MS": "fast"},
			wantErr: true,
		},
		{
			name:    "zero watch interval",
			env:     map[string]string{"WATCH_INTERVAL_MS": "0"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear relevant env vars
			for _, key := range []string{"PEEP_LISTEN_ADDR", "DATABASE_PATH", "LOG_LEVEL", "RULES_FILE", "WATCH_INTERVAL_MS"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := Load()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
