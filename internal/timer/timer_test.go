package timer

import (
	"testing"

	"peep/internal/model"
)

func TestEffectiveDelay(t *testing.T) {
	tests := []struct {
		name     string
		base     int64
		sessions int
		want     int64
	}{
		{name: "no sessions yet", base: 20, sessions: 0, want: 20},
		{name: "one session doubles", base: 20, sessions: 1, want: 40},
		{name: "three sessions octuple", base: 20, sessions: 3, want: 160},
		{name: "zero base stays zero", base: 0, sessions: 4, want: 0},
		{name: "escalation is capped", base: 1, sessions: 100, want: 1 << 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := model.Rule{BaseDelaySec: tt.base, SessionsStartedToday: tt.sessions}
			if got := EffectiveDelay(r); got != tt.want {
				t.Errorf("EffectiveDelay = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		sec  int64
		want string
	}{
		{sec: 0, want: "0s"},
		{sec: 45, want: "45s"},
		{sec: 60, want: "1m"},
		{sec: 90, want: "1m 30s"},
		{sec: 300, want: "5m"},
		{sec: 305, want: "5m 5s"},
	}

	for _, tt := range tests {
		if got := FormatDuration(tt.sec); got != tt.want {
			t.Errorf("FormatDuration(%d) = %q, want %q", tt.sec, got, tt.want)
		}
	}
}
