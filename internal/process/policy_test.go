package process

import (
	"errors"
	"testing"
	"time"
)

func TestNextRestartTime(t *testing.T) {
	loc := time.UTC
	tests := []struct {
		name      string
		start     time.Time
		timeOfDay time.Duration
		want      time.Time
	}{
		{
			name:      "later today",
			start:     time.Date(2026, 3, 10, 1, 30, 0, 0, loc),
			timeOfDay: 4 * time.Hour,
			want:      time.Date(2026, 3, 10, 4, 0, 0, 0, loc),
		},
		{
			name:      "already passed rolls to tomorrow",
			start:     time.Date(2026, 3, 10, 9, 0, 0, 0, loc),
			timeOfDay: 4 * time.Hour,
			want:      time.Date(2026, 3, 11, 4, 0, 0, 0, loc),
		},
		{
			name:      "exactly at boundary rolls to tomorrow",
			start:     time.Date(2026, 3, 10, 4, 0, 0, 0, loc),
			timeOfDay: 4 * time.Hour,
			want:      time.Date(2026, 3, 11, 4, 0, 0, 0, loc),
		},
		{
			name:      "midnight",
			start:     time.Date(2026, 12, 31, 23, 59, 0, 0, loc),
			timeOfDay: 0,
			want:      time.Date(2027, 1, 1, 0, 0, 0, 0, loc),
		},
		{
			name:      "minutes and seconds",
			start:     time.Date(2026, 3, 10, 12, 0, 0, 0, loc),
			timeOfDay: 13*time.Hour + 15*time.Minute + 30*time.Second,
			want:      time.Date(2026, 3, 10, 13, 15, 30, 0, loc),
		},
		{
			name:      "out of range falls back to default",
			start:     time.Date(2026, 3, 10, 1, 0, 0, 0, loc),
			timeOfDay: 25 * time.Hour,
			want:      time.Date(2026, 3, 10, 4, 0, 0, 0, loc),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextRestartTime(tt.start, tt.timeOfDay)
			if !got.Equal(tt.want) {
				t.Errorf("NextRestartTime() = %v, want %v", got, tt.want)
			}
			if !got.After(tt.start) {
				t.Errorf("NextRestartTime() = %v, not after start %v", got, tt.start)
			}
		})
	}
}

func TestNextRestartTime_AlwaysAfterStart(t *testing.T) {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.Local)
	for minute := 0; minute < 24*60; minute += 7 {
		s := start.Add(time.Duration(minute) * time.Minute)
		for _, tod := range []time.Duration{0, time.Hour, 4 * time.Hour, 23*time.Hour + 59*time.Minute} {
			next := NextRestartTime(s, tod)
			if !next.After(s) {
				t.Fatalf("NextRestartTime(%v, %v) = %v, not after start", s, tod, next)
			}
			if next.Sub(s) > 25*time.Hour {
				t.Fatalf("NextRestartTime(%v, %v) = %v, more than a day away", s, tod, next)
			}
		}
	}
}

func TestShouldRestartAfterExit(t *testing.T) {
	tests := []struct {
		name      string
		unplanned bool
		onCrash   bool
		want      bool
	}{
		{"crash with restart enabled", true, true, true},
		{"crash with restart disabled", true, false, false},
		{"requested stop with restart enabled", false, true, false},
		{"requested stop with restart disabled", false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := RestartConfig{RestartOnCrash: tt.onCrash}
			if got := ShouldRestartAfterExit(tt.unplanned, cfg); got != tt.want {
				t.Errorf("ShouldRestartAfterExit() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestShouldRestartOnSchedule(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	sched := NewSchedule(start, 4*time.Hour)
	enabled := RestartConfig{ScheduledRestart: true, DailyRestartTime: 4 * time.Hour}

	tests := []struct {
		name  string
		cfg   RestartConfig
		now   time.Time
		sched Schedule
		want  bool
	}{
		{"disabled", RestartConfig{}, sched.NextRestart.Add(time.Hour), sched, false},
		{"before boundary", enabled, sched.NextRestart.Add(-time.Second), sched, false},
		{"at boundary", enabled, sched.NextRestart, sched, true},
		{"after boundary", enabled, sched.NextRestart.Add(time.Minute), sched, true},
		{"no schedule yet", enabled, start, Schedule{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRestartOnSchedule(tt.cfg, tt.now, tt.sched); got != tt.want {
				t.Errorf("ShouldRestartOnSchedule() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewSchedule_RecomputedFromNewStart(t *testing.T) {
	first := NewSchedule(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), 4*time.Hour)
	// A restart fired at the boundary must push the next one a full day out.
	second := NewSchedule(first.NextRestart, 4*time.Hour)

	if want := first.NextRestart.Add(24 * time.Hour); !second.NextRestart.Equal(want) {
		t.Errorf("NextRestart = %v, want %v", second.NextRestart, want)
	}
}

func TestRestartConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RestartConfig
		wantErr bool
	}{
		{"default", DefaultRestartConfig(), false},
		{"scheduled midnight", RestartConfig{ScheduledRestart: true}, false},
		{"scheduled negative", RestartConfig{ScheduledRestart: true, DailyRestartTime: -time.Minute}, true},
		{"scheduled 24h", RestartConfig{ScheduledRestart: true, DailyRestartTime: 24 * time.Hour}, true},
		{"unscheduled ignores time", RestartConfig{DailyRestartTime: 48 * time.Hour}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("Validate() error = %v, want ErrInvalidSpec", err)
			}
		})
	}
}

func TestDefaultRestartConfig(t *testing.T) {
	cfg := DefaultRestartConfig()
	if !cfg.RestartOnCrash {
		t.Error("RestartOnCrash = false, want true")
	}
	if cfg.ScheduledRestart {
		t.Error("ScheduledRestart = true, want false")
	}
	if cfg.DailyRestartTime != 4*time.Hour {
		t.Errorf("DailyRestartTime = %v, want 4h", cfg.DailyRestartTime)
	}
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"valid", Spec{Executable: "/bin/cat"}, false},
		{"missing executable", Spec{Name: "x"}, true},
		{"negative timeout", Spec{Executable: "/bin/cat", GracefulTimeout: -time.Second}, true},
		{"known encoding", Spec{Executable: "/bin/cat", Encoding: "windows-1252"}, false},
		{"utf8 alias", Spec{Executable: "/bin/cat", Encoding: "UTF8"}, false},
		{"unknown encoding", Spec{Executable: "/bin/cat", Encoding: "klingon"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSpec) {
				t.Errorf("Validate() error = %v, want ErrInvalidSpec", err)
			}
		})
	}
}

func TestSpec_WithDefaults(t *testing.T) {
	s := Spec{Executable: "/usr/local/bin/server", GracefulTimeout: 10 * time.Millisecond}.withDefaults()
	if s.Name != "server" {
		t.Errorf("Name = %q, want %q", s.Name, "server")
	}
	if s.GracefulTimeout != MinGracefulTimeout {
		t.Errorf("GracefulTimeout = %v, want %v", s.GracefulTimeout, MinGracefulTimeout)
	}

	s = Spec{Executable: "/bin/cat"}.withDefaults()
	if s.GracefulTimeout != DefaultGracefulTimeout {
		t.Errorf("GracefulTimeout = %v, want %v", s.GracefulTimeout, DefaultGracefulTimeout)
	}
}

func TestSharedRestartConfig_Set(t *testing.T) {
	shared := NewSharedRestartConfig(DefaultRestartConfig())

	if err := shared.Set(RestartConfig{ScheduledRestart: true, DailyRestartTime: 30 * time.Hour}); err == nil {
		t.Fatal("Set() with invalid time of day should fail")
	}
	if !shared.RestartConfig().RestartOnCrash {
		t.Error("invalid Set() should not replace the config")
	}

	if err := shared.Set(RestartConfig{}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if shared.RestartConfig().RestartOnCrash {
		t.Error("RestartOnCrash = true after Set, want false")
	}
}
