package settings

import (
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/process-runner/internal/process"
)

const (
	configSuffix = ".config"

	// reservedName would collide with the index file.
	reservedName = "global"

	// defaultDailyAt mirrors process.DefaultDailyRestartTime.
	defaultDailyAt = "04:00"
)

// RunnerConfig is the persisted description of one supervised runner.
type RunnerConfig struct {
	Name            string          `yaml:"name"`
	Executable      string          `yaml:"executable"`
	Args            []string        `yaml:"args,omitempty"`
	Env             []string        `yaml:"env,omitempty"`
	WorkDir         string          `yaml:"work_dir,omitempty"`
	GracefulTimeout time.Duration   `yaml:"graceful_timeout,omitempty"`
	Encoding        string          `yaml:"encoding,omitempty"`
	Restart         RestartSettings `yaml:"restart"`

	// Active runners are started when the daemon starts.
	Active bool `yaml:"active"`
}

// RestartSettings is the persisted form of process.RestartConfig.
type RestartSettings struct {
	OnCrash   bool `yaml:"on_crash"`
	Scheduled bool `yaml:"scheduled"`

	// DailyAt is the local time of the scheduled restart, "HH:MM".
	DailyAt string `yaml:"daily_at,omitempty"`
}

// NewRunnerConfig returns an active configuration with default restart
// behaviour: restart on crash, no daily schedule.
func NewRunnerConfig(name, executable string, args ...string) RunnerConfig {
	return RunnerConfig{
		Name:       name,
		Executable: executable,
		Args:       args,
		Restart: RestartSettings{
			OnCrash: true,
			DailyAt: defaultDailyAt,
		},
		Active: true,
	}
}

// Key returns the case-insensitive identity of the runner.
func (c RunnerConfig) Key() string {
	return process.NormaliseID(c.Name)
}

// FileName returns the name of the runner's config file inside the store root.
func (c RunnerConfig) FileName() string {
	return c.Key() + configSuffix
}

// Spec converts the configuration into an engine spec.
func (c RunnerConfig) Spec() process.Spec {
	return process.Spec{
		Name:            c.Name,
		Executable:      c.Executable,
		Args:            c.Args,
		Env:             c.Env,
		WorkDir:         c.WorkDir,
		GracefulTimeout: c.GracefulTimeout,
		Encoding:        c.Encoding,
	}
}

// RestartConfig converts the persisted restart settings.
func (c RunnerConfig) RestartConfig() (process.RestartConfig, error) {
	at := process.DefaultDailyRestartTime
	if c.Restart.DailyAt != "" {
		var err error
		if at, err = ParseTimeOfDay(c.Restart.DailyAt); err != nil {
			return process.RestartConfig{}, err
		}
	}
	cfg := process.RestartConfig{
		RestartOnCrash:   c.Restart.OnCrash,
		ScheduledRestart: c.Restart.Scheduled,
		DailyRestartTime: at,
	}
	return cfg, cfg.Validate()
}

// Validate checks the name, the spec and the restart settings.
func (c RunnerConfig) Validate() error {
	if err := ValidateName(c.Name); err != nil {
		return err
	}
	if err := c.Spec().Validate(); err != nil {
		return fmt.Errorf("runner %s: %w", c.Name, err)
	}
	if _, err := c.RestartConfig(); err != nil {
		return fmt.Errorf("runner %s: %w", c.Name, err)
	}
	return nil
}

// ValidateName rejects names that are empty, reserved, or unsafe as a file name.
func ValidateName(name string) error {
	key := process.NormaliseID(name)
	switch {
	case key == "":
		return fmt.Errorf("%w: name is empty", ErrInvalidName)
	case key == reservedName:
		return fmt.Errorf("%w: %q is reserved", ErrInvalidName, name)
	case strings.HasPrefix(key, "."):
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidName, name)
	case strings.ContainsAny(key, `/\:`) || strings.ContainsRune(key, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	}
	return nil
}

// ParseTimeOfDay parses "HH:MM" into an offset from midnight.
func ParseTimeOfDay(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM): %w", s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// FormatTimeOfDay renders an offset from midnight as "HH:MM".
func FormatTimeOfDay(d time.Duration) string {
	d = d.Truncate(time.Minute)
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}
