package process

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultGracefulTimeout is used when Spec.GracefulTimeout is zero.
	DefaultGracefulTimeout = 10 * time.Second

	// MinGracefulTimeout is the shortest graceful window an engine will wait.
	MinGracefulTimeout = 100 * time.Millisecond

	// DefaultDailyRestartTime is 04:00 local time.
	DefaultDailyRestartTime = 4 * time.Hour

	day = 24 * time.Hour
)

// Spec describes the child process an Engine supervises.
// It is fixed at construction and never mutated by the engine.
type Spec struct {
	// Name is a human-readable identifier used in logs and events.
	// Defaults to the base name of Executable.
	Name string `yaml:"name" json:"name"`

	// Executable is the path to the program to run.
	Executable string `yaml:"executable" json:"executable"`

	// Args are command-line arguments passed to the executable.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env are additional environment variables (key=value format).
	// If nil, the child inherits the parent environment unchanged.
	Env []string `yaml:"env,omitempty" json:"env,omitempty"`

	// WorkDir is the working directory for the child.
	// If empty, inherits from the parent process.
	WorkDir string `yaml:"work_dir,omitempty" json:"work_dir,omitempty"`

	// GracefulTimeout is how long Stop waits after closing stdin before
	// killing the process group. Values below MinGracefulTimeout are raised.
	GracefulTimeout time.Duration `yaml:"graceful_timeout" json:"graceful_timeout"`

	// Encoding names the character set of the child's output
	// (e.g. "utf-8", "windows-1252", "shift_jis"). Empty means UTF-8.
	Encoding string `yaml:"encoding,omitempty" json:"encoding,omitempty"`
}

// withDefaults returns a copy of s with zero values replaced.
func (s Spec) withDefaults() Spec {
	if s.Name == "" && s.Executable != "" {
		s.Name = filepath.Base(s.Executable)
	}
	if s.GracefulTimeout == 0 {
		s.GracefulTimeout = DefaultGracefulTimeout
	}
	if s.GracefulTimeout < MinGracefulTimeout {
		s.GracefulTimeout = MinGracefulTimeout
	}
	if s.Args != nil {
		s.Args = append([]string(nil), s.Args...)
	}
	if s.Env != nil {
		s.Env = append([]string(nil), s.Env...)
	}
	return s
}

// Validate checks the spec for errors.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Executable) == "" {
		return fmt.Errorf("%w: executable is required", ErrInvalidSpec)
	}
	if s.GracefulTimeout < 0 {
		return fmt.Errorf("%w: graceful timeout must not be negative", ErrInvalidSpec)
	}
	if _, err := lookupEncoding(s.Encoding); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}
	return nil
}

// RestartConfig controls automatic restarts. It is owned by the caller;
// the engine only reads it, on every decision.
type RestartConfig struct {
	// RestartOnCrash restarts the child when it exits without a Stop request.
	RestartOnCrash bool `yaml:"restart_on_crash" json:"restart_on_crash"`

	// ScheduledRestart enables the daily restart at DailyRestartTime.
	ScheduledRestart bool `yaml:"scheduled_restart" json:"scheduled_restart"`

	// DailyRestartTime is the local time of day, as an offset from midnight.
	// Must be in [0, 24h) when ScheduledRestart is set.
	DailyRestartTime time.Duration `yaml:"daily_restart_time" json:"daily_restart_time"`
}

// DefaultRestartConfig restarts on crash and has no daily schedule.
func DefaultRestartConfig() RestartConfig {
	return RestartConfig{
		RestartOnCrash:   true,
		ScheduledRestart: false,
		DailyRestartTime: DefaultDailyRestartTime,
	}
}

// Validate checks the restart configuration.
func (c RestartConfig) Validate() error {
	if c.ScheduledRestart && (c.DailyRestartTime < 0 || c.DailyRestartTime >= day) {
		return fmt.Errorf("%w: daily restart time %v is not a time of day", ErrInvalidSpec, c.DailyRestartTime)
	}
	return nil
}

// RestartConfigSource supplies the caller-owned restart configuration.
type RestartConfigSource interface {
	RestartConfig() RestartConfig
}

// StaticRestartConfig is a RestartConfigSource that never changes.
type StaticRestartConfig RestartConfig

// RestartConfig implements RestartConfigSource.
func (c StaticRestartConfig) RestartConfig() RestartConfig {
	return RestartConfig(c)
}

// SharedRestartConfig is a RestartConfigSource the caller can update while
// the engine is running.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type SharedRestartConfig struct {
	mu  sync.RWMutex
	cfg RestartConfig
}

// NewSharedRestartConfig creates a SharedRestartConfig holding cfg.
func NewSharedRestartConfig(cfg RestartConfig) *SharedRestartConfig {
	return &SharedRestartConfig{cfg: cfg}
}

// RestartConfig implements RestartConfigSource.
func (s *SharedRestartConfig) RestartConfig() RestartConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Set replaces the configuration after validating it.
func (s *SharedRestartConfig) Set(cfg RestartConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// Logger defines the logging interface for the engine.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
