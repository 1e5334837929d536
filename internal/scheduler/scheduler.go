// Package scheduler drives the daily restart of supervised runners.
//
// Engines only answer "is my restart due?"; the Scheduler asks every
// registered engine on each tick and restarts those that say yes. Each tick
// also samples runner stats into an optional metrics writer.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/process-runner/internal/infrastructure/influxdb"
	"github.com/nerrad567/process-runner/internal/process"
)

// DefaultInterval is the polling interval when none is configured.
const DefaultInterval = time.Minute

// MetricsWriter receives one sample per runner per tick.
// *influxdb.Client satisfies it.
type MetricsWriter interface {
	WriteRunnerSample(s influxdb.RunnerSample, at time.Time)
}

// Logger is the logging surface the scheduler needs.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Config configures a Scheduler.
type Config struct {
	Registry *process.Registry
	Interval time.Duration

	// Metrics may be nil.
	Metrics MetricsWriter
	Logger  Logger

	// Clock returns the sample timestamp. Nil selects time.Now.
	Clock func() time.Time
}

// Scheduler polls a Registry for due restarts.
type Scheduler struct {
	registry *process.Registry
	interval time.Duration
	metrics  MetricsWriter
	logger   Logger
	clock    func() time.Time

	// restarting holds runner ids with a restart in flight.
	mu         sync.Mutex
	restarting map[string]bool

	done     chan struct{}
	stopOnce sync.Once
	loopWG   sync.WaitGroup
	workWG   sync.WaitGroup
}

// New creates a scheduler. It does nothing until Start.
func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Scheduler{
		registry:   cfg.Registry,
		interval:   cfg.Interval,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		clock:      cfg.Clock,
		restarting: make(map[string]bool),
		done:       make(chan struct{}),
	}
}

// Start begins polling in the background until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.loopWG.Add(1)
	go s.loop(ctx)
}

// Stop ends polling and waits for restarts already in flight.
// Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.loopWG.Wait()
		s.workWG.Wait()
	})
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.loopWG.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one polling pass: every due runner is restarted in the
// background and, when metrics are configured, every runner is sampled.
// It returns the ids whose restart was launched.
func (s *Scheduler) Tick(ctx context.Context) []string {
	var launched []string
	now := s.clock()

	s.registry.Each(func(id string, e *process.Engine) {
		if s.metrics != nil {
			s.metrics.WriteRunnerSample(sample(id, e.Stats()), now)
		}
		if !e.ShouldRestartNow() || !s.claim(id) {
			return
		}
		launched = append(launched, id)

		s.workWG.Add(1)
		go func() {
			defer s.workWG.Done()
			defer s.release(id)
			s.restart(ctx, id, e)
		}()
	})
	return launched
}

func (s *Scheduler) restart(ctx context.Context, id string, e *process.Engine) {
	s.logInfo("scheduled restart", "runner", id, "next_restart", e.Schedule().NextRestart)
	if err := e.Restart(ctx); err != nil {
		s.logWarn("scheduled restart failed", "runner", id, "error", err)
	}
}

func (s *Scheduler) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restarting[id] {
		return false
	}
	s.restarting[id] = true
	return true
}

func (s *Scheduler) release(id string) {
	s.mu.Lock()
	delete(s.restarting, id)
	s.mu.Unlock()
}

func (s *Scheduler) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Scheduler) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func sample(id string, st process.Stats) influxdb.RunnerSample {
	return influxdb.RunnerSample{
		Runner:       id,
		State:        string(st.State),
		Running:      st.State == process.StateRunning,
		Uptime:       st.Uptime,
		RestartCount: st.RestartCount,
		CrashCount:   st.CrashCount,
		ForcedKills:  st.ForcedKills,
		OutputLines:  st.OutputLines,
		Dropped:      st.DroppedEvents,
	}
}
