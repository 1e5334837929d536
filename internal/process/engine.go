package process

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/encoding"
)

// outputDrainTimeout bounds how long the engine waits for the output pump to
// deliver the last lines of a run after the child has exited.
const outputDrainTimeout = 2 * time.Second

// Options are the optional collaborators of an Engine.
type Options struct {
	// Logger receives lifecycle logs. Nil discards them.
	Logger Logger

	// Hooks customise start and shutdown.
	Hooks Hooks

	// HandleFactory creates the process handle for each run.
	// Nil selects NewExecHandle.
	HandleFactory HandleFactory

	// Clock returns the current time. Nil selects time.Now.
	Clock func() time.Time

	// NewRunID returns the identifier of a new run. Nil selects uuid.NewString.
	NewRunID func() string
}

// Result is the outcome of an asynchronous command.
type Result struct {
	// Started is only meaningful for StartAsync.
	Started bool
	// Delivered is only meaningful for SendMessageAsync.
	Delivered bool
	Err       error
}

// run is one spawned child, from successful spawn to exit.
type run struct {
	id        string
	gen       uint64
	handle    Handle
	bridge    *Bridge
	startTime time.Time

	// ready is closed once EventStarted has been emitted and the output
	// pump is running. Shutdown and crash handling wait on it.
	ready chan struct{}
}

// Engine supervises one child process.
//
// Commands may be issued concurrently from any goroutine. State changes are
// made under a single mutex; spawning, waiting and killing happen outside it
// with the state already reserved as Starting or Stopping.
type Engine struct {
	spec     Spec
	encoding encoding.Encoding
	restart  RestartConfigSource
	hooks    Hooks
	factory  HandleFactory
	now      func() time.Time
	newRunID func() string
	logger   Logger
	events   *broadcaster

	// restartMu makes Stop+Start one logical operation.
	restartMu sync.Mutex

	// inflight counts Start and Stop calls in progress; observers counts
	// exit observer goroutines. Both are only incremented under mu while
	// the engine is not disposed.
	inflight  sync.WaitGroup
	observers sync.WaitGroup

	mu       sync.Mutex
	state    State
	disposed bool
	current  *run
	gen      uint64
	observed uint64 // generation whose exit counts as a crash; 0 for none
	schedule Schedule
	// scheduledFor is the time of day schedule was computed for.
	scheduledFor time.Duration

	restartCount int
	crashCount   int
	forcedKills  int
	pastLines    uint64
	lastError    error
}

// NewEngine creates a stopped Engine for spec. The restart configuration is
// read from restart on every decision.
func NewEngine(spec Spec, restart RestartConfigSource, opts Options) (*Engine, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if restart == nil {
		restart = StaticRestartConfig(DefaultRestartConfig())
	}
	if err := restart.RestartConfig().Validate(); err != nil {
		return nil, err
	}

	enc, err := lookupEncoding(spec.Encoding)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSpec, err)
	}

	e := &Engine{
		spec:     spec.withDefaults(),
		encoding: enc,
		restart:  restart,
		hooks:    opts.Hooks.withDefaults(),
		factory:  opts.HandleFactory,
		now:      opts.Clock,
		newRunID: opts.NewRunID,
		logger:   opts.Logger,
		events:   newBroadcaster(),
		state:    StateStopped,
	}
	if e.factory == nil {
		e.factory = NewExecHandle
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newRunID == nil {
		e.newRunID = uuid.NewString
	}
	if e.logger == nil {
		e.logger = noopLogger{}
	}
	return e, nil
}

// Name returns the display name of the supervised process.
func (e *Engine) Name() string {
	return e.spec.Name
}

// Spec returns the process spec with defaults applied.
func (e *Engine) Spec() Spec {
	return e.spec
}

// RestartConfig returns the current restart configuration.
func (e *Engine) RestartConfig() RestartConfig {
	return e.restart.RestartConfig()
}

// State returns the current supervision state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe registers a subscriber with a buffer of the given size.
// Events are delivered in emission order. Output lines are dropped when the
// buffer is full; lifecycle events wait briefly for room.
func (e *Engine) Subscribe(buffer int) *Subscription {
	return e.events.subscribe(buffer)
}

// Start spawns the child if the engine is Stopped.
//
// It returns true only for the call that actually spawned. Calls made in any
// other state return false with no side effects. A spawn failure is returned
// wrapped in ErrSpawnFailed and leaves the engine Stopped.
func (e *Engine) Start(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return false, ErrDisposed
	}
	if e.state != StateStopped {
		e.mu.Unlock()
		return false, nil
	}
	e.state = StateStarting
	e.inflight.Add(1)
	e.mu.Unlock()

	defer e.inflight.Done()
	return e.start(ctx)
}

func (e *Engine) start(ctx context.Context) (bool, error) {
	runID := e.newRunID()

	if e.hooks.PreStart != nil {
		if err := e.hooks.PreStart(ctx, HookContext{Spec: e.spec, RunID: runID}); err != nil {
			err = fmt.Errorf("pre-start hook for %s: %w", e.spec.Name, err)
			e.abortStart(err)
			return false, err
		}
	}

	e.logger.Info("starting process",
		"name", e.spec.Name,
		"executable", e.spec.Executable,
		"args", e.spec.Args,
	)

	h := e.factory(e.spec)
	if err := h.Start(); err != nil {
		h.Close() //nolint:errcheck // Nothing was spawned
		err = fmt.Errorf("%w: %s: %w", ErrSpawnFailed, e.spec.Name, err)
		e.logger.Error("failed to start process", "name", e.spec.Name, "error", err)
		e.abortStart(err)
		return false, err
	}

	pid := h.PID()
	startTime := e.now()
	r := &run{
		id:        runID,
		handle:    h,
		startTime: startTime,
		ready:     make(chan struct{}),
	}
	r.bridge = NewBridge(BridgeConfig{
		Name:        e.spec.Name,
		Input:       h.Stdin(),
		Output:      h.Stdout(),
		Diagnostics: h.Stderr(),
		Encoding:    e.encoding,
		Logger:      e.logger,
		Deliver: func(line string) {
			e.events.publish(Event{
				Type:   EventOutput,
				Runner: e.spec.Name,
				RunID:  runID,
				PID:    pid,
				Line:   line,
				Time:   e.now(),
			})
		},
	})

	cfg := e.restart.RestartConfig()

	e.mu.Lock()
	if e.disposed {
		e.state = StateStopped
		e.mu.Unlock()
		h.Kill()  //nolint:errcheck // Best effort, engine is going away
		h.Close() //nolint:errcheck // Best effort, engine is going away
		return false, ErrDisposed
	}
	e.gen++
	r.gen = e.gen
	e.observed = r.gen
	e.current = r
	e.schedule = NewSchedule(startTime, cfg.DailyRestartTime)
	e.scheduledFor = cfg.DailyRestartTime
	e.state = StateRunning
	e.observers.Add(1)
	e.mu.Unlock()

	e.emit(Event{Type: EventStarted, RunID: runID, PID: pid, Time: startTime})
	r.bridge.Start()
	close(r.ready)
	go e.observe(r)

	e.logger.Info("process started",
		"name", e.spec.Name,
		"pid", pid,
		"run_id", runID,
	)

	if e.hooks.PostStart != nil {
		if err := e.hooks.PostStart(ctx, e.hookContext(r)); err != nil {
			e.logger.Warn("post-start hook failed", "name", e.spec.Name, "error", err)
		}
	}

	return true, nil
}

// abortStart returns a Starting engine to Stopped after a failed start.
func (e *Engine) abortStart(err error) {
	e.mu.Lock()
	e.state = StateStopped
	e.lastError = err
	e.mu.Unlock()
}

// Stop shuts the child down if the engine is Running; otherwise it does
// nothing. The exit caused by Stop is never treated as a crash.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return ErrDisposed
	}
	r := e.beginStopLocked()
	if r == nil {
		e.mu.Unlock()
		return nil
	}
	e.inflight.Add(1)
	e.mu.Unlock()

	defer e.inflight.Done()
	e.shutdown(ctx, r)
	return nil
}

// beginStopLocked reserves the Stopping state and unregisters the exit
// observer. It returns nil if the engine is not Running. Caller holds mu.
func (e *Engine) beginStopLocked() *run {
	if e.state != StateRunning {
		return nil
	}
	e.state = StateStopping
	e.observed = 0
	return e.current
}

// shutdown runs the graceful shutdown protocol for r and leaves the engine
// Stopped.
func (e *Engine) shutdown(ctx context.Context, r *run) {
	<-r.ready

	e.logger.Info("stopping process", "name", e.spec.Name, "pid", r.handle.PID())

	r.bridge.Detach()
	hc := e.hookContext(r)
	if err := e.hooks.PreStop(ctx, hc); err != nil {
		e.logger.Warn("pre-stop hook failed", "name", e.spec.Name, "error", err)
	}

	forced := false
	timer := time.NewTimer(e.spec.GracefulTimeout)
	select {
	case <-r.handle.Done():
		e.logger.Info("process stopped gracefully", "name", e.spec.Name)
	case <-timer.C:
		forced = true
	case <-ctx.Done():
		forced = true
	}
	timer.Stop()

	if forced {
		e.logger.Warn("graceful shutdown timed out, killing process",
			"name", e.spec.Name,
			"timeout", e.spec.GracefulTimeout,
		)
		if err := r.handle.Kill(); err != nil {
			e.logger.Error("failed to kill process", "name", e.spec.Name, "error", err)
		}
		<-r.handle.Done()
	} else {
		// The leader is gone but background children may still hold the
		// output pipe open. Not counted as a forced kill.
		r.handle.Kill() //nolint:errcheck // Leader already exited
	}

	if !r.bridge.Wait(outputDrainTimeout) {
		e.logger.Warn("output pump did not finish", "name", e.spec.Name)
	}

	if e.hooks.PostStop != nil {
		if err := e.hooks.PostStop(ctx, hc); err != nil {
			e.logger.Warn("post-stop hook failed", "name", e.spec.Name, "error", err)
		}
	}

	if err := r.handle.Close(); err != nil {
		e.logger.Debug("closing process handle", "name", e.spec.Name, "error", err)
	}

	e.mu.Lock()
	e.finishRunLocked(r)
	if forced {
		e.forcedKills++
	}
	e.mu.Unlock()

	e.emit(Event{Type: EventStopped, RunID: r.id, PID: r.handle.PID(), Time: e.now()})
}

// finishRunLocked returns the engine to Stopped after r has ended.
// Caller holds mu.
func (e *Engine) finishRunLocked(r *run) {
	e.state = StateStopped
	e.pastLines += r.bridge.Lines()
	if e.current == r {
		e.current = nil
	}
}

// observe waits for r to exit. If the exit observer is still registered for
// r when it fires, the exit was not requested and is handled as a crash.
func (e *Engine) observe(r *run) {
	defer e.observers.Done()

	<-r.handle.Done()

	e.mu.Lock()
	if e.observed != r.gen || e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	e.observed = 0
	e.state = StateStopping
	e.crashCount++
	e.mu.Unlock()

	exitErr := r.handle.ExitErr()
	e.logger.Warn("process exited unexpectedly",
		"name", e.spec.Name,
		"pid", r.handle.PID(),
		"error", exitErr,
	)

	// Reap anything left in the group so the output pipe reaches EOF.
	r.handle.Kill() //nolint:errcheck // Leader already exited
	if !r.bridge.Wait(outputDrainTimeout) {
		e.logger.Warn("output pump did not finish", "name", e.spec.Name)
	}
	if err := r.handle.Close(); err != nil {
		e.logger.Debug("closing process handle", "name", e.spec.Name, "error", err)
	}

	crashErr := fmt.Errorf("%s exited unexpectedly: %v", e.spec.Name, exitErr)
	if exitErr == nil {
		crashErr = fmt.Errorf("%s exited unexpectedly", e.spec.Name)
	}

	e.mu.Lock()
	e.finishRunLocked(r)
	e.lastError = crashErr
	e.mu.Unlock()

	now := e.now()
	e.emit(Event{Type: EventCrashed, RunID: r.id, PID: r.handle.PID(), Error: crashErr.Error(), Time: now})
	e.emit(Event{Type: EventStopped, RunID: r.id, PID: r.handle.PID(), Time: now})

	if !ShouldRestartAfterExit(true, e.restart.RestartConfig()) {
		e.logger.Warn("restart on crash disabled, process remains stopped", "name", e.spec.Name)
		return
	}

	e.logger.Info("restarting process", "name", e.spec.Name, "reason", "crash")
	started, err := e.Start(context.Background())
	if err != nil {
		e.logger.Error("crash restart failed", "name", e.spec.Name, "error", err)
		return
	}
	if started {
		e.mu.Lock()
		e.restartCount++
		e.mu.Unlock()
	}
}

// Restart stops the child if it is running and starts it again. If the
// engine is already stopped, the start still proceeds.
func (e *Engine) Restart(ctx context.Context) error {
	e.restartMu.Lock()
	defer e.restartMu.Unlock()

	e.logger.Info("restarting process", "name", e.spec.Name)

	if err := e.Stop(ctx); err != nil {
		return err
	}
	started, err := e.Start(ctx)
	if err != nil {
		return err
	}
	if started {
		e.mu.Lock()
		e.restartCount++
		e.mu.Unlock()
	}
	return nil
}

// SendMessage writes text plus a line terminator to the child's standard
// input and reports whether the line was written. It does nothing unless the
// engine is Running.
//
// Text containing a line break is rejected with ErrInvalidMessage. A write
// that fails because the input was closed under it returns an error wrapping
// ErrIOFault and leaves the engine state unchanged.
func (e *Engine) SendMessage(text string) (bool, error) {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return false, ErrDisposed
	}
	if err := checkLine(text); err != nil {
		e.mu.Unlock()
		return false, err
	}
	if e.state != StateRunning || e.current == nil {
		e.mu.Unlock()
		return false, nil
	}
	r := e.current
	e.mu.Unlock()

	if err := r.bridge.Send(text); err != nil {
		e.logger.Warn("failed to write to process input", "name", e.spec.Name, "error", err)
		e.mu.Lock()
		e.lastError = err
		e.mu.Unlock()
		return false, err
	}
	return true, nil
}

// StartAsync runs Start on a new goroutine.
func (e *Engine) StartAsync(ctx context.Context) <-chan Result {
	return async(func() Result {
		started, err := e.Start(ctx)
		return Result{Started: started, Err: err}
	})
}

// StopAsync runs Stop on a new goroutine.
func (e *Engine) StopAsync(ctx context.Context) <-chan Result {
	return async(func() Result { return Result{Err: e.Stop(ctx)} })
}

// RestartAsync runs Restart on a new goroutine.
func (e *Engine) RestartAsync(ctx context.Context) <-chan Result {
	return async(func() Result { return Result{Err: e.Restart(ctx)} })
}

// SendMessageAsync runs SendMessage on a new goroutine.
func (e *Engine) SendMessageAsync(text string) <-chan Result {
	return async(func() Result {
		delivered, err := e.SendMessage(text)
		return Result{Delivered: delivered, Err: err}
	})
}

func async(fn func() Result) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		ch <- fn()
		close(ch)
	}()
	return ch
}

// ShouldRestartNow reports whether the daily scheduled restart is due.
// It is meant to be polled by a ticker which then calls Restart.
func (e *Engine) ShouldRestartNow() bool {
	cfg := e.restart.RestartConfig()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return false
	}
	return ShouldRestartOnSchedule(cfg, e.now(), e.scheduleLocked(cfg))
}

// Schedule returns the restart schedule of the current run.
func (e *Engine) Schedule() Schedule {
	cfg := e.restart.RestartConfig()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduleLocked(cfg)
}

// scheduleLocked returns the schedule of the current run, recomputed from
// its start time when the configured time of day has changed since.
// Caller holds mu.
func (e *Engine) scheduleLocked(cfg RestartConfig) Schedule {
	if e.current != nil && cfg.DailyRestartTime != e.scheduledFor {
		e.schedule = NewSchedule(e.schedule.StartTime, cfg.DailyRestartTime)
		e.scheduledFor = cfg.DailyRestartTime
	}
	return e.schedule
}

// Stats returns a snapshot of the engine.
func (e *Engine) Stats() Stats {
	cfg := e.restart.RestartConfig()

	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Stats{
		Name:          e.spec.Name,
		State:         e.state,
		RestartCount:  e.restartCount,
		CrashCount:    e.crashCount,
		ForcedKills:   e.forcedKills,
		OutputLines:   e.pastLines,
		DroppedEvents: e.events.dropped.Load(),
	}
	if r := e.current; r != nil {
		stats.PID = r.handle.PID()
		stats.RunID = r.id
		stats.StartTime = r.startTime
		stats.Uptime = e.now().Sub(r.startTime)
		stats.OutputLines += r.bridge.Lines()
		if cfg.ScheduledRestart {
			stats.NextRestart = e.scheduleLocked(cfg).NextRestart
		}
	}
	if e.lastError != nil {
		stats.LastError = e.lastError.Error()
	}
	return stats
}

// Close stops the child if it is running, waits for background work to
// finish and closes every subscription. Later commands return ErrDisposed.
// Calling Close more than once is safe.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	e.mu.Unlock()

	// Starts and stops already under way finish before teardown.
	e.inflight.Wait()

	e.mu.Lock()
	r := e.beginStopLocked()
	e.mu.Unlock()
	if r != nil {
		e.shutdown(context.Background(), r)
	}

	e.observers.Wait()
	e.events.close()

	e.logger.Debug("engine closed", "name", e.spec.Name)
	return nil
}

func (e *Engine) hookContext(r *run) HookContext {
	return HookContext{
		Spec:       e.spec,
		RunID:      r.id,
		PID:        r.handle.PID(),
		CloseInput: r.bridge.CloseInput,
		Send:       r.bridge.Send,
		Signal:     r.handle.Signal,
	}
}

func (e *Engine) emit(ev Event) {
	ev.Runner = e.spec.Name
	e.events.publish(ev)
}
