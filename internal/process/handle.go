package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// Handle owns one OS process and its standard streams.
//
// A Handle is single-use: it is created unspawned, becomes live after a
// successful Start, and is dead once the process exits or is killed.
type Handle interface {
	// Start spawns the process.
	Start() error

	// PID returns the process ID, or 0 if never spawned.
	PID() int

	// Alive reports whether the process is running. A handle that was never
	// spawned, or whose state cannot be determined, reports false.
	Alive() bool

	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}

	// ExitErr returns the error from waiting on the process (nil for exit 0).
	// Only meaningful after Done is closed.
	ExitErr() error

	// Kill forcefully terminates the process and its group.
	// Killing an exited process is not an error.
	Kill() error

	// Signal delivers sig to the process group.
	Signal(sig syscall.Signal) error

	// Stdin, Stdout and Stderr return the parent's ends of the pipes.
	// They are nil before Start.
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader

	// Close kills the process if it is still alive and releases the pipes.
	// Safe to call more than once.
	Close() error
}

// HandleFactory creates an unspawned Handle for spec.
type HandleFactory func(spec Spec) Handle

// NewExecHandle is the default HandleFactory backed by os/exec.
func NewExecHandle(spec Spec) Handle {
	return &execHandle{
		spec: spec,
		done: make(chan struct{}),
	}
}

// execHandle is a Handle backed by os/exec.
//
// The pipes are created with os.Pipe rather than cmd.StdoutPipe so that
// cmd.Wait never closes our read end before the bridge has drained it.
type execHandle struct {
	spec Spec

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
	exitErr error

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	done      chan struct{}
	closeOnce sync.Once
}

// Start implements Handle.
func (h *execHandle) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return fmt.Errorf("%s: handle already started", h.spec.Name)
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeFiles(inR, inW)
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeFiles(inR, inW, outR, outW)
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	cmd := exec.Command(h.spec.Executable, h.spec.Args...) //nolint:gosec // Executable comes from operator-owned runner config

	// Create a new process group so we can signal all children on shutdown
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if h.spec.Env != nil {
		cmd.Env = append(os.Environ(), h.spec.Env...)
	}
	if h.spec.WorkDir != "" {
		cmd.Dir = h.spec.WorkDir
	}

	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		closeFiles(inR, inW, outR, outW, errR, errW)
		return err
	}

	// The child holds its own copies now.
	closeFiles(inR, outW, errW)

	h.cmd = cmd
	h.stdin = inW
	h.stdout = outR
	h.stderr = errR
	h.started = true

	go h.wait()

	return nil
}

// wait reaps the process and records its exit status.
func (h *execHandle) wait() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)
}

// PID implements Handle.
func (h *execHandle) PID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd != nil && h.cmd.Process != nil {
		return h.cmd.Process.Pid
	}
	return 0
}

// Alive implements Handle.
func (h *execHandle) Alive() bool {
	h.mu.Lock()
	started := h.started
	h.mu.Unlock()
	if !started {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Done implements Handle.
func (h *execHandle) Done() <-chan struct{} {
	return h.done
}

// ExitErr implements Handle.
func (h *execHandle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Kill implements Handle.
//
// The group is signalled even after the leader has exited, since children
// of the leader may still hold the output pipes open.
func (h *execHandle) Kill() error {
	pid := h.PID()
	if pid == 0 {
		return nil
	}
	err := syscall.Kill(-pid, syscall.SIGKILL)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return h.Signal(syscall.SIGKILL)
}

// Signal implements Handle.
func (h *execHandle) Signal(sig syscall.Signal) error {
	if !h.Alive() {
		return nil
	}
	pid := h.PID()

	// Use negative PID to signal the process group (created via Setpgid)
	err := syscall.Kill(-pid, sig)
	if err == nil || errors.Is(err, syscall.ESRCH) {
		return nil
	}

	// Fall back to the leader alone
	if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signalling %s (pid %d): %w", h.spec.Name, pid, err)
	}
	return nil
}

// Stdin implements Handle.
func (h *execHandle) Stdin() io.WriteCloser {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdin == nil {
		return nil
	}
	return h.stdin
}

// Stdout implements Handle.
func (h *execHandle) Stdout() io.Reader {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stdout == nil {
		return nil
	}
	return h.stdout
}

// Stderr implements Handle.
func (h *execHandle) Stderr() io.Reader {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stderr == nil {
		return nil
	}
	return h.stderr
}

// Close implements Handle.
func (h *execHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		if h.Alive() {
			err = h.Kill()
		}
		h.mu.Lock()
		closeFiles(h.stdin, h.stdout, h.stderr)
		h.mu.Unlock()
	})
	return err
}

// closeFiles closes every non-nil file, ignoring errors.
func closeFiles(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close() //nolint:errcheck // Best effort cleanup
		}
	}
}
