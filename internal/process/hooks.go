package process

import (
	"context"
	"syscall"
)

// HookContext gives a hook access to the run it is called for.
type HookContext struct {
	Spec  Spec
	RunID string
	PID   int

	// CloseInput closes the child's standard input. Nil in PreStart.
	CloseInput func() error

	// Send writes a line to the child's standard input. Nil in PreStart.
	Send func(line string) error

	// Signal delivers a signal to the child's process group. Nil in PreStart.
	Signal func(sig syscall.Signal) error
}

// HookFunc is one customisation point in the lifecycle.
type HookFunc func(ctx context.Context, hc HookContext) error

// Hooks customise start and shutdown without changing the core protocol.
//
// An error from PreStart aborts the start. Errors from the other hooks are
// logged and do not change the outcome of the operation.
type Hooks struct {
	// PreStart runs before the child is spawned.
	PreStart HookFunc

	// PostStart runs after the child is Running and EventStarted was emitted.
	PostStart HookFunc

	// PreStop asks the child to exit. The engine then waits up to the
	// graceful timeout before killing it. Nil selects CloseInputOnStop.
	PreStop HookFunc

	// PostStop runs after the child has exited, before the engine returns
	// to Stopped.
	PostStop HookFunc
}

// withDefaults fills unset hooks.
func (h Hooks) withDefaults() Hooks {
	if h.PreStop == nil {
		h.PreStop = CloseInputOnStop
	}
	return h
}

// CloseInputOnStop is the default PreStop hook: it closes standard input so
// a child that reads its input sees EOF and exits on its own.
func CloseInputOnStop(_ context.Context, hc HookContext) error {
	if hc.CloseInput == nil {
		return nil
	}
	return hc.CloseInput()
}

// SignalOnStop returns a PreStop hook that closes standard input and then
// sends sig, for children that do not watch their input.
func SignalOnStop(sig syscall.Signal) HookFunc {
	return func(ctx context.Context, hc HookContext) error {
		if err := CloseInputOnStop(ctx, hc); err != nil {
			return err
		}
		if hc.Signal == nil {
			return nil
		}
		return hc.Signal(sig)
	}
}

// SendOnStop returns a PreStop hook that writes a shutdown command line
// (for example "quit") and then closes standard input.
func SendOnStop(line string) HookFunc {
	return func(ctx context.Context, hc HookContext) error {
		if hc.Send != nil {
			if err := hc.Send(line); err != nil {
				return err
			}
		}
		return CloseInputOnStop(ctx, hc)
	}
}
