package process

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
)

const (
	// maxLineSize is the longest output line the pump will deliver.
	// Longer lines abandon the output path (the stream is then drained).
	maxLineSize = 1 << 20 // 1MB

	// initialLineBuffer is the scanner's starting buffer.
	initialLineBuffer = 64 * 1024
)

// lookupEncoding resolves an encoding name. UTF-8 and empty return nil,
// meaning no transformation is needed.
func lookupEncoding(name string) (encoding.Encoding, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", "utf-8", "utf8":
		return nil, nil
	}
	enc, err := htmlindex.Get(n)
	if err != nil {
		return nil, fmt.Errorf("unknown output encoding %q: %w", name, err)
	}
	return enc, nil
}

// BridgeConfig wires a Bridge to a spawned process.
type BridgeConfig struct {
	// Name identifies the process in logs.
	Name string

	// Input is the child's stdin (parent's write end).
	Input io.WriteCloser

	// Output is the child's stdout, read line by line and delivered.
	Output io.Reader

	// Diagnostics is the child's stderr; lines are logged at debug level.
	// Optional.
	Diagnostics io.Reader

	// Encoding decodes Output. Nil means UTF-8.
	Encoding encoding.Encoding

	// Deliver receives each output line in arrival order. It is called from
	// the pump goroutine and must not block.
	Deliver func(line string)

	Logger Logger
}

// Bridge pumps output lines from a child and writes input lines to it.
//
// The output pump runs on its own goroutine; Send runs on the caller's.
// Neither path ever blocks the other.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Bridge struct {
	cfg    BridgeConfig
	logger Logger

	writeMu     sync.Mutex
	inputClosed atomic.Bool
	detached    atomic.Bool

	lines atomic.Uint64
	done  chan struct{}
	diag  chan struct{}
}

// NewBridge creates a Bridge. Call Start to begin pumping output.
func NewBridge(cfg BridgeConfig) *Bridge {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.Deliver == nil {
		cfg.Deliver = func(string) {}
	}
	return &Bridge{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
		diag:   make(chan struct{}),
	}
}

// Start launches the output pump (and the stderr capture, if configured).
func (b *Bridge) Start() {
	go b.pump()
	if b.cfg.Diagnostics != nil {
		go b.captureDiagnostics()
	} else {
		close(b.diag)
	}
}

// pump reads newline-delimited text from the child's stdout until the stream
// closes, delivering each line unless the bridge has been detached.
func (b *Bridge) pump() {
	defer close(b.done)

	if b.cfg.Output == nil {
		return
	}

	var r io.Reader = b.cfg.Output
	if b.cfg.Encoding != nil {
		r = transform.NewReader(r, b.cfg.Encoding.NewDecoder())
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		b.lines.Add(1)
		if b.detached.Load() {
			continue
		}
		b.cfg.Deliver(line)
	}

	if err := scanner.Err(); err != nil && !isClosedStream(err) {
		b.logger.Warn("output stream fault, abandoning output path",
			"name", b.cfg.Name,
			"error", err,
		)
		// Keep the pipe drained so the child never blocks on a full buffer
		io.Copy(io.Discard, b.cfg.Output) //nolint:errcheck // Drain only
	}
}

// captureDiagnostics logs each stderr line at debug level.
func (b *Bridge) captureDiagnostics() {
	defer close(b.diag)

	scanner := bufio.NewScanner(b.cfg.Diagnostics)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineSize)
	for scanner.Scan() {
		b.logger.Debug("process output",
			"name", b.cfg.Name,
			"stream", "stderr",
			"output", scanner.Text(),
		)
	}
	if err := scanner.Err(); err != nil && !isClosedStream(err) {
		b.logger.Debug("stderr stream closed", "name", b.cfg.Name, "error", err)
		io.Copy(io.Discard, b.cfg.Diagnostics) //nolint:errcheck // Drain only
	}
}

// checkLine rejects text that would reach the child as more than one line.
func checkLine(text string) error {
	if strings.ContainsAny(text, "\r\n") {
		return fmt.Errorf("%w: contains a line break", ErrInvalidMessage)
	}
	return nil
}

// Send writes line plus a newline terminator to the child's stdin.
//
// A line containing a line break returns an error wrapping
// ErrInvalidMessage. A write after CloseInput, or one that loses a race with
// it at the OS layer, returns an error wrapping ErrIOFault.
func (b *Bridge) Send(line string) error {
	if err := checkLine(line); err != nil {
		return err
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	if b.cfg.Input == nil || b.inputClosed.Load() {
		return fmt.Errorf("%w: %s: input closed", ErrIOFault, b.cfg.Name)
	}

	if _, err := io.WriteString(b.cfg.Input, line+"\n"); err != nil {
		return fmt.Errorf("%w: writing to %s: %w", ErrIOFault, b.cfg.Name, err)
	}
	if f, ok := b.cfg.Input.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("%w: flushing %s: %w", ErrIOFault, b.cfg.Name, err)
		}
	}
	return nil
}

// CloseInput closes the child's stdin. Later Sends fail with ErrIOFault.
//
// It does not wait for an in-flight Send: a write blocked on a full pipe
// would otherwise hold up shutdown.
func (b *Bridge) CloseInput() error {
	if !b.inputClosed.CompareAndSwap(false, true) {
		return nil
	}
	if b.cfg.Input == nil {
		return nil
	}
	if err := b.cfg.Input.Close(); err != nil && !isClosedStream(err) {
		return fmt.Errorf("closing stdin of %s: %w", b.cfg.Name, err)
	}
	return nil
}

// Detach stops delivery of output lines. The pump keeps draining the
// stream until it closes.
func (b *Bridge) Detach() {
	b.detached.Store(true)
}

// Wait blocks until the output pump and stderr capture have finished, or
// timeout elapses. It reports whether both finished.
func (b *Bridge) Wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for _, ch := range []chan struct{}{b.done, b.diag} {
		select {
		case <-ch:
		case <-timer.C:
			return false
		}
	}
	return true
}

// Lines returns the number of output lines read so far.
func (b *Bridge) Lines() uint64 {
	return b.lines.Load()
}

// isClosedStream reports whether err means the stream was closed under us.
func isClosedStream(err error) bool {
	return errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF)
}
