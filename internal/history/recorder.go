package history

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/process-runner/internal/process"
)

// recordTimeout bounds a single journal write.
const recordTimeout = 5 * time.Second

// MetricsWriter receives lifecycle points alongside the journal.
// *influxdb.Client satisfies it.
type MetricsWriter interface {
	WriteLifecycle(runner, event, runID string, pid int, at time.Time)
}

// Logger is the logging surface the recorder needs.
type Logger interface {
	Warn(msg string, args ...any)
}

// Recorder subscribes to engines and journals their lifecycle events.
type Recorder struct {
	repo    Repository
	metrics MetricsWriter
	logger  Logger

	mu   sync.Mutex
	subs map[string]*process.Subscription
	wg   sync.WaitGroup
}

// NewRecorder creates a recorder writing to repo. metrics may be nil.
func NewRecorder(repo Repository, metrics MetricsWriter, logger Logger) *Recorder {
	return &Recorder{
		repo:    repo,
		metrics: metrics,
		logger:  logger,
		subs:    make(map[string]*process.Subscription),
	}
}

// Attach starts journalling the engine's events under id. Attaching the
// same id twice replaces the earlier subscription.
//
// The recorder stops on its own when the engine is closed.
func (r *Recorder) Attach(id string, e *process.Engine) {
	id = process.NormaliseID(id)
	sub := e.Subscribe(0)

	r.mu.Lock()
	if old, ok := r.subs[id]; ok {
		old.Close()
	}
	r.subs[id] = sub
	r.mu.Unlock()

	r.wg.Add(1)
	go r.consume(id, sub)
}

// Detach stops journalling id.
func (r *Recorder) Detach(id string) {
	id = process.NormaliseID(id)
	r.mu.Lock()
	sub, ok := r.subs[id]
	delete(r.subs, id)
	r.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// Close detaches every engine and waits for pending writes.
func (r *Recorder) Close() {
	r.mu.Lock()
	subs := r.subs
	r.subs = make(map[string]*process.Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	r.wg.Wait()
}

func (r *Recorder) consume(id string, sub *process.Subscription) {
	defer r.wg.Done()
	for ev := range sub.Events() {
		if ev.Type == process.EventOutput {
			continue
		}
		r.record(id, ev)
	}
}

func (r *Recorder) record(id string, ev process.Event) {
	entry := &Entry{
		Runner:     id,
		RunID:      ev.RunID,
		Type:       string(ev.Type),
		PID:        ev.PID,
		Message:    ev.Error,
		OccurredAt: ev.Time,
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.repo.Record(ctx, entry); err != nil && r.logger != nil {
		r.logger.Warn("recording runner event failed", "runner", id, "event", ev.Type, "error", err)
	}

	if r.metrics != nil {
		r.metrics.WriteLifecycle(id, entry.Type, entry.RunID, entry.PID, entry.OccurredAt)
	}
}
