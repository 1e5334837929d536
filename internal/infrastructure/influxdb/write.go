package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	measurementLifecycle = "runner_lifecycle"
	measurementRunner    = "runner"
)

// RunnerSample is one periodic observation of a supervised runner.
type RunnerSample struct {
	Runner       string
	State        string
	Running      bool
	Uptime       time.Duration
	RestartCount int
	CrashCount   int
	ForcedKills  int
	OutputLines  uint64
	Dropped      uint64
}

// WriteLifecycle records a lifecycle transition (started, stopped, crashed).
//
// The runner and event are tags; the run id and pid are fields since they
// change on every run.
//
//	client.WriteLifecycle("game-server", "crashed", runID, 4242, ev.Time)
func (c *Client) WriteLifecycle(runner, event, runID string, pid int, at time.Time) {
	c.write(lifecyclePoint(runner, event, runID, pid, at))
}

// WriteRunnerSample records uptime and counters for one runner.
func (c *Client) WriteRunnerSample(s RunnerSample, at time.Time) {
	c.write(samplePoint(s, at))
}

func (c *Client) write(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writer.WritePoint(p)
}

func lifecyclePoint(runner, event, runID string, pid int, at time.Time) *write.Point {
	fields := map[string]interface{}{"count": 1}
	if runID != "" {
		fields["run_id"] = runID
	}
	if pid > 0 {
		fields["pid"] = pid
	}
	return write.NewPoint(measurementLifecycle,
		map[string]string{"runner": runner, "event": event},
		fields,
		at,
	)
}

func samplePoint(s RunnerSample, at time.Time) *write.Point {
	running := 0
	if s.Running {
		running = 1
	}
	return write.NewPoint(measurementRunner,
		map[string]string{"runner": s.Runner, "state": s.State},
		map[string]interface{}{
			"running":        running,
			"uptime_seconds": s.Uptime.Seconds(),
			"restarts":       s.RestartCount,
			"crashes":        s.CrashCount,
			"forced_kills":   s.ForcedKills,
			"output_lines":   s.OutputLines,
			"dropped_events": s.Dropped,
		},
		at,
	)
}
