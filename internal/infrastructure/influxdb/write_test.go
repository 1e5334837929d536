package influxdb

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

func TestLifecyclePoint(t *testing.T) {
	at := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		runID    string
		pid      int
		contains []string
		absent   []string
	}{
		{
			name:     "with run",
			runID:    "run-1",
			pid:      4242,
			contains: []string{"runner_lifecycle,event=crashed,runner=game-server ", "count=1i", "pid=4242i", `run_id="run-1"`},
		},
		{
			name:     "without run",
			contains: []string{"runner_lifecycle,event=crashed,runner=game-server count=1i "},
			absent:   []string{"pid=", "run_id="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := write.PointToLineProtocol(lifecyclePoint("game-server", "crashed", tt.runID, tt.pid, at), time.Second)
			for _, want := range tt.contains {
				if !strings.Contains(line, want) {
					t.Errorf("line %q missing %q", line, want)
				}
			}
			for _, bad := range tt.absent {
				if strings.Contains(line, bad) {
					t.Errorf("line %q should not contain %q", line, bad)
				}
			}
		})
	}
}

func TestSamplePoint(t *testing.T) {
	at := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	line := write.PointToLineProtocol(samplePoint(RunnerSample{
		Runner:       "game-server",
		State:        "running",
		Running:      true,
		Uptime:       90 * time.Second,
		RestartCount: 2,
		CrashCount:   1,
		ForcedKills:  1,
		OutputLines:  120,
		Dropped:      3,
	}, at), time.Second)

	for _, want := range []string{
		"runner,runner=game-server,state=running ",
		"running=1i",
		"uptime_seconds=90",
		"restarts=2i",
		"crashes=1i",
		"forced_kills=1i",
		"output_lines=120u",
		"dropped_events=3u",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("line %q missing %q", line, want)
		}
	}
}

func TestWritesWhenDisconnected(t *testing.T) {
	c := &Client{}

	// No write API: every write must return before touching it.
	c.WriteLifecycle("r", "started", "run", 1, time.Now())
	c.WriteRunnerSample(RunnerSample{Runner: "r"}, time.Now())
	c.Flush()

	if c.IsConnected() {
		t.Error("zero Client should not report connected")
	}
}
