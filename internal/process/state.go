package process

import "time"

// State represents the supervision state of an Engine.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// EventType identifies what an Event reports.
type EventType string

const (
	// EventStarted is emitted once per successful start, before any output
	// line of that run.
	EventStarted EventType = "started"

	// EventStopped is emitted when a run ends, whether requested or not.
	EventStopped EventType = "stopped"

	// EventCrashed precedes EventStopped when the exit was not requested.
	EventCrashed EventType = "crashed"

	// EventOutput carries one line of the child's standard output.
	EventOutput EventType = "output"
)

// Event is a notification delivered to subscribers.
type Event struct {
	Type   EventType `json:"type"`
	Runner string    `json:"runner"`
	RunID  string    `json:"run_id,omitempty"`
	PID    int       `json:"pid,omitempty"`
	Line   string    `json:"line,omitempty"`
	Error  string    `json:"error,omitempty"`
	Time   time.Time `json:"time"`
}

// Stats is a point-in-time snapshot of an Engine.
type Stats struct {
	Name          string        `json:"name"`
	State         State         `json:"state"`
	PID           int           `json:"pid,omitempty"`
	RunID         string        `json:"run_id,omitempty"`
	StartTime     time.Time     `json:"start_time,omitempty"`
	Uptime        time.Duration `json:"uptime,omitempty"`
	NextRestart   time.Time     `json:"next_restart,omitempty"`
	RestartCount  int           `json:"restart_count"`
	CrashCount    int           `json:"crash_count"`
	ForcedKills   int           `json:"forced_kills"`
	OutputLines   uint64        `json:"output_lines"`
	DroppedEvents uint64        `json:"dropped_events"`
	LastError     string        `json:"last_error,omitempty"`
}
