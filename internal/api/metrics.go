package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/process-runner/internal/process"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	Runners       RunnerMetrics  `json:"runners"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedEvents    uint64 `json:"dropped_events"`
}

// RunnerMetrics aggregates every registered engine.
type RunnerMetrics struct {
	Total       int            `json:"total"`
	ByState     map[string]int `json:"by_state"`
	Restarts    int            `json:"restarts"`
	Crashes     int            `json:"crashes"`
	ForcedKills int            `json:"forced_kills"`
	OutputLines uint64         `json:"output_lines"`
	Dropped     uint64         `json:"dropped_events"`
}

// handleMetrics returns runtime, WebSocket and runner totals.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			DroppedEvents:    s.hub.Dropped(),
		},
		Runners: RunnerMetrics{
			ByState: make(map[string]int),
		},
	}

	s.registry.Each(func(_ string, e *process.Engine) {
		st := e.Stats()
		m := &metrics.Runners
		m.Total++
		m.ByState[string(st.State)]++
		m.Restarts += st.RestartCount
		m.Crashes += st.CrashCount
		m.ForcedKills += st.ForcedKills
		m.OutputLines += st.OutputLines
		m.Dropped += st.DroppedEvents
	})

	writeJSON(w, http.StatusOK, metrics)
}
