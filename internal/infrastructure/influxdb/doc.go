// Package influxdb writes runner metrics to InfluxDB v2.
//
// Two measurements are produced:
//
//	runner_lifecycle,runner=<id>,event=<started|stopped|crashed> count=1i,run_id="...",pid=...i
//	runner,runner=<id>,state=<state> running=1i,uptime_seconds=...,restarts=...i,crashes=...i
//
// Lifecycle points are written by the history recorder as events arrive;
// runner samples are written by the scheduler on every tick.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // metrics are optional
//	}
//	defer client.Close()
//
//	client.WriteLifecycle("game-server", "started", runID, pid, time.Now())
//
// Writes are batched according to batch_size and flush_interval and never
// block the caller. Write failures are reported through SetOnError.
package influxdb
