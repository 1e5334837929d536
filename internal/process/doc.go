// Package process supervises a single long-running child process.
//
// An Engine owns one child at a time: it spawns it, watches for unplanned
// exits, restarts it on a crash or at a fixed daily time, and bridges the
// child's standard input and output as lines of text.
//
// Features:
//   - Start/Stop/Restart with a check-and-set state machine (safe under races)
//   - Graceful shutdown: close stdin, wait, then kill the process group
//   - Crash-restart and daily scheduled restart policy
//   - Ordered fan-out of output lines and lifecycle events to subscribers
//   - Registry for hosting many engines keyed by instance id
//
// Example usage:
//
//	eng, err := process.NewEngine(process.Spec{
//	    Name:            "game-server",
//	    Executable:      "/opt/server/run.sh",
//	    GracefulTimeout: 10 * time.Second,
//	}, process.StaticRestartConfig(process.DefaultRestartConfig()), process.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//
//	sub := eng.Subscribe(256)
//	go func() {
//	    for ev := range sub.Events() {
//	        fmt.Println(ev.Type, ev.Line)
//	    }
//	}()
//
//	if _, err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
package process
