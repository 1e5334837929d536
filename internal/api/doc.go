// Package api implements the HTTP control surface for supervised runners.
//
// This package provides:
//   - REST endpoints to list runners and start, stop, restart or write to them
//   - Lifecycle history queries backed by the SQLite journal
//   - A WebSocket hub streaming engine events (started, stopped, crashed, output)
//   - Middleware stack (request ID, logging, recovery, body limit)
//
// # Routes
//
//	GET  /api/v1/health
//	GET  /api/v1/metrics
//	GET  /api/v1/runners
//	GET  /api/v1/runners/{id}
//	POST /api/v1/runners/{id}/start|stop|restart
//	POST /api/v1/runners/{id}/send        {"text": "..."}
//	GET  /api/v1/runners/{id}/history     ?type=&run_id=&since=&limit=&offset=
//	GET  /api/v1/runners/{id}/ws          stream pre-subscribed to {id}
//	GET  /api/v1/ws                       stream; subscribe with {"type":"subscribe"}
//
// Lifecycle commands are detached from the request context: a client that
// disconnects mid-stop does not turn a graceful stop into a kill.
//
// Runner ids are case-insensitive. There is no authentication; bind the
// listener to a trusted interface.
//
// Usage:
//
//	srv, err := api.New(deps)
//	srv.Attach("game-server", engine)
//	srv.Start(ctx)
//	defer srv.Close()
package api
