// Package api implements the HTTP gateway in front of the printer dispatcher.
//
// Routes:
//
//	GET  /healthz                  liveness and printer names (no auth)
//	GET  /metrics                  Prometheus exposition (no auth)
//	GET  /api/printers             configured printers with live state (no auth)
//	GET  /api/{name}/status        status, connecting lazily (no auth)
//	POST /api/{name}/connect       X-API-Key
//	POST /api/{name}/disconnect    X-API-Key
//	POST /api/{name}/print         X-API-Key, body {"gcode_url", "aux_url"?}
//	POST /api/{name}/pause         X-API-Key
//	POST /api/{name}/resume        X-API-Key
//	POST /api/{name}/stop          X-API-Key
//	GET  /api/{name}/camera        X-API-Key, multipart/x-mixed-replace stream
//	GET  /api/events               X-API-Key, websocket of printer events
//	GET  /api/audit                X-API-Key, audit trail
//
// Successful actions answer {"ok": true, "result": {...}}. Failures use the
// Error body; the printer.Kind of a dispatcher error selects the status:
// unknown printer and not connected 404, incomplete config and bad input
// 400, unsupported capability 501, connection and upstream failures 502.
//
// Lifecycle:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api
