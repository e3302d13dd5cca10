// Package api implements the HTTP REST API and WebSocket server for the
// fan bridge.
//
// This package provides:
//   - GET/POST pairs for each fan field, driven through the command bridge
//   - The cached snapshot, command history and system statistics
//   - A WebSocket hub that pushes field changes as they are committed
//   - Prometheus exposition on /metrics
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Routes
//
//	GET  /                      service banner
//	GET  /health                fan and MQTT connectivity
//	GET  /metrics               Prometheus
//	GET  /api/fan/state         cached snapshot (503 until known)
//	GET  /api/fan/history       recent commands (?limit=1..200)
//	GET  /api/system/metrics    runtime and link statistics
//	GET|POST /api/fan/power     {"state": "ON"|"OFF"}
//	GET|POST /api/fan/speed     {"speed": 0-7 or 8-100, "percent": bool}
//	GET|POST /api/fan/whoosh    {"state": "ON"|"OFF"}
//	GET|POST /api/light/power   {"state": "ON"|"OFF"}
//	GET|POST /api/light/level   {"level": 0-16 or 17-100, "percent": bool}
//	GET  /ws                    WebSocket
//	GET  /panel/                browser control page (api.panel.enabled)
//
// GET on a field reads the fan live; POST answers with the value the fan
// reported back. Out-of-range input is a 400, a fan that stopped answering
// is a 503 carrying the last known value.
//
// There is no authentication. Run the bridge on a trusted network.
package api
