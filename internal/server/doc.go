// Package server exposes scans over an HTTP API.
//
// Routes:
//
//	POST   /api/v1/scans              start a scan, returns its ID
//	GET    /api/v1/scans              list scans known to this process
//	GET    /api/v1/scans/{id}         progress snapshot
//	GET    /api/v1/scans/{id}/report  report (?format=json|markdown|csv|text)
//	DELETE /api/v1/scans/{id}         cancel a running scan
//	GET    /healthz                   liveness
//	GET    /metrics                   Prometheus metrics
//
// Finished scans are written to the history database when one is
// configured, so their reports stay available after the process restarts.
package server
