// Package api serves the console's read-only local HTTP API.
//
//	GET /api/v1/health        connection states and counts
//	GET /api/v1/devices       merged status of every live device
//	GET /api/v1/devices/{id}  one device, with diagnostic hints
//	GET /api/v1/results       recognition results (?emergency=true, ?limit=n)
//	GET /api/v1/alerts        firing and recently resolved alerts
//	GET /metrics              Prometheus text exposition
//
// Every route answers non-GET methods with 405.
package api
