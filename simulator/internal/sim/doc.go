// Package sim drives the device simulator: synthetic telemetry for every
// configured device, a minimal ASR session REST API, and synthetic
// recognition results for active sessions.
//
// Frames go out through the StatusPublisher and ResultPublisher interfaces,
// which devicehub.Hub and devicehub.ResultHub satisfy.
//
// REST routes (all JSON, errors as {"detail": "..."}):
//
//	POST /api/asr/devices/{id}/session/start  -> 200, 409 if already active
//	POST /api/asr/devices/{id}/session/stop   -> 200, 404 if no such session
//	GET  /api/asr/devices/{id}/session/status -> 200
//
// Unknown devices answer 404 on every route.
package sim
