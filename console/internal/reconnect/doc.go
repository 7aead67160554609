// Package reconnect holds the retry policies used by the WebSocket clients.
//
// A Policy maps a zero-based attempt number to a delay and reports whether that
// attempt is allowed at all. Backoff wraps a Policy with the attempt counter the
// clients keep between an abnormal close and the next successful open.
//
//	Fixed{Interval: 3s, MaxAttempts: 5}              3s, 3s, 3s, 3s, 3s, stop
//	Exponential{Initial: 1s, Max: 30s, MaxAttempts: 5}  1s, 2s, 4s, 8s, 16s, stop
package reconnect
