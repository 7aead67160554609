// Package resultstream implements the client for a session-scoped speech
// recognition result stream.
//
// The stream URL is handed out by the session start API and is opaque to this
// package. New(cfg) builds a Client; nothing is dialed until Connect.
//
// Inbound frames are dispatched on their "type" field:
//
//	recognition_result  appended to Results(), OnProcessing(false), OnResult
//	processing          OnProcessing(true)
//	connected           logged
//	error               OnError(*ServerError)
//	(malformed JSON)    OnError wrapping ErrParse; the socket stays open
//
// A close with any code other than 1000 schedules a reconnect after a fixed
// delay (3s by default), at most MaxAttempts times in a row. Running out of
// attempts reports ErrReconnectExhausted through OnError and stops retrying.
// Disconnect cancels a pending retry; a retry timer that has already fired is
// discarded because it belongs to an older connection generation.
//
// Callbacks run on the client's internal goroutines, never while the client
// lock is held, and in order for any single connection.
package resultstream
