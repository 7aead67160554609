// Package types defines the JSON frames exchanged between the device backend and
// its WebSocket clients, plus the in-memory shapes both sides agree on.
//
// Inbound and outbound frames share one envelope: a "type" discriminator and
// type-specific payload fields at the top level.
//
//	{"type": "subscribe_device", "device_id": 42}
//	{"type": "device_status", "device_id": 42, "battery_level": 81.5, ...}
//	{"type": "recognition_result", "session_id": "...", "text": "...", ...}
//
// DeviceStatusUpdate uses pointer fields throughout: a nil field means the
// backend did not report it, which is not the same as reporting zero.
package types
