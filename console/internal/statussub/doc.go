// Package statussub implements the shared device-status connection: one
// WebSocket to the backend's status endpoint, multiplexing per-device
// subscriptions.
//
// The subscription set lives in the Client, not on the socket. SubscribeDevice
// and UnsubscribeDevice update it and, when connected, send the matching frame
// at once; every successful open replays subscribe_device for the whole set.
// Disconnect keeps the set, so a later Connect resumes where it left off.
//
// Inbound frames:
//
//	device_status          LastStatus, online set (unless is_online is false), OnStatusUpdate
//	device_online_status   online set from is_online, OnOnlineStatusChange
//	device_online          same as device_online_status
//	subscribed, unsubscribed, connected, pong   logged
//	error                  logged only
//
// Abnormal closes are retried after min(1s * 2^attempt, 30s), at most five
// times in a row; the counter resets on every successful open. Running out of
// attempts is logged and otherwise silent. While connected the client sends
// {"type":"ping"} every 30s and does not wait for the pong.
package statussub
