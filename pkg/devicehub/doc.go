// Package devicehub is the server side of the device WebSocket protocols.
// The simulator uses it to stand in for the backend, and the console's tests
// use it as a realistic peer.
//
// Hub serves the shared status endpoint (mounted at /ws):
//
//	-> {"type":"connected","message":"...","user_id":"..."}   on accept
//	<- {"type":"subscribe_device","device_id":N}
//	-> {"type":"subscribed","device_id":N}
//	<- {"type":"unsubscribe_device","device_id":N}
//	-> {"type":"unsubscribed","device_id":N}
//	<- {"type":"ping"}
//	-> {"type":"pong"}
//	-> {"type":"error","message":"..."}                        on malformed JSON
//
// PublishStatus and PublishOnline fan device_status and device_online frames
// out to the clients subscribed to that device, and to no one else.
//
// ResultHub serves per-session recognition streams (mounted at
// /ws/asr/{session_id}): a connected greeting, then processing and
// recognition_result frames pushed through Processing and Publish.
//
// Both hubs send WebSocket ping frames every PingPeriod, drop clients whose
// send buffer fills up, and close every connection with 1001 (going away) when
// Run's context is cancelled.
package devicehub
