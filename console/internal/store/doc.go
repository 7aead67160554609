// Package store keeps the latest known status of every device seen on the
// status connection, merging partial updates and evicting devices that go
// quiet for longer than the TTL.
package store
