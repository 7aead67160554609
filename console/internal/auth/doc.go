// Package auth guards the console's local surfaces with a shared API key.
//
// Middleware protects /api/ on the HTTP API; /metrics stays open for
// scrapers. UnaryInterceptor and StreamInterceptor protect the gRPC health
// service. The key is resolved on every request, so rotating the env var
// takes effect without a restart. An empty key disables the check.
package auth
