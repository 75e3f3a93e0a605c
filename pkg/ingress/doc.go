// Package ingress exposes the memory bridge over HTTP for local
// automation clients. Conversation agents post finished exchanges,
// fetch the user profile before building a prompt, and trigger buffer
// flushes when a session ends. A WebSocket endpoint streams bridge
// events so dashboards can observe memory activity live.
//
// Invariants:
//   - Requests are rejected before any session work when the shared
//     secret is configured and the HMAC signature is missing or wrong.
//   - Rate limiting is per client IP with a one-minute sliding window.
//   - The memory service being down never produces a 5xx: handlers
//     report degraded results the same way the session manager does.
//
// Usage:
//
//	srv, err := ingress.NewServer(ingress.ServerOptions{Port: 8787}, manager, logger)
//	if err != nil { ... }
//	go srv.Start()
//	defer srv.Stop()
package ingress
