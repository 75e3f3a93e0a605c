package ingress

import (
	"context"
)

// SessionManager is the subset of the memory session manager the bridge
// API needs. Satisfied by *memsession.Manager.
type SessionManager interface {
	Connect(ctx context.Context) bool
	StoreConversation(ctx context.Context, userMessage, assistantResponse, assistantName string) bool
	GetUserProfile(ctx context.Context, maxTokens int, preferTopics []string) string
	FlushBuffer(ctx context.Context) bool
	UserID() (string, bool)
}

// ServerOptions configures the bridge HTTP server.
type ServerOptions struct {
	Port               int    // Server port (default: 8787)
	Host               string // Server host (default: "127.0.0.1")
	SharedSecret       string // HMAC secret; empty disables signature checks
	RateLimitPerMinute int    // Requests per minute per IP (default: 100)
}

// ExchangeRequest is one finished conversation exchange posted by a client.
type ExchangeRequest struct {
	UserMessage       string `json:"user_message"`
	AssistantResponse string `json:"assistant_response"`
	AssistantName     string `json:"assistant_name,omitempty"`
}

// ExchangeResponse reports whether the exchange reached the memory service.
type ExchangeResponse struct {
	Stored    bool   `json:"stored"`
	RequestID string `json:"request_id"`
}

// ProfileResponse carries the rendered user profile. Profile is empty when
// the memory service is unreachable or the summary could not be fetched.
type ProfileResponse struct {
	Profile   string `json:"profile"`
	RequestID string `json:"request_id"`
}

// FlushResponse reports whether the flush was accepted by the service.
type FlushResponse struct {
	Flushed   bool   `json:"flushed"`
	RequestID string `json:"request_id"`
}

// StatusResponse describes the bridge's view of the memory service.
type StatusResponse struct {
	Connected bool    `json:"connected"`
	UserID    string  `json:"user_id,omitempty"`
	Uptime    float64 `json:"uptime"`
	Timestamp int64   `json:"timestamp"`
}

// EventMessage is sent to WebSocket subscribers for each bridge event.
type EventMessage struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Seq       int64       `json:"seq"`
}

// RateLimitState tracks rate limiting per IP.
type RateLimitState struct {
	Requests    []int64 // Timestamps of requests
	WindowStart int64   // Start of current window
}
