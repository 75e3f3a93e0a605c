package memobase

import (
	"context"
	"errors"
	"fmt"
)

// Message is a single conversation turn inside a chat blob
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Alias   string `json:"alias,omitempty"` // display name for assistant turns
}

// ChatBlob is one user/assistant exchange submitted for storage
type ChatBlob struct {
	Messages []Message `json:"messages"`
}

// Client talks to a Memobase-compatible memory service
type Client interface {
	// Ping checks service liveness. A nil return means the service is reachable.
	Ping(ctx context.Context) error

	// GetUser resolves an existing user. Returns ErrUserNotFound for unknown ids.
	GetUser(ctx context.Context, id string) (UserHandle, error)

	// AddUser creates a new remote user and returns its server-assigned id.
	AddUser(ctx context.Context, metadata map[string]string) (string, error)
}

// UserHandle is an opaque reference to a remote user, valid while the
// client that produced it is alive
type UserHandle interface {
	// ID returns the remote user id this handle refers to.
	ID() string

	// Insert submits an exchange to the user's ingestion buffer.
	Insert(ctx context.Context, blob ChatBlob) error

	// Context returns the summarized user profile, bounded by maxTokenSize
	// and optionally biased toward preferTopics.
	Context(ctx context.Context, maxTokenSize int, preferTopics []string) (string, error)

	// Flush forces the service to process buffered exchanges.
	Flush(ctx context.Context) error
}

// ErrUserNotFound is returned by GetUser for unknown user ids
var ErrUserNotFound = errors.New("memobase: user not found")

// APIError is a non-zero errno returned by the service
type APIError struct {
	Errno  int
	Errmsg string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("memobase: errno %d: %s", e.Errno, e.Errmsg)
}
