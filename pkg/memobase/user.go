package memobase

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// User is an HTTP-backed UserHandle
type User struct {
	client *HTTPClient
	id     string
}

// ID returns the remote user id
func (u *User) ID() string {
	return u.id
}

// Insert submits an exchange to the user's ingestion buffer
func (u *User) Insert(ctx context.Context, blob ChatBlob) error {
	if len(blob.Messages) == 0 {
		return fmt.Errorf("chat blob has no messages")
	}

	body := map[string]interface{}{
		"blob_type": "chat",
		"blob_data": blob,
	}

	path := "/api/v1/blobs/insert/" + url.PathEscape(u.id)
	if err := u.client.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("insert blob for user %s: %w", u.id, err)
	}
	return nil
}

// Context returns the summarized user profile
func (u *User) Context(ctx context.Context, maxTokenSize int, preferTopics []string) (string, error) {
	query := url.Values{}
	query.Set("max_token_size", strconv.Itoa(maxTokenSize))
	for _, topic := range preferTopics {
		query.Add("prefer_topics", topic)
	}

	path := "/api/v1/users/context/" + url.PathEscape(u.id) + "?" + query.Encode()

	var data struct {
		Context string `json:"context"`
	}
	if err := u.client.do(ctx, http.MethodGet, path, nil, &data); err != nil {
		return "", fmt.Errorf("context for user %s: %w", u.id, err)
	}
	return data.Context, nil
}

// Flush forces the service to process buffered exchanges
func (u *User) Flush(ctx context.Context) error {
	path := "/api/v1/users/buffer/" + url.PathEscape(u.id) + "/chat"
	if err := u.client.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("flush buffer for user %s: %w", u.id, err)
	}
	return nil
}
