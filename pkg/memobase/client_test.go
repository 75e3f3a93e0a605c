package memobase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := NewHTTPClient(Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Logger:  zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	return client, server
}

func writeEnvelope(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   data,
		"errno":  0,
		"errmsg": "",
	})
}

func TestPing(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/healthcheck", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		writeEnvelope(w, nil)
	})

	assert.NoError(t, client.Ping(context.Background()))
}

func TestPing_ServerDown(t *testing.T) {
	client, server := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	server.Close()

	assert.Error(t, client.Ping(context.Background()))
}

func TestAddUser(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/users", r.URL.Path)

		var body map[string]map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "homeassistant", body["data"]["source"])

		writeEnvelope(w, map[string]string{"id": "u-new"})
	})

	id, err := client.AddUser(context.Background(), map[string]string{"source": "homeassistant"})
	require.NoError(t, err)
	assert.Equal(t, "u-new", id)
}

func TestAddUser_EmptyID(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, map[string]string{})
	})

	_, err := client.AddUser(context.Background(), nil)
	assert.ErrorContains(t, err, "empty id")
}

func TestGetUser(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/u-1", r.URL.Path)
		writeEnvelope(w, map[string]string{"id": "u-1"})
	})

	user, err := client.GetUser(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, "u-1", user.ID())
}

func TestGetUser_NotFound(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such user", http.StatusNotFound)
	})

	_, err := client.GetUser(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestGetUser_EmptyID(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := client.GetUser(context.Background(), "")
	assert.Error(t, err)
}

func TestErrnoError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data":   nil,
			"errno":  1002,
			"errmsg": "quota exceeded",
		})
	})

	err := client.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
}

func TestUserInsert(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/blobs/insert/u-1", r.URL.Path)

		var body struct {
			BlobType string   `json:"blob_type"`
			BlobData ChatBlob `json:"blob_data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "chat", body.BlobType)
		require.Len(t, body.BlobData.Messages, 2)
		assert.Equal(t, "user", body.BlobData.Messages[0].Role)
		assert.Equal(t, "Bot", body.BlobData.Messages[1].Alias)

		writeEnvelope(w, nil)
	})

	user := &User{client: client, id: "u-1"}
	err := user.Insert(context.Background(), ChatBlob{Messages: []Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello", Alias: "Bot"},
	}})
	assert.NoError(t, err)
}

func TestUserInsert_EmptyBlob(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	user := &User{client: client, id: "u-1"}
	assert.Error(t, user.Insert(context.Background(), ChatBlob{}))
}

func TestUserContext(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/users/context/u-1", r.URL.Path)
		assert.Equal(t, "300", r.URL.Query().Get("max_token_size"))
		assert.Equal(t, []string{"music", "travel"}, r.URL.Query()["prefer_topics"])

		writeEnvelope(w, map[string]string{"context": "likes jazz"})
	})

	user := &User{client: client, id: "u-1"}
	profile, err := user.Context(context.Background(), 300, []string{"music", "travel"})
	require.NoError(t, err)
	assert.Equal(t, "likes jazz", profile)
}

func TestUserFlush(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/users/buffer/u-1/chat", r.URL.Path)
		writeEnvelope(w, nil)
	})

	user := &User{client: client, id: "u-1"}
	assert.NoError(t, user.Flush(context.Background()))
}
