package memsession

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Joyphor/openai-compatible-conversation/pkg/memobase"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUser struct {
	mu sync.Mutex

	id      string
	inserts []memobase.ChatBlob

	insertErr  error
	contextErr error
	flushErr   error

	contextResult   string
	contextCalls    int
	contextTokens   []int
	contextTopics   [][]string
	contextFailures int // fail this many calls before succeeding
	flushCalls      int
}

func (u *fakeUser) ID() string { return u.id }

func (u *fakeUser) Insert(ctx context.Context, blob memobase.ChatBlob) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.inserts = append(u.inserts, blob)
	return u.insertErr
}

func (u *fakeUser) Context(ctx context.Context, maxTokenSize int, preferTopics []string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.contextCalls++
	u.contextTokens = append(u.contextTokens, maxTokenSize)
	u.contextTopics = append(u.contextTopics, preferTopics)
	if u.contextErr != nil {
		return "", u.contextErr
	}
	if u.contextFailures > 0 {
		u.contextFailures--
		return "", errors.New("transient failure")
	}
	return u.contextResult, nil
}

func (u *fakeUser) Flush(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.flushCalls++
	return u.flushErr
}

type fakeClient struct {
	mu sync.Mutex

	pingErr   error
	pingCalls int

	users        map[string]*fakeUser
	getUserCalls int

	addUserID    string
	addUserErr   error
	addUserCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		users:     map[string]*fakeUser{},
		addUserID: "u1",
	}
}

func (c *fakeClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingCalls++
	return c.pingErr
}

func (c *fakeClient) GetUser(ctx context.Context, id string) (memobase.UserHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.getUserCalls++
	user, ok := c.users[id]
	if !ok {
		return nil, memobase.ErrUserNotFound
	}
	return user, nil
}

func (c *fakeClient) AddUser(ctx context.Context, metadata map[string]string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addUserCalls++
	if c.addUserErr != nil {
		return "", c.addUserErr
	}
	c.users[c.addUserID] = &fakeUser{id: c.addUserID}
	return c.addUserID, nil
}

func newTestManager(client memobase.Client, userID string) *Manager {
	m := NewManager(Config{
		Client: client,
		UserID: userID,
		Logger: zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	// Keep retries fast in tests
	m.retryDelay = time.Millisecond
	return m
}

func TestConnect_FreshManagerCreatesUser(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(client, "")

	assert.True(t, m.Connect(context.Background()))

	id, ok := m.UserID()
	assert.True(t, ok)
	assert.Equal(t, "u1", id)
	assert.Equal(t, 1, client.pingCalls)
	assert.Equal(t, 1, client.addUserCalls)
}

func TestConnect_Idempotent(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(client, "")

	require.True(t, m.Connect(context.Background()))
	require.True(t, m.Connect(context.Background()))

	assert.Equal(t, 1, client.pingCalls)
	assert.Equal(t, 1, client.addUserCalls)
	assert.Equal(t, 1, client.getUserCalls)
}

func TestConnect_Concurrent(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(client, "")

	const n = 25
	var wg sync.WaitGroup
	results := make([]bool, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = m.StoreConversation(context.Background(), "hi", "hello", "")
		}(i)
	}
	wg.Wait()

	for _, ok := range results {
		assert.True(t, ok)
	}

	// Exactly one connect sequence ran
	assert.Equal(t, 1, client.pingCalls)
	assert.Equal(t, 1, client.addUserCalls)
	assert.Equal(t, 1, client.getUserCalls)
	assert.Len(t, client.users["u1"].inserts, n)
}

func TestConnect_ExistingUser(t *testing.T) {
	client := newFakeClient()
	client.users["u-known"] = &fakeUser{id: "u-known"}
	m := newTestManager(client, "u-known")

	assert.True(t, m.Connect(context.Background()))

	id, ok := m.UserID()
	assert.True(t, ok)
	assert.Equal(t, "u-known", id)
	assert.Equal(t, 0, client.addUserCalls)
}

func TestConnect_FallbackOnUnknownUser(t *testing.T) {
	client := newFakeClient()
	client.addUserID = "u-replacement"
	m := newTestManager(client, "u-gone")

	assert.True(t, m.Connect(context.Background()))

	id, ok := m.UserID()
	assert.True(t, ok)
	assert.Equal(t, "u-replacement", id)
	assert.Equal(t, 1, client.addUserCalls)
}

func TestConnect_PingFails(t *testing.T) {
	client := newFakeClient()
	client.pingErr = errors.New("connection refused")
	m := newTestManager(client, "")

	assert.False(t, m.Connect(context.Background()))
	assert.Equal(t, 0, client.addUserCalls)
	assert.Equal(t, 0, client.getUserCalls)

	_, ok := m.UserID()
	assert.False(t, ok)
}

func TestConnect_AddUserFails(t *testing.T) {
	client := newFakeClient()
	client.addUserErr = errors.New("backend down")
	m := newTestManager(client, "")

	assert.False(t, m.Connect(context.Background()))

	_, ok := m.UserID()
	assert.False(t, ok)
}

func TestConnect_RetriesAfterFailure(t *testing.T) {
	client := newFakeClient()
	client.pingErr = errors.New("connection refused")
	m := newTestManager(client, "")

	require.False(t, m.Connect(context.Background()))

	// Service comes back; a later call may connect
	client.mu.Lock()
	client.pingErr = nil
	client.mu.Unlock()

	assert.True(t, m.Connect(context.Background()))
}

func TestFailureIsolation(t *testing.T) {
	client := newFakeClient()
	client.pingErr = errors.New("connection refused")
	m := newTestManager(client, "")

	assert.False(t, m.StoreConversation(context.Background(), "hi", "hello", ""))
	assert.Equal(t, "", m.GetUserProfile(context.Background(), 500, nil))
	assert.False(t, m.FlushBuffer(context.Background()))

	// Nothing beyond ping was attempted
	assert.Equal(t, 0, client.getUserCalls)
	assert.Equal(t, 0, client.addUserCalls)
}

func TestStoreConversation(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(client, "")

	assert.True(t, m.StoreConversation(context.Background(), "hi", "hello", "Bot"))

	user := client.users["u1"]
	require.Len(t, user.inserts, 1)

	blob := user.inserts[0]
	require.Len(t, blob.Messages, 2)
	assert.Equal(t, "user", blob.Messages[0].Role)
	assert.Equal(t, "hi", blob.Messages[0].Content)
	assert.Equal(t, "assistant", blob.Messages[1].Role)
	assert.Equal(t, "hello", blob.Messages[1].Content)
	assert.Equal(t, "Bot", blob.Messages[1].Alias)
}

func TestStoreConversation_DefaultAssistantName(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(client, "")

	require.True(t, m.StoreConversation(context.Background(), "hi", "hello", ""))

	blob := client.users["u1"].inserts[0]
	assert.Equal(t, DefaultAssistantName, blob.Messages[1].Alias)
}

func TestStoreConversation_InsertFails(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(client, "")
	require.True(t, m.Connect(context.Background()))

	client.users["u1"].insertErr = errors.New("buffer full")

	assert.False(t, m.StoreConversation(context.Background(), "hi", "hello", ""))
}

func TestGetUserProfile(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(client, "")
	require.True(t, m.Connect(context.Background()))

	client.users["u1"].contextResult = "likes jazz; lives in Oslo"

	profile := m.GetUserProfile(context.Background(), 300, []string{"music"})
	assert.Equal(t, "likes jazz; lives in Oslo", profile)

	user := client.users["u1"]
	assert.Equal(t, []int{300}, user.contextTokens)
	assert.Equal(t, [][]string{{"music"}}, user.contextTopics)
}

func TestGetUserProfile_DefaultTokenBudget(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(client, "")
	require.True(t, m.Connect(context.Background()))

	m.GetUserProfile(context.Background(), 0, nil)

	assert.Equal(t, []int{DefaultProfileTokens}, client.users["u1"].contextTokens)
}

func TestGetUserProfile_RetryBound(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(client, "")
	require.True(t, m.Connect(context.Background()))

	client.users["u1"].contextErr = errors.New("summarizer overloaded")

	var slept []time.Duration
	m.sleep = func(d time.Duration) { slept = append(slept, d) }

	profile := m.GetUserProfile(context.Background(), 500, nil)

	assert.Equal(t, "", profile)
	assert.Equal(t, 3, client.users["u1"].contextCalls)
	// Fixed delay between attempts, none after the last
	require.Len(t, slept, 2)
	assert.Equal(t, m.retryDelay, slept[0])
	assert.Equal(t, m.retryDelay, slept[1])
}

func TestGetUserProfile_SucceedsOnRetry(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(client, "")
	require.True(t, m.Connect(context.Background()))

	user := client.users["u1"]
	user.contextFailures = 2
	user.contextResult = "recovered"

	profile := m.GetUserProfile(context.Background(), 500, nil)

	assert.Equal(t, "recovered", profile)
	assert.Equal(t, 3, user.contextCalls)
}

func TestFlushBuffer(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(client, "")

	assert.True(t, m.FlushBuffer(context.Background()))
	assert.Equal(t, 1, client.users["u1"].flushCalls)
}

func TestFlushBuffer_Fails(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(client, "")
	require.True(t, m.Connect(context.Background()))

	client.users["u1"].flushErr = errors.New("busy")

	assert.False(t, m.FlushBuffer(context.Background()))
	// No retry
	assert.Equal(t, 1, client.users["u1"].flushCalls)
}

func TestUserID_BeforeConnect(t *testing.T) {
	client := newFakeClient()
	m := newTestManager(client, "u-configured")

	// Gated on connected state even when an id was supplied
	_, ok := m.UserID()
	assert.False(t, ok)

	// And does not trigger a connection attempt
	assert.Equal(t, 0, client.pingCalls)
}

func TestOnUserResolved(t *testing.T) {
	client := newFakeClient()

	var resolved string
	m := NewManager(Config{
		Client:         client,
		Logger:         zerolog.New(os.Stdout).Level(zerolog.Disabled),
		OnUserResolved: func(id string) { resolved = id },
	})

	require.True(t, m.Connect(context.Background()))
	assert.Equal(t, "u1", resolved)
}
