package memsession

import (
	"context"
	"sync"
	"time"

	"github.com/Joyphor/openai-compatible-conversation/internal/observability"
	"github.com/Joyphor/openai-compatible-conversation/internal/tracing"
	"github.com/Joyphor/openai-compatible-conversation/pkg/memobase"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// DefaultAssistantName labels assistant turns when the caller passes none
	DefaultAssistantName = "Assistant"

	// DefaultProfileTokens bounds the profile summary when the caller passes no budget
	DefaultProfileTokens = 500

	// sourceMarker tags users created by this integration
	sourceMarker = "homeassistant"

	maxProfileAttempts = 3
	profileRetryDelay  = 1 * time.Second
)

// Manager wraps a remote memory service client with a lazily
// established session
type Manager struct {
	client memobase.Client
	logger zerolog.Logger

	onUserResolved func(userID string)
	sleep          func(time.Duration)
	retryDelay     time.Duration

	mu        sync.Mutex // guards the connect sequence
	connected bool
	userID    string
	user      memobase.UserHandle
}

// Config holds manager configuration
type Config struct {
	// Client is the remote memory service client. Required.
	Client memobase.Client

	// UserID is an optional pre-existing remote user id. When the
	// service rejects it, a new user is created and the id replaced.
	UserID string

	Logger zerolog.Logger

	// OnUserResolved is called once after identity resolution with the
	// final user id. Optional; used to persist server-assigned ids.
	OnUserResolved func(userID string)
}

// NewManager creates a new memory session manager
func NewManager(cfg Config) *Manager {
	observability.EnsureRegistered()

	return &Manager{
		client:         cfg.Client,
		logger:         cfg.Logger,
		userID:         cfg.UserID,
		onUserResolved: cfg.OnUserResolved,
		sleep:          time.Sleep,
		retryDelay:     profileRetryDelay,
	}
}

// Connect establishes the session. It is a no-op once connected.
// Returns false on any failure; the session stays unconnected and a
// later call may try again.
func (m *Manager) Connect(ctx context.Context) bool {
	if m.isConnected() {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Another caller may have finished the sequence while we waited
	if m.connected {
		return true
	}

	ctx, span := tracing.StartSpan(ctx, "membridge.memsession", "memsession.connect")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	start := time.Now()
	success := false
	defer func() {
		observability.RecordConnect(time.Since(start), success)
		observability.SetConnected(success)
	}()

	if err := m.client.Ping(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to connect to memory service")
		span.RecordError(err)
		span.SetStatus(codes.Error, "ping failed")
		return false
	}

	user, userID, err := m.resolveUser(ctx, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to resolve memory user")
		span.RecordError(err)
		span.SetStatus(codes.Error, "identity resolution failed")
		return false
	}

	m.user = user
	m.userID = userID
	m.connected = true
	success = true

	span.SetAttributes(attribute.String("user_id", userID))

	if m.onUserResolved != nil {
		m.onUserResolved(userID)
	}

	return true
}

// resolveUser fetches the configured user or creates a new one.
// A supplied id the service no longer knows falls back to creation.
func (m *Manager) resolveUser(ctx context.Context, logger zerolog.Logger) (memobase.UserHandle, string, error) {
	if m.userID != "" {
		user, err := m.client.GetUser(ctx, m.userID)
		if err == nil {
			logger.Info().Str("user_id", m.userID).Msg("Connected to existing memory user")
			return user, m.userID, nil
		}
		logger.Warn().
			Err(err).
			Str("user_id", m.userID).
			Msg("User not found, creating new user")
	}

	newID, err := m.client.AddUser(ctx, map[string]string{"source": sourceMarker})
	if err != nil {
		return nil, "", err
	}

	user, err := m.client.GetUser(ctx, newID)
	if err != nil {
		return nil, "", err
	}

	logger.Info().Str("user_id", newID).Msg("Created new memory user")
	return user, newID, nil
}

// StoreConversation submits one user/assistant exchange for storage.
// Returns false when the session cannot be established or the insert
// fails; there is no retry.
func (m *Manager) StoreConversation(ctx context.Context, userMessage, assistantResponse, assistantName string) bool {
	if !m.Connect(ctx) {
		return false
	}

	ctx, span := tracing.StartSpan(ctx, "membridge.memsession", "memsession.store_conversation")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	if assistantName == "" {
		assistantName = DefaultAssistantName
	}

	blob := memobase.ChatBlob{Messages: []memobase.Message{
		{Role: "user", Content: userMessage},
		{Role: "assistant", Content: assistantResponse, Alias: assistantName},
	}}

	start := time.Now()
	err := m.user.Insert(ctx, blob)
	observability.RecordExchangeStore(time.Since(start), err == nil)

	if err != nil {
		logger.Error().Err(err).Msg("Failed to store conversation exchange")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}

	logger.Debug().Msg("Stored conversation exchange")
	return true
}

// GetUserProfile returns the summarized user profile for prompt
// augmentation, bounded by maxTokens and optionally biased toward
// preferTopics. Failures are retried up to three attempts with a fixed
// delay; after that the empty string is returned.
func (m *Manager) GetUserProfile(ctx context.Context, maxTokens int, preferTopics []string) string {
	if !m.Connect(ctx) {
		return ""
	}

	ctx, span := tracing.StartSpan(
		ctx,
		"membridge.memsession",
		"memsession.get_user_profile",
		attribute.Int("max_tokens", maxTokens),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	if maxTokens <= 0 {
		maxTokens = DefaultProfileTokens
	}

	start := time.Now()
	for attempt := 1; attempt <= maxProfileAttempts; attempt++ {
		profile, err := m.user.Context(ctx, maxTokens, preferTopics)
		if err == nil {
			observability.RecordProfileFetch(time.Since(start), true)
			return profile
		}

		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", maxProfileAttempts).
			Msg("Failed to retrieve user profile")
		span.RecordError(err)

		if attempt == maxProfileAttempts {
			break
		}
		observability.RecordProfileFetchRetry()
		m.sleep(m.retryDelay)
	}

	observability.RecordProfileFetch(time.Since(start), false)
	span.SetStatus(codes.Error, "profile fetch exhausted retries")
	return ""
}

// FlushBuffer forces the remote service to process buffered
// exchanges. Returns false on failure; there is no retry.
func (m *Manager) FlushBuffer(ctx context.Context) bool {
	if !m.Connect(ctx) {
		return false
	}

	ctx, span := tracing.StartSpan(ctx, "membridge.memsession", "memsession.flush_buffer")
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, m.logger)

	start := time.Now()
	err := m.user.Flush(ctx)
	observability.RecordFlush(time.Since(start), err == nil)

	if err != nil {
		logger.Error().Err(err).Msg("Failed to flush memory buffer")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false
	}

	logger.Info().Str("user_id", m.userID).Msg("Flushed memory buffer")
	return true
}

// UserID returns the resolved user id. The second return is false
// until a connect has succeeded; it never triggers a connection.
func (m *Manager) UserID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return "", false
	}
	return m.userID, true
}

func (m *Manager) isConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}
