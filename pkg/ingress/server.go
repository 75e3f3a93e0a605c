package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Joyphor/openai-compatible-conversation/internal/observability"
	"github.com/Joyphor/openai-compatible-conversation/internal/tracing"
	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Server is the bridge HTTP server.
type Server struct {
	options        ServerOptions
	server         *http.Server
	manager        SessionManager
	rateLimiter    *RateLimiter
	broadcaster    *EventBroadcaster
	upgrader       websocket.Upgrader
	logger         zerolog.Logger
	startTime      time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a new bridge server.
func NewServer(options ServerOptions, manager SessionManager, logger zerolog.Logger) (*Server, error) {
	observability.EnsureRegistered()

	if options.Port == 0 {
		options.Port = 8787
	}
	if options.Host == "" {
		options.Host = "127.0.0.1"
	}
	if options.RateLimitPerMinute == 0 {
		options.RateLimitPerMinute = 100
	}

	if manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}

	s := &Server{
		options:     options,
		manager:     manager,
		rateLimiter: NewRateLimiter(options.RateLimitPerMinute),
		broadcaster: NewEventBroadcaster(logger),
		logger:      logger,
		startTime:   time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Local bridge, origin enforcement adds nothing
			},
		},
	}

	return s, nil
}

// Broadcaster exposes the event broadcaster so other components can emit
// bridge events.
func (s *Server) Broadcaster() *EventBroadcaster {
	return s.broadcaster
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.options.Host, s.options.Port)
}

// Handler builds the HTTP handler with all routes registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/exchanges", s.guarded("exchanges", s.handleExchanges))
	mux.HandleFunc("/v1/profile", s.guarded("profile", s.handleProfile))
	mux.HandleFunc("/v1/flush", s.guarded("flush", s.handleFlush))
	mux.HandleFunc("/v1/status", s.guarded("status", s.handleStatus))
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.Handle("/metrics", observability.MetricsHandler())
	mux.HandleFunc("/healthz", s.handleHealth)

	return mux
}

// Start starts the bridge server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.Addr(),
		Handler: s.Handler(),
	}

	s.logger.Info().
		Str("host", s.options.Host).
		Int("port", s.options.Port).
		Msg("Starting bridge server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start bridge server: %w", err)
	}

	return nil
}

// Stop gracefully stops the bridge server.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down bridge server")

	// Wait for in-flight requests with timeout
	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	s.rateLimiter.Stop()
	s.broadcaster.CloseAll()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown bridge server: %w", err)
	}

	s.logger.Info().Msg("Bridge server stopped")
	return nil
}

// guarded wraps a handler with the shared request pipeline: shutdown gate,
// in-flight tracking, rate limiting, signature verification, request ids,
// and per-route metrics.
func (s *Server) guarded(route string, handler func(http.ResponseWriter, *http.Request, []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
			return
		}
		s.shutdownMu.RUnlock()

		s.inFlightReqs.Add(1)
		defer s.inFlightReqs.Done()

		ip := s.getClientIP(r)

		if !s.rateLimiter.CheckLimit(ip) {
			retryAfter := s.rateLimiter.GetRetryAfter(ip)
			s.logger.Warn().
				Str("ip", ip).
				Str("path", r.URL.Path).
				Int("retryAfter", retryAfter).
				Msg("Rate limit exceeded")

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			observability.RecordIngressRequest(route, "rate_limited", time.Since(startTime))
			return
		}

		rawBody, err := io.ReadAll(r.Body)
		if err != nil {
			s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Failed to read request body")
			http.Error(w, "Bad Request", http.StatusBadRequest)
			observability.RecordIngressRequest(route, "bad_request", time.Since(startTime))
			return
		}

		if s.options.SharedSecret != "" {
			signature := r.Header.Get(SignatureHeader)
			if signature == "" {
				s.logger.Warn().
					Str("path", r.URL.Path).
					Str("ip", ip).
					Msg("Missing request signature")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				observability.RecordIngressRequest(route, "unauthorized", time.Since(startTime))
				observability.RecordIngressAudit(r.Context(), "signature.missing", ip, "rejected", map[string]interface{}{
					"path": r.URL.Path,
				})
				return
			}

			if !verifySignature(rawBody, signature, s.options.SharedSecret) {
				s.logger.Warn().
					Str("path", r.URL.Path).
					Str("ip", ip).
					Msg("Invalid request signature")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				observability.RecordIngressRequest(route, "unauthorized", time.Since(startTime))
				observability.RecordIngressAudit(r.Context(), "signature.invalid", ip, "rejected", map[string]interface{}{
					"path": r.URL.Path,
				})
				return
			}
		}

		requestID, _ := gonanoid.New()
		ctx := tracing.NewRequestContext(r.Context())
		ctx = tracing.WithRequestID(ctx, requestID)
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(rec, r, rawBody)

		duration := time.Since(startTime)
		observability.RecordIngressRequest(route, strconv.Itoa(rec.status), duration)

		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("ip", ip).
			Int("status", rec.status).
			Dur("duration", duration).
			Msg("Request completed")
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handleExchanges stores one finished conversation exchange.
func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request, rawBody []byte) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := validateExchangePayload(rawBody); err != nil {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Warn().Err(err).Msg("Rejected exchange payload")
		s.sendJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var req ExchangeRequest
	if err := json.Unmarshal(rawBody, &req); err != nil {
		s.sendJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	stored := s.manager.StoreConversation(r.Context(), req.UserMessage, req.AssistantResponse, req.AssistantName)

	status := http.StatusOK
	if !stored {
		// Degraded, not failed: the exchange is dropped but the caller
		// should not retry into a dead service.
		status = http.StatusAccepted
	}

	s.sendJSON(w, status, ExchangeResponse{
		Stored:    stored,
		RequestID: tracing.GetRequestID(r.Context()),
	})

	go s.broadcastEvent("exchange.stored", map[string]interface{}{
		"stored":         stored,
		"assistant_name": req.AssistantName,
	})
}

// handleProfile returns the rendered user profile.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request, _ []byte) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	maxTokens := 0
	if v := r.URL.Query().Get("max_tokens"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			s.sendJSON(w, http.StatusBadRequest, map[string]string{"error": "max_tokens must be an integer"})
			return
		}
		maxTokens = parsed
	}

	topics := r.URL.Query()["topic"]

	profile := s.manager.GetUserProfile(r.Context(), maxTokens, topics)

	s.sendJSON(w, http.StatusOK, ProfileResponse{
		Profile:   profile,
		RequestID: tracing.GetRequestID(r.Context()),
	})
}

// handleFlush forces buffered history into long-term memory.
func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request, _ []byte) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flushed := s.manager.FlushBuffer(r.Context())

	status := http.StatusOK
	if !flushed {
		status = http.StatusAccepted
	}

	s.sendJSON(w, status, FlushResponse{
		Flushed:   flushed,
		RequestID: tracing.GetRequestID(r.Context()),
	})

	go s.broadcastEvent("buffer.flushed", map[string]interface{}{
		"flushed": flushed,
	})
}

// handleStatus reports the bridge's connection state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ []byte) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, connected := s.manager.UserID()

	s.sendJSON(w, http.StatusOK, StatusResponse{
		Connected: connected,
		UserID:    userID,
		Uptime:    time.Since(s.startTime).Seconds(),
		Timestamp: time.Now().UnixMilli(),
	})
}

// handleEvents upgrades the connection and streams bridge events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.shutdownMu.RUnlock()

	if s.options.SharedSecret != "" {
		token := r.URL.Query().Get("token")
		if !verifySignature([]byte("events"), token, s.options.SharedSecret) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	subscriberID, _ := gonanoid.New()
	s.broadcaster.Add(subscriberID, conn)

	// Drain reads so pings and close frames are processed
	go func() {
		defer s.broadcaster.Remove(subscriberID)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	_, connected := s.manager.UserID()

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"connected": connected,
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

func (s *Server) sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) broadcastEvent(event string, data map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Msg("Panic in broadcast event")
		}
	}()

	s.broadcaster.Broadcast(event, data)
}

// getClientIP extracts the client IP from the request.
func (s *Server) getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
