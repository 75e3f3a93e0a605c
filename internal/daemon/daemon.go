// Package daemon wires configuration, the memory service client, the
// session manager, and the bridge services into one long-running process.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/Joyphor/openai-compatible-conversation/internal/config"
	"github.com/Joyphor/openai-compatible-conversation/internal/flush"
	"github.com/Joyphor/openai-compatible-conversation/internal/identity"
	"github.com/Joyphor/openai-compatible-conversation/internal/logger"
	"github.com/Joyphor/openai-compatible-conversation/internal/observability"
	"github.com/Joyphor/openai-compatible-conversation/internal/tracing"
	"github.com/Joyphor/openai-compatible-conversation/pkg/ingress"
	"github.com/Joyphor/openai-compatible-conversation/pkg/memobase"
	"github.com/Joyphor/openai-compatible-conversation/pkg/memsession"
)

// defaultProfile is the registry key for a single-household install.
const defaultProfile = "default"

// Status describes the running daemon.
type Status struct {
	Running   bool          `json:"running"`
	PID       int           `json:"pid"`
	Uptime    time.Duration `json:"uptime"`
	Connected bool          `json:"connected"`
	UserID    string        `json:"user_id,omitempty"`
}

// Daemon is the membridge daemon service.
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	client    memobase.Client
	registry  *identity.Registry
	manager   *memsession.Manager
	ingress   *ingress.Server
	scheduler *flush.Scheduler
	watcher   *config.Watcher

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New creates a new daemon instance.
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if !cfg.Memobase.Enabled {
		return nil, fmt.Errorf("memory bridge is disabled in configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	if err := tracing.InitOpenTelemetry("membridge-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		log.Info().Msg("Tracing initialized successfully")
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: true,
	}

	if err := d.initialize(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
			d.tracingEnabled = false
		}
		return nil, err
	}

	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

// initialize builds components in dependency order.
func (d *Daemon) initialize() error {
	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	registry, err := identity.NewRegistry(identity.Config{
		DBPath: filepath.Join(d.config.DataDir, "identity.db"),
		Logger: d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to open identity registry: %w", err)
	}
	d.registry = registry
	d.logger.Info().Msg("Identity registry initialized")

	d.client = memobase.NewHTTPClient(memobase.Config{
		BaseURL: d.config.Memobase.URL,
		APIKey:  d.config.Memobase.APIKey,
		Timeout: time.Duration(d.config.Memobase.Timeout) * time.Second,
		Logger:  d.logger.GetZerolog(),
	})

	d.manager = memsession.NewManager(memsession.Config{
		Client: d.client,
		UserID: d.seedUserID(),
		Logger: d.logger.GetZerolog(),
		OnUserResolved: func(userID string) {
			if err := d.registry.Record(defaultProfile, userID); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to record resolved user")
			}
			observability.RecordMemoryAudit(context.Background(), "user.resolved", "daemon", "ok",
				map[string]interface{}{"user_id": userID})
		},
	})
	d.logger.Info().Msg("Memory session manager initialized")

	srv, err := ingress.NewServer(ingress.ServerOptions{
		Host:               d.config.Ingress.Host,
		Port:               d.config.Ingress.Port,
		SharedSecret:       d.config.Ingress.SharedSecret,
		RateLimitPerMinute: d.config.Ingress.RateLimitPerMinute,
	}, d.manager, d.logger.GetZerolog())
	if err != nil {
		return fmt.Errorf("failed to create bridge server: %w", err)
	}
	d.ingress = srv
	d.logger.Info().Msg("Bridge server initialized")

	if d.config.Flush.Enabled {
		scheduler, err := flush.NewScheduler(flush.Config{
			Manager:  d.manager,
			Schedule: d.config.Flush.Schedule,
			Logger:   d.logger.GetZerolog(),
			OnFlush: func(ok bool) {
				status := "ok"
				if !ok {
					status = "failed"
				}
				observability.RecordMemoryAudit(context.Background(), "buffer.flush", "scheduler", status, nil)
				d.ingress.Broadcaster().Broadcast("buffer.flushed", map[string]interface{}{
					"flushed":   ok,
					"scheduled": true,
				})
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create flush scheduler: %w", err)
		}
		d.scheduler = scheduler
		d.logger.Info().Str("schedule", d.config.Flush.Schedule).Msg("Flush scheduler initialized")
	}

	return nil
}

// seedUserID picks the initial remote user id: explicit config wins,
// otherwise the last recorded resolution.
func (d *Daemon) seedUserID() string {
	if d.config.Memobase.UserID != "" {
		return d.config.Memobase.UserID
	}

	userID, err := d.registry.Lookup(defaultProfile)
	if err != nil {
		return ""
	}
	return userID
}

// Start starts all daemon services.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.ingress.Start(); err != nil {
			d.logger.Error().Err(err).Msg("Bridge server error")
		}
	}()

	if d.scheduler != nil {
		d.scheduler.Start()
	}

	d.startConfigWatcher()

	// Warm up the connection so the first exchange does not pay for it.
	// Failure here is fine: the manager reconnects lazily.
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if d.manager.Connect(d.ctx) {
			if userID, ok := d.manager.UserID(); ok {
				d.logger.Info().Str("user_id", userID).Msg("Memory service connected")
			}
		} else {
			d.logger.Warn().Msg("Memory service unreachable at startup, will retry on demand")
		}
	}()

	d.logger.Info().
		Str("addr", d.ingress.Addr()).
		Msg("Daemon started")

	return nil
}

// startConfigWatcher reloads the log level when the config file changes.
func (d *Daemon) startConfigWatcher() {
	loader := config.NewLoader("")
	watcher, err := config.NewWatcher(loader, d.logger.GetZerolog(), func(cfg *config.Config) {
		d.logger.SetLevel(cfg.Logging.Level)
		d.logger.Info().Str("level", cfg.Logging.Level).Msg("Log level reloaded")
	})
	if err != nil {
		d.logger.Warn().Err(err).Msg("Config watcher unavailable, log level changes require restart")
		return
	}
	d.watcher = watcher
}

// Stop gracefully stops all daemon services.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Stopping daemon")

	if d.watcher != nil {
		_ = d.watcher.Stop()
	}

	if d.scheduler != nil {
		d.scheduler.Stop()
	}

	// Push buffered exchanges before going down
	if d.manager.FlushBuffer(context.Background()) {
		d.logger.Info().Msg("Final buffer flush completed")
	}

	if err := d.ingress.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop bridge server")
	}

	d.cancel()
	d.wg.Wait()

	if err := d.registry.Close(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to close identity registry")
	}

	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if a := observability.GetAuditLogger(); a != nil {
		_ = a.Close()
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to shutdown tracing")
		}
		d.tracingEnabled = false
	}

	d.logger.Info().Msg("Daemon stopped")
	return nil
}

// Run starts the daemon and blocks until a termination signal arrives.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	d.logger.Info().Str("signal", sig.String()).Msg("Received termination signal")

	return d.Stop()
}

// Status returns the daemon's current status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		PID:     os.Getpid(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
	}
	if userID, ok := d.manager.UserID(); ok {
		status.Connected = true
		status.UserID = userID
	}
	return status
}

// Manager exposes the session manager for in-process callers.
func (d *Daemon) Manager() *memsession.Manager {
	return d.manager
}
