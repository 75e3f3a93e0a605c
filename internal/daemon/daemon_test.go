package daemon

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Joyphor/openai-compatible-conversation/internal/config"
	"github.com/Joyphor/openai-compatible-conversation/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMemoryService is a minimal Memobase-compatible endpoint.
func fakeMemoryService(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	respond := func(w http.ResponseWriter, data interface{}) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": data, "errno": 0, "errmsg": "",
		})
	}
	mux.HandleFunc("/api/v1/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		respond(w, nil)
	})
	mux.HandleFunc("/api/v1/users", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]string{"id": "u-test"})
	})
	mux.HandleFunc("/api/v1/users/u-test", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]string{"id": "u-test"})
	})
	mux.HandleFunc("/api/v1/users/buffer/u-test/chat", func(w http.ResponseWriter, r *http.Request) {
		respond(w, nil)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func freePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func createTestDaemon(t *testing.T, serviceURL string) *Daemon {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Memobase.URL = serviceURL
	cfg.Memobase.APIKey = "test-key"
	cfg.Memobase.Timeout = 2
	cfg.Ingress.Host = "127.0.0.1"
	cfg.Ingress.Port = freePort(t)
	cfg.Flush.Enabled = false
	cfg.Logging.File = cfg.DataDir + "/membridge.log"

	log, err := logger.New(logger.Config{Level: "error", File: cfg.Logging.File})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d
}

func TestNew_RequiresEnabledMemory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Memobase.Enabled = false
	cfg.DataDir = t.TempDir()

	log, err := logger.New(logger.Config{Level: "error", File: cfg.DataDir + "/m.log"})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.Error(t, err)
}

func TestSeedUserID_ConfigWins(t *testing.T) {
	ts := fakeMemoryService(t)
	d := createTestDaemon(t, ts.URL)
	defer d.registry.Close()

	require.NoError(t, d.registry.Record(defaultProfile, "u-recorded"))
	d.config.Memobase.UserID = "u-explicit"

	assert.Equal(t, "u-explicit", d.seedUserID())
}

func TestSeedUserID_FallsBackToRegistry(t *testing.T) {
	ts := fakeMemoryService(t)
	d := createTestDaemon(t, ts.URL)
	defer d.registry.Close()

	assert.Equal(t, "", d.seedUserID())

	require.NoError(t, d.registry.Record(defaultProfile, "u-recorded"))
	assert.Equal(t, "u-recorded", d.seedUserID())
}

func TestStartStop(t *testing.T) {
	ts := fakeMemoryService(t)
	d := createTestDaemon(t, ts.URL)

	require.NoError(t, d.Start())

	// Starting twice fails
	assert.Error(t, d.Start())

	// Bridge comes up and reports health
	healthURL := fmt.Sprintf("http://%s/healthz", d.ingress.Addr())
	require.Eventually(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, d.Stop())

	// Stopping twice is a no-op
	assert.NoError(t, d.Stop())
}

func TestStatus(t *testing.T) {
	ts := fakeMemoryService(t)
	d := createTestDaemon(t, ts.URL)

	status := d.Status()
	assert.False(t, status.Running)

	require.NoError(t, d.Start())
	defer d.Stop()

	// Warmup connects and resolves a user
	require.Eventually(t, func() bool {
		return d.Status().Connected
	}, 3*time.Second, 50*time.Millisecond)

	status = d.Status()
	assert.True(t, status.Running)
	assert.Equal(t, "u-test", status.UserID)

	// Resolution was recorded for the next start
	recorded, err := d.registry.Lookup(defaultProfile)
	require.NoError(t, err)
	assert.Equal(t, "u-test", recorded)
}
