package cli

import (
	"bytes"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/Joyphor/openai-compatible-conversation/internal/config"
	"github.com/Joyphor/openai-compatible-conversation/pkg/ingress"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "membridge",
	Short: "Membridge - conversational memory bridge",
	Long: `Membridge connects conversation agents to a Memobase-compatible
memory service. It stores finished exchanges, serves user profile
summaries for prompt construction, and keeps the memory buffer flushed.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.membridge/membridge.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig loads and validates the configuration, applying CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// bridgeURL returns the base URL of the local bridge server.
func bridgeURL(cfg *config.Config) string {
	host := cfg.Ingress.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Ingress.Port)
}

// pidFilePath returns the daemon PID file path for the loaded config.
func pidFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "membridge.pid")
}

// bridgeRequest performs a request against the local bridge, signing the
// body when a shared secret is configured.
func bridgeRequest(cfg *config.Config, method, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(method, bridgeURL(cfg)+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	if cfg.Ingress.SharedSecret != "" {
		req.Header.Set(ingress.SignatureHeader, ingress.ComputeSignature(body, cfg.Ingress.SharedSecret))
	}

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}
