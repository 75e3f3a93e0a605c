package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Show the current status of the membridge daemon, including the
memory service connection and the resolved user identifier.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// bridgeStatus mirrors the bridge server's status payload.
type bridgeStatus struct {
	Connected bool    `json:"connected"`
	UserID    string  `json:"user_id"`
	Uptime    float64 `json:"uptime"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := pidFilePath(cfg)
	if !isRunning(pidFile) {
		fmt.Println("Status: stopped")
		return nil
	}

	pid, err := readPID(pidFile)
	if err != nil {
		return err
	}

	fmt.Println("Status: running")
	fmt.Printf("PID: %d\n", pid)

	if fileInfo, err := os.Stat(pidFile); err == nil {
		fmt.Printf("Uptime: %s\n", formatDuration(time.Since(fileInfo.ModTime())))
	}

	// Ask the bridge for its view of the memory service
	resp, err := bridgeRequest(cfg, http.MethodGet, "/v1/status", nil)
	if err != nil {
		fmt.Println("Bridge: unreachable")
		return nil
	}
	defer resp.Body.Close()

	var status bridgeStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		fmt.Println("Bridge: unreadable response")
		return nil
	}

	if status.Connected {
		fmt.Println("Memory service: connected")
		fmt.Printf("User ID: %s\n", status.UserID)
	} else {
		fmt.Println("Memory service: disconnected")
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
