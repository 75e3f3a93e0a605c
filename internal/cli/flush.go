package cli

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Flush the memory buffer",
	Long: `Force the memory service to fold buffered exchanges into
long-term memory immediately instead of waiting for the schedule.`,
	RunE: runFlush,
}

func init() {
	rootCmd.AddCommand(flushCmd)
}

func runFlush(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := bridgeRequest(cfg, http.MethodPost, "/v1/flush", nil)
	if err != nil {
		return fmt.Errorf("failed to reach bridge: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Flushed bool `json:"flushed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("unreadable bridge response: %w", err)
	}

	if result.Flushed {
		fmt.Println("Buffer flushed")
	} else {
		fmt.Println("Flush failed: memory service unreachable")
	}

	return nil
}
