package cli

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

var (
	profileMaxTokens int
	profileTopics    []string
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show the current user profile summary",
	Long: `Fetch the profile summary the memory service has distilled from
stored conversations. This is the text a conversation agent would
inject into its system prompt.`,
	RunE: runProfile,
}

func init() {
	profileCmd.Flags().IntVar(&profileMaxTokens, "max-tokens", 0, "token budget for the summary (0 uses the server default)")
	profileCmd.Flags().StringSliceVar(&profileTopics, "topic", nil, "topics to prioritize (repeatable)")
	rootCmd.AddCommand(profileCmd)
}

func runProfile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	query := url.Values{}
	if profileMaxTokens > 0 {
		query.Set("max_tokens", strconv.Itoa(profileMaxTokens))
	}
	for _, topic := range profileTopics {
		query.Add("topic", topic)
	}

	path := "/v1/profile"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	resp, err := bridgeRequest(cfg, http.MethodGet, path, nil)
	if err != nil {
		return fmt.Errorf("failed to reach bridge: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		Profile string `json:"profile"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("unreadable bridge response: %w", err)
	}

	if result.Profile == "" {
		fmt.Println("No profile available")
		return nil
	}

	fmt.Println(result.Profile)
	return nil
}
