package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Query the running daemon's status endpoint: gate state, policy version and event buffer size.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg == nil {
			return fmt.Errorf("config not loaded")
		}

		client := &http.Client{Timeout: 3 * time.Second}
		url := fmt.Sprintf("http://127.0.0.1:%d/api/v1/status", cfg.Server.Port)
		resp, err := client.Get(url)
		if err != nil {
			return fmt.Errorf("daemon not reachable on port %d: %w", cfg.Server.Port, err)
		}
		defer resp.Body.Close()

		var status map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return fmt.Errorf("failed to decode status: %w", err)
		}

		keys := make([]string, 0, len(status))
		for key := range status {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		rows := make([][2]string, 0, len(keys))
		for _, key := range keys {
			rows = append(rows, [2]string{key, fmt.Sprintf("%v", status[key])})
		}
		fmt.Println(newRenderer().kvTable(rows))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
