package main

import (
	"fmt"
	"os"

	"github.com/starwreckntx/mergeguard/internal/config"
	"github.com/starwreckntx/mergeguard/internal/eventlog"
	"github.com/starwreckntx/mergeguard/internal/store"

	"github.com/spf13/cobra"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Manage the local event log",
	Long:  `Export and import the redacted local event buffer. The daemon must be stopped; these commands take the workspace lock.`,
}

var logExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the event log as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		buffer, cleanup, err := openEventBuffer()
		if err != nil {
			return err
		}
		defer cleanup()

		data, err := buffer.Export()
		if err != nil {
			return fmt.Errorf("failed to export event log: %w", err)
		}

		if output == "" {
			fmt.Println(string(data))
			return nil
		}
		if err := os.WriteFile(output, data, 0644); err != nil {
			return fmt.Errorf("failed to write export: %w", err)
		}
		fmt.Printf("✓ Exported %d entries to %s\n", buffer.Len(), output)
		return nil
	},
}

var logImportCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a previously exported event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read export: %w", err)
		}

		buffer, cleanup, err := openEventBuffer()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := buffer.Import(data); err != nil {
			return err
		}
		fmt.Printf("✓ Imported %d entries\n", buffer.Len())
		return nil
	},
}

// openEventBuffer opens the workspace store offline and loads the
// persisted buffer. The returned cleanup stops the worker.
func openEventBuffer() (*eventlog.Buffer, func(), error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("config not loaded")
	}

	worker, err := store.NewWorker(cfg.Store.Path, store.RuntimeConfig{
		LockMaxRetry: 1,
		InboxSize:    cfg.Store.InboxSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store (is the daemon running?): %w", err)
	}
	worker.Start()

	maxEntries := cfg.EventLog.MaxEntries
	if maxEntries <= 0 {
		maxEntries = config.DefaultEventLogMaxEntries
	}
	maxFieldRunes := cfg.EventLog.MaxFieldRunes
	if maxFieldRunes <= 0 {
		maxFieldRunes = config.DefaultEventLogMaxFieldRunes
	}

	buffer := eventlog.NewBuffer(worker, maxEntries, maxFieldRunes, Version)
	return buffer, worker.Stop, nil
}

func init() {
	logExportCmd.Flags().StringP("output", "o", "", "Write export to file instead of stdout")
	logCmd.AddCommand(logExportCmd)
	logCmd.AddCommand(logImportCmd)
	rootCmd.AddCommand(logCmd)
}
