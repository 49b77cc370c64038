package main

import (
	"fmt"
	"os"

	"github.com/starwreckntx/mergeguard/internal/config"
	"github.com/starwreckntx/mergeguard/internal/logger"

	"github.com/spf13/cobra"
)

// Version is stamped into exported event entries so a replayed log names
// the build that produced it.
const Version = "0.1.0"

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "mergeguard",
	Short: "MergeGuard checkpoint daemon",
	Long:  `MergeGuard gates merge actions behind tiered confirmation checkpoints and replays confirmed actions exactly once.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.mergeguard/config.yaml)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Int("server.port", config.DefaultServerPort, "server port")
}
