package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"confsfu/pkg/config"
	"confsfu/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "confsfu",
	Short: "Multi-party conference SFU with WebSocket signaling",
	Long: `confsfu runs the room orchestration of a selective forwarding unit: a pool of media
workers, rooms of peers exchanging producers and consumers, a WebSocket signaling gateway,
and an optional RTP tap that forwards every new producer to a recording endpoint.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
		if err != nil {
			return err
		}
		defer func() { _ = zapLogger.Sync() }()

		return run(cmd.Context(), cfg, zapLogger.Sugar())
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "configs/config.yaml", "path to the YAML configuration file")
}

func main() {
	// a missing .env is fine; the environment may already be set
	_ = godotenv.Load()

	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
