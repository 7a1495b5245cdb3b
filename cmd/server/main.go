package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/atmx/papertrade/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "papertrade",
	Short: "Paper-trading ledger service",
	Long: `Papertrade keeps a virtual cash balance, positions and trade history per
user, fills market orders against live or mock quotes and pushes portfolio
updates over WebSocket.`,
	SilenceUsage: true,
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
}

// loadConfig loads the configuration and installs the JSON logger at the
// configured level.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
