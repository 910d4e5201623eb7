// Command chaingraph builds a merged address/transaction graph from paged
// blockchain API data. It can serve the graph over HTTP while consuming
// transactions from NATS, or page and merge transaction files offline.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "chaingraph <command>",
	Short:         "Merge paged blockchain transactions into an address/transaction graph",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", envOr("CHAINGRAPH_CONFIG", "chaingraph.toml"), "TOML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(pageCmd)
	rootCmd.AddCommand(mergeCmd)
}

// settings loads the config and applies the persistent flags.
func settings() (Config, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func parseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// newLogger builds the JSON logger for the server and a text logger for the
// offline commands.
func newLogger(w io.Writer, level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chaingraph:", err)
		os.Exit(1)
	}
}
