package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"fiscalsync/internal/config"
	fileutil "fiscalsync/internal/file"
)

// Version is set at build time.
var Version = "0.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fiscalsync",
	Short: "Upload fiscal documents and certificates to the accounting service",
	Long: `fiscalsync watches configured directories for fiscal documents and
certificates, classifies them and uploads them to the remote service.
It can also download documents from the provider API.

Jobs are controlled over the websocket endpoint served by "fiscalsync serve".`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, migrateCmd)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	_, _ = maxprocs.Set()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// loadConfig reads the config and points the global logger at the
// configured level and optional JSON file. The returned func releases
// the log file.
func loadConfig() (config.Config, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("load config: %w", err)
	}
	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		return cfg, nil, fmt.Errorf("ensure data dir: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		return cfg, nil, fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Log.File == "" {
		return cfg, func() {}, nil
	}
	if err := fileutil.EnsureDir(filepath.Dir(cfg.Log.File)); err != nil {
		return cfg, nil, fmt.Errorf("ensure log dir: %w", err)
	}
	f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return cfg, nil, fmt.Errorf("open log file: %w", err)
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, f)).With().Timestamp().Logger()
	return cfg, func() { _ = f.Close() }, nil
}
