// Package cli implements the memkeeper CLI commands.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rcliao/memkeeper/internal/config"
	"github.com/rcliao/memkeeper/internal/logger"
	"github.com/rcliao/memkeeper/internal/store"
)

var (
	cfgPath   string
	dbPath    string
	debugFlag bool
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "memkeeper",
	Short: "Durable versioned personal-memory store",
	Long:  "A durable, versioned store for session, daily, and long-term memories. Every change is kept as an immutable version; backups keep the store recoverable.",
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default: ~/.memkeeper/config.yaml)")
	RootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Database path (overrides config)")
	RootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		exitErr("load config", err)
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if debugFlag {
		cfg.Debug = true
	}
	return cfg
}

func newLogger(cfg *config.Config) *zap.Logger {
	return logger.New(cfg.Debug)
}

func openStore(cfg *config.Config, log *zap.Logger) *store.SQLiteStore {
	s, err := store.NewSQLiteStore(cfg.DBPath, log)
	if err != nil {
		exitErr("open store", err)
	}
	return s
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}
