package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	appName = "planrun"
	version = "v1.0.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Conditional trade execution engine",
		Version: version,
		Long: `planrun watches registered trade plans and executes them when their
market conditions hold, supervised by an independent watchdog.`,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to YAML config file")

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the monitor loop, watchdog and HTTP control surface",
		RunE:  runMonitor,
	}
	monitorCmd.Flags().String("addr", "", "HTTP listen address (overrides config)")
	monitorCmd.Flags().Duration("interval", 0, "Monitor cycle interval (overrides config)")
	monitorCmd.Flags().Bool("paper", false, "Force the paper execution gateway")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the PostgreSQL plan schema",
		RunE:  runMigrate,
	}

	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
