package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "ipd",
		Short: "ipd build scheduler",
		Long:  "Run the build scheduler, the project registry and the JSON admin API",
		RunE:  runDaemon,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.Flags().String("admin-addr", "", "Admin API listen address (default :8000)")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
