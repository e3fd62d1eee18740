package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "metaserver",
		Short: "ipd cloud-init metadata server",
		Long:  "Serve instance metadata to guests and accept phone-home callbacks",
		RunE:  runDaemon,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.Flags().IntP("port", "p", 0, "Listen port (default 80)")
	rootCmd.Flags().String("log-level", "", "Log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
