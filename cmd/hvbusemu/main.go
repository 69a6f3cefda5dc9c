package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "hvbusemu",
		Short: "hvbusemu - emulated host for the hvbus connection layer",
		Long:  "Serves an emulated host over vsock or TCP, and probes it with a full guest-side connection handshake",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	rootCmd.AddCommand(
		serveCmd(),
		probeCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
