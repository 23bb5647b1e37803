// Package main is the entry point for the modpoll CLI.
//
// Usage:
//
//	modpoll poll -c fleet.yaml                # Poll the configured devices
//	modpoll validate -c fleet.yaml            # Validate configuration
//	modpoll translate -d na200h M10 D100      # Show how addresses map to the wire
//	modpoll version                           # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Set at build time via ldflags, e.g. -X main.version=1.0.0.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "modpoll",
	Short: "Poll a fleet of Modbus devices",
	Long: `modpoll polls a fleet of Modbus TCP, RTU and RTU-over-TCP devices.

Healthy devices are polled every cycle; devices that stopped answering are
probed at a slower pace until they come back. Results are logged and can be
published to NATS, fleet and link counters are exposed to Prometheus.

Example config:
  fleet:
    max_running: 4
    cycle: 2s
  devices:
    - id: 1
      address: 10.0.0.5:502
      points:
        - {name: temperature, address: "4X 1", type: int16, scale: 0.1}`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "modpoll %s\n", version)
		fmt.Fprintf(out, "  commit: %s\n", commit)
		fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
