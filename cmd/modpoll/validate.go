package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-modnet/config"
	"github.com/arloliu/go-modnet/logger"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file",
	Long: `Validate a modpoll configuration file without polling.

The YAML is parsed, environment variables are expanded, and every point
address is translated with the device dialect. No connection is opened.

Example:
  modpoll validate -c fleet.yaml`,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringP("config", "c", "", "path to config file (required)")
	_ = validateCmd.MarkFlagRequired("config")
}

func runValidate(cmd *cobra.Command, args []string) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	devs, err := config.BuildDevices(cfg, logger.GetLogger())
	if err != nil {
		return fmt.Errorf("failed to build devices: %w", err)
	}

	points := 0
	for _, dc := range cfg.Devices {
		points += len(dc.Points)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Config is valid!\n")
	fmt.Fprintf(out, "  Devices:     %d\n", len(devs))
	fmt.Fprintf(out, "  Points:      %d\n", points)
	fmt.Fprintf(out, "  Cycle:       %s\n", cfg.Fleet.Cycle.Duration())
	fmt.Fprintf(out, "  Max running: %d\n", cfg.Fleet.MaxRunning)

	return nil
}
