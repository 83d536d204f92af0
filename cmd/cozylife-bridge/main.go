// Cozylife-bridge connects CozyLife Wi-Fi relay switches to the Gray Logic
// MQTT bus.
//
// Each configured device is polled over its local TCP protocol; every
// channel's on/off state and availability is published as a retained state
// message, and turn_on / turn_off commands arriving on the command topics
// are written back to the device.
//
// Usage:
//
//	cozylife-bridge serve [--config path]
//	cozylife-bridge query --ip 192.168.1.40
//	cozylife-bridge set --ip 192.168.1.40 --channel 2 --on
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	configEnvVar      = "COZYLIFE_CONFIG"
)

func main() {
	// Cancel on Ctrl+C and SIGTERM so every command shuts down cleanly.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Built per call so tests get fresh flags.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "cozylife-bridge",
		Short: "CozyLife switch bridge for Gray Logic",
		Long: `Polls CozyLife Wi-Fi relay switches over their local TCP protocol and
bridges each channel to MQTT as an on/off entity with availability.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default $"+configEnvVar+" or "+defaultConfigPath+")")

	root.AddCommand(
		newServeCmd(&configPath),
		newQueryCmd(),
		newSetCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cozylife-bridge %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// getConfigPath returns the flag value, then COZYLIFE_CONFIG, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}
