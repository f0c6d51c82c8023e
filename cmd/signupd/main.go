package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/signup-agent/pkg/config"
)

var (
	// Version information (set via ldflags)
	Version = "dev"

	// Global flags
	configFile string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "signupd",
	Short: "Conversational signup agent",
	Long: `signupd hosts the signup agent: it turns chat messages into program
discovery, prerequisite checks, registration and payment at activity
providers, acting on the parent's behalf under short-lived mandates.

Without a config file everything runs in memory against the built-in
provider simulator.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", getEnv("CONFIG_FILE", ""), "Configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Verbose logging and error details")

	rootCmd.AddCommand(serveCmd, chatCmd, simulateCmd, tokenCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads --config, or the in-memory defaults when none is given.
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configFile == "" {
		cfg = config.Default()
		cfg.ApplyEnv()
	} else {
		var err error
		if cfg, err = config.LoadConfig(configFile); err != nil {
			return nil, err
		}
		log.Printf("Config: %s", configFile)
	}
	if debug {
		cfg.Debug = true
	}
	return cfg, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
