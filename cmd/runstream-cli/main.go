// Package main provides a CLI for triggering and watching runstream runs.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverURL  string
	token      string
	configPath string
)

// Config represents the CLI configuration
type Config struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "runstream-cli",
		Short:         "runstream CLI",
		Long:          "Command-line interface for triggering, watching and validating runstream workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if serverURL == "" || token == "" {
				loadConfig()
			}
			if serverURL == "" {
				serverURL = "http://localhost:8080"
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to CLI config file")

	rootCmd.AddCommand(
		newTriggerCmd(),
		newWatchCmd(),
		newValidateCmd(),
		newRedactCmd(),
		newTokenCmd(),
	)
	return rootCmd
}

// loadConfig fills unset global flags from the CLI config file
func loadConfig() {
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return
		}
		configPath = filepath.Join(home, ".runstream", "cli-config.json")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: Failed to read config file: %v\n", err)
		}
		return
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to parse config file: %v\n", err)
		return
	}

	if serverURL == "" {
		serverURL = config.ServerURL
	}
	if token == "" {
		token = config.Token
	}
}

func apiURL(path string) string {
	return strings.TrimRight(serverURL, "/") + "/api/v1" + path
}
