package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	baseURL string
	apiKey  string
)

var rootCmd = &cobra.Command{
	Use:   "agctl",
	Short: "agentcloud CLI - Manage machines from the command line",
	Long: `agentcloud CLI (agctl) is a command-line tool for the agentcloud control plane.

It provides commands to create and inspect machines, follow their lifecycle,
and push environment configuration to the active machine of a project.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", getEnvOrDefault("AGENTCLOUD_API_URL", "http://localhost:8080"), "agentcloud API base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("AGENTCLOUD_API_KEY"), "agentcloud API key")
}

func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func checkAPIKey() error {
	if apiKey == "" {
		return fmt.Errorf("API key is required. Set AGENTCLOUD_API_KEY environment variable or use --api-key flag")
	}
	return nil
}
