package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcloud/agentcloud/pkg/client"
)

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage project environment delivery",
}

var envPushCmd = &cobra.Command{
	Use:   "push <project-id>",
	Short: "Push the project's env and repos to its active machines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
		defer cancel()

		result, err := c.PushEnv(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to push env: %w", err)
		}

		fmt.Printf("✓ Pushed to %d machine(s), %d already current\n", result.Pushed, result.Skipped)
		return nil
	},
}

func init() {
	envCmd.AddCommand(envPushCmd)
	rootCmd.AddCommand(envCmd)
}
