package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcloud/agentcloud/pkg/client"
)

var machinesCmd = &cobra.Command{
	Use:     "machines",
	Aliases: []string{"m"},
	Short:   "Manage machines",
	Long:    `Create, list, inspect, and archive machines.`,
}

var createCmd = &cobra.Command{
	Use:   "create <project-id>",
	Short: "Create a new machine for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		name, _ := cmd.Flags().GetString("name")
		provider, _ := cmd.Flags().GetString("provider")

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		m, err := c.CreateMachine(ctx, args[0], name, provider)
		if err != nil {
			return fmt.Errorf("failed to create machine: %w", err)
		}

		fmt.Printf("✓ Machine created: %s\n", m.ID)
		fmt.Printf("  Name: %s\n", m.Name)
		fmt.Printf("  Provider: %s\n", m.Provider)
		fmt.Printf("  State: %s\n", m.State)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:     "list <project-id>",
	Aliases: []string{"ls"},
	Short:   "List a project's machines",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		machines, err := c.ListMachines(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to list machines: %w", err)
		}

		if len(machines) == 0 {
			fmt.Println("No machines found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tSTATE\tDAEMON\tCREATED")
		for _, m := range machines {
			daemon := ""
			if m.DaemonStatus != nil {
				daemon = *m.DaemonStatus
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				m.ID, m.Name, m.Provider, m.State, daemon, m.CreatedAt.Format("2006-01-02 15:04"))
		}
		w.Flush()
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <machine-id>",
	Short: "Get machine details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m, err := c.GetMachine(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to get machine: %w", err)
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, _ := json.MarshalIndent(m, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		fmt.Printf("Machine: %s\n", m.ID)
		fmt.Printf("  Name: %s\n", m.Name)
		fmt.Printf("  Project: %s\n", m.ProjectID)
		fmt.Printf("  Provider: %s\n", m.Provider)
		fmt.Printf("  State: %s\n", m.State)
		if m.ExternalID != "" {
			fmt.Printf("  External ID: %s\n", m.ExternalID)
		}
		if m.DaemonStatus != nil {
			fmt.Printf("  Daemon: %s\n", *m.DaemonStatus)
		}
		if m.ReadyAt != nil {
			fmt.Printf("  Ready: %s\n", m.ReadyAt.Format(time.RFC3339))
		}
		if m.LastError != nil {
			fmt.Printf("  Last error: %s\n", *m.LastError)
		}
		fmt.Printf("  Created: %s\n", m.CreatedAt.Format(time.RFC3339))
		return nil
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <machine-id>",
	Short: "Archive a machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := checkAPIKey(); err != nil {
			return err
		}

		c := client.NewClient(baseURL, apiKey)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		m, err := c.ArchiveMachine(ctx, args[0])
		if err != nil {
			return fmt.Errorf("failed to archive machine: %w", err)
		}

		fmt.Printf("✓ Machine %s archived\n", m.ID)
		return nil
	},
}

func init() {
	createCmd.Flags().String("name", "", "machine name (generated when empty)")
	createCmd.Flags().String("provider", "", "compute provider (server default when empty)")
	getCmd.Flags().Bool("json", false, "output as JSON")

	machinesCmd.AddCommand(createCmd)
	machinesCmd.AddCommand(listCmd)
	machinesCmd.AddCommand(getCmd)
	machinesCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(machinesCmd)
}
