package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cirisai/manager/pkg/registry"
	"github.com/cirisai/manager/pkg/security"
	"github.com/cirisai/manager/pkg/types"
)

func envOrDefault(envVar string) string {
	return os.Getenv(envVar)
}

// tokenCmd groups operator CLI commands that mutate the registry directly
// against its on-disk JSON document.
var tokenCmd = &cobra.Command{
	Use:   "agent",
	Short: "Manage registry entries for agent containers",
}

var agentRegisterCmd = &cobra.Command{
	Use:   "register AGENT_ID",
	Short: "Create a registry entry for a newly provisioned agent container",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		server, _ := cmd.Flags().GetString("server")
		occurrence, _ := cmd.Flags().GetString("occurrence")
		port, _ := cmd.Flags().GetInt("port")
		composePath, _ := cmd.Flags().GetString("compose-path")
		templateName, _ := cmd.Flags().GetString("template")
		displayName, _ := cmd.Flags().GetString("display-name")
		token, _ := cmd.Flags().GetString("token")
		encryptionKeyEnv, _ := cmd.Flags().GetString("encryption-key-env")

		secrets, err := security.NewSecretsManagerFromPassphrase(envOrDefault(encryptionKeyEnv))
		if err != nil {
			return fmt.Errorf("encryption key: %w", err)
		}

		reg, err := registry.New(registry.Config{DataDir: dataDir, Secrets: secrets})
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}

		identity := types.AgentIdentity{AgentID: args[0], OccurrenceID: occurrence, ServerID: server}
		if displayName == "" {
			displayName = args[0]
		}

		entry := &types.RegistryEntry{
			Identity:     identity,
			DisplayName:  displayName,
			TemplateName: templateName,
			Port:         port,
			ComposePath:  composePath,
			CanaryGroup:  types.CanaryUnassigned,
		}
		if err := reg.Create(entry); err != nil {
			return fmt.Errorf("create registry entry: %w", err)
		}
		if token != "" {
			if err := reg.SetServiceToken(identity, token); err != nil {
				return fmt.Errorf("set service token: %w", err)
			}
		}

		fmt.Printf("registered agent %s (server=%s port=%d)\n", args[0], server, port)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{agentRegisterCmd} {
		c.Flags().String("data-dir", "./data", "Directory holding registry.json")
		c.Flags().String("server", "", "Host id the container runs on")
		c.Flags().String("occurrence", "", "Occurrence id, for multiple replicas on one host")
		c.Flags().Int("port", 0, "Published API port")
		c.Flags().String("compose-path", "", "Path to the agent's compose file on its host")
		c.Flags().String("template", "", "Template name this agent was created from")
		c.Flags().String("display-name", "", "Human display name; defaults to the agent id")
		c.Flags().String("token", "", "Service token to encrypt and store")
		c.Flags().String("encryption-key-env", "CIRIS_MANAGER_SECRET", "Environment variable holding the encryption passphrase")
	}
	tokenCmd.AddCommand(agentRegisterCmd)
}
