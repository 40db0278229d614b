package main

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cirisai/manager/pkg/registry"
	"github.com/cirisai/manager/pkg/security"
	"github.com/cirisai/manager/pkg/types"
)

func TestAgentRegisterCmdCreatesRegistryEntry(t *testing.T) {
	dataDir := t.TempDir()

	cmd := agentRegisterCmd
	cmd.SetArgs(nil)
	require.NoError(t, cmd.Flags().Set("data-dir", dataDir))
	require.NoError(t, cmd.Flags().Set("server", "host-a"))
	require.NoError(t, cmd.Flags().Set("port", "9100"))
	require.NoError(t, cmd.Flags().Set("token", "service-token-1"))
	t.Setenv("CIRIS_MANAGER_SECRET", "test-passphrase")

	require.NoError(t, cmd.RunE(cmd, []string{"agent-1"}))

	secrets, err := security.NewSecretsManagerFromPassphrase("test-passphrase")
	require.NoError(t, err)
	reg, err := registry.New(registry.Config{DataDir: dataDir, Secrets: secrets})
	require.NoError(t, err)

	entry, err := reg.Resolve(types.AgentIdentity{AgentID: "agent-1"})
	require.NoError(t, err)
	require.Equal(t, "host-a", entry.Identity.ServerID)
	require.Equal(t, 9100, entry.Port)

	token, err := reg.ServiceToken(entry.Identity)
	require.NoError(t, err)
	require.Equal(t, "service-token-1", token)
}
