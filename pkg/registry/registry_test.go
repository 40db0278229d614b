package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirisai/manager/pkg/security"
	"github.com/cirisai/manager/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	secrets, err := security.NewSecretsManagerFromPassphrase("test-passphrase")
	require.NoError(t, err)
	reg, err := New(Config{DataDir: t.TempDir(), Secrets: secrets})
	require.NoError(t, err)
	return reg
}

func TestCreateAndResolveExact(t *testing.T) {
	reg := newTestRegistry(t)
	identity := types.AgentIdentity{AgentID: "agent-1", OccurrenceID: "a", ServerID: "host-1"}
	require.NoError(t, reg.Create(&types.RegistryEntry{Identity: identity, DisplayName: "Agent One", Port: 8080}))

	entry, err := reg.Resolve(identity)
	require.NoError(t, err)
	assert.Equal(t, "Agent One", entry.DisplayName)
	assert.Equal(t, types.CanaryUnassigned, entry.CanaryGroup)
	assert.Equal(t, types.OAuthPending, entry.OAuthStatus)
	assert.False(t, entry.CreatedAt.IsZero())
}

func TestCreateRejectsDuplicateIdentity(t *testing.T) {
	reg := newTestRegistry(t)
	identity := types.AgentIdentity{AgentID: "agent-1", ServerID: "host-1"}
	require.NoError(t, reg.Create(&types.RegistryEntry{Identity: identity, Port: 8080}))

	err := reg.Create(&types.RegistryEntry{Identity: identity, Port: 8081})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "conflict"))
}

func TestCreateRejectsDuplicatePort(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Create(&types.RegistryEntry{
		Identity: types.AgentIdentity{AgentID: "agent-1", ServerID: "host-1"}, Port: 8080,
	}))

	err := reg.Create(&types.RegistryEntry{
		Identity: types.AgentIdentity{AgentID: "agent-2", ServerID: "host-1"}, Port: 8080,
	})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "bad_request"))
}

func TestResolvePartialKeyPrecedence(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Create(&types.RegistryEntry{
		Identity: types.AgentIdentity{AgentID: "agent-1", OccurrenceID: "a", ServerID: "host-1"}, Port: 8080,
	}))
	require.NoError(t, reg.Create(&types.RegistryEntry{
		Identity: types.AgentIdentity{AgentID: "agent-1", OccurrenceID: "b", ServerID: "host-2"}, Port: 8081,
	}))

	// id + server narrows to one, even without occurrence.
	entry, err := reg.Resolve(types.AgentIdentity{AgentID: "agent-1", ServerID: "host-2"})
	require.NoError(t, err)
	assert.Equal(t, "b", entry.Identity.OccurrenceID)

	// id alone is ambiguous across two entries.
	_, err = reg.Resolve(types.AgentIdentity{AgentID: "agent-1"})
	assert.Error(t, err)
}

func TestResolveNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Resolve(types.AgentIdentity{AgentID: "ghost"})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "not_found"))
}

func TestDelete(t *testing.T) {
	reg := newTestRegistry(t)
	identity := types.AgentIdentity{AgentID: "agent-1", ServerID: "host-1"}
	require.NoError(t, reg.Create(&types.RegistryEntry{Identity: identity, Port: 8080}))

	require.NoError(t, reg.Delete(identity))
	_, err := reg.Resolve(identity)
	assert.Error(t, err)

	err = reg.Delete(identity)
	assert.Error(t, err)
}

func TestSetCanaryGroupByIDOnlyKey(t *testing.T) {
	reg := newTestRegistry(t)
	identity := types.AgentIdentity{AgentID: "agent-1", OccurrenceID: "a", ServerID: "host-1"}
	require.NoError(t, reg.Create(&types.RegistryEntry{Identity: identity, Port: 8080}))

	// The only entry for agent-1; an operator hitting PUT
	// /canary/agent/agent-1/group with no occurrence/server qualifier must
	// still resolve it.
	require.NoError(t, reg.SetCanaryGroup(types.AgentIdentity{AgentID: "agent-1"}, types.CanaryExplorer))

	entry, err := reg.Resolve(identity)
	require.NoError(t, err)
	assert.Equal(t, types.CanaryExplorer, entry.CanaryGroup)
}

func TestSetCanaryGroupByPartialKeyAmbiguous(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.Create(&types.RegistryEntry{
		Identity: types.AgentIdentity{AgentID: "agent-1", OccurrenceID: "a", ServerID: "host-1"}, Port: 8080,
	}))
	require.NoError(t, reg.Create(&types.RegistryEntry{
		Identity: types.AgentIdentity{AgentID: "agent-1", OccurrenceID: "b", ServerID: "host-2"}, Port: 8081,
	}))

	err := reg.SetCanaryGroup(types.AgentIdentity{AgentID: "agent-1"}, types.CanaryExplorer)
	assert.Error(t, err)
}

func TestDeleteByPartialKey(t *testing.T) {
	reg := newTestRegistry(t)
	identity := types.AgentIdentity{AgentID: "agent-1", OccurrenceID: "a", ServerID: "host-1"}
	require.NoError(t, reg.Create(&types.RegistryEntry{Identity: identity, Port: 8080}))

	require.NoError(t, reg.Delete(types.AgentIdentity{AgentID: "agent-1"}))
	_, err := reg.Resolve(identity)
	assert.Error(t, err)
}

func TestSetCanaryGroupRejectsUnknown(t *testing.T) {
	reg := newTestRegistry(t)
	identity := types.AgentIdentity{AgentID: "agent-1", ServerID: "host-1"}
	require.NoError(t, reg.Create(&types.RegistryEntry{Identity: identity, Port: 8080}))

	require.NoError(t, reg.SetCanaryGroup(identity, types.CanaryExplorer))
	entry, err := reg.Resolve(identity)
	require.NoError(t, err)
	assert.Equal(t, types.CanaryExplorer, entry.CanaryGroup)

	err = reg.SetCanaryGroup(identity, types.CanaryGroup("bogus"))
	assert.Error(t, err)
}

func TestGetByDeployment(t *testing.T) {
	reg := newTestRegistry(t)
	a := types.AgentIdentity{AgentID: "a", ServerID: "host-1"}
	b := types.AgentIdentity{AgentID: "b", ServerID: "host-1"}
	require.NoError(t, reg.Create(&types.RegistryEntry{Identity: a, Port: 1}))
	require.NoError(t, reg.Create(&types.RegistryEntry{Identity: b, Port: 2}))

	require.NoError(t, reg.SetDeployment(a, "deploy-5"))

	matched := reg.GetByDeployment("deploy-5")
	require.Len(t, matched, 1)
	assert.Equal(t, a, matched[0].Identity)
}

func TestUpdateAgentStateStampsWorkStateAndTransitions(t *testing.T) {
	reg := newTestRegistry(t)
	identity := types.AgentIdentity{AgentID: "agent-1", ServerID: "host-1"}
	require.NoError(t, reg.Create(&types.RegistryEntry{Identity: identity, Port: 8080}))

	require.NoError(t, reg.UpdateAgentState(identity, "v1", ProductiveState, "deploy-1"))

	entry, err := reg.Resolve(identity)
	require.NoError(t, err)
	assert.Equal(t, "v1", entry.CurrentVersion)
	require.NotNil(t, entry.LastWorkStateAt)
	require.Len(t, entry.VersionTransitions, 1)
	assert.Equal(t, "v1", entry.VersionTransitions[0].Version)

	// same version again does not append a transition.
	require.NoError(t, reg.UpdateAgentState(identity, "v1", ProductiveState, "deploy-1"))
	entry, _ = reg.Resolve(identity)
	assert.Len(t, entry.VersionTransitions, 1)
}

func TestUpdateAgentStateBoundsTransitionHistory(t *testing.T) {
	reg := newTestRegistry(t)
	identity := types.AgentIdentity{AgentID: "agent-1", ServerID: "host-1"}
	require.NoError(t, reg.Create(&types.RegistryEntry{Identity: identity, Port: 8080}))

	for i := 0; i < maxVersionTransitions+5; i++ {
		require.NoError(t, reg.UpdateAgentState(identity, strings.Repeat("v", i+1), "", ""))
	}

	entry, err := reg.Resolve(identity)
	require.NoError(t, err)
	assert.Len(t, entry.VersionTransitions, maxVersionTransitions)
}

func TestServiceTokenRoundtrip(t *testing.T) {
	reg := newTestRegistry(t)
	identity := types.AgentIdentity{AgentID: "agent-1", ServerID: "host-1"}
	require.NoError(t, reg.Create(&types.RegistryEntry{Identity: identity, Port: 8080}))

	require.NoError(t, reg.SetServiceToken(identity, "s3cr3t-token"))

	token, err := reg.ServiceToken(identity)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-token", token)
}

func TestServiceTokenMissingFails(t *testing.T) {
	reg := newTestRegistry(t)
	identity := types.AgentIdentity{AgentID: "agent-1", ServerID: "host-1"}
	require.NoError(t, reg.Create(&types.RegistryEntry{Identity: identity, Port: 8080}))

	_, err := reg.ServiceToken(identity)
	assert.Error(t, err)
}

func TestListReturnsCopy(t *testing.T) {
	reg := newTestRegistry(t)
	identity := types.AgentIdentity{AgentID: "agent-1", ServerID: "host-1"}
	require.NoError(t, reg.Create(&types.RegistryEntry{Identity: identity, Port: 8080}))

	entries := reg.List()
	require.Len(t, entries, 1)
	entries[0] = nil // mutating the returned slice must not affect the registry
	assert.Len(t, reg.List(), 1)
	assert.NotNil(t, reg.List()[0])
}

func TestRegistryPersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	secrets, err := security.NewSecretsManagerFromPassphrase("pw")
	require.NoError(t, err)

	reg1, err := New(Config{DataDir: dir, Secrets: secrets})
	require.NoError(t, err)
	identity := types.AgentIdentity{AgentID: "agent-1", ServerID: "host-1"}
	require.NoError(t, reg1.Create(&types.RegistryEntry{Identity: identity, Port: 8080}))

	reg2, err := New(Config{DataDir: dir, Secrets: secrets})
	require.NoError(t, err)
	entry, err := reg2.Resolve(identity)
	require.NoError(t, err)
	assert.Equal(t, 8080, entry.Port)
}
