package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cirisai/manager/pkg/types"
)

func TestCDTokenScopedValidation(t *testing.T) {
	a := NewCDTokenAuthority()
	a.Register("agent-token", types.ImageKindAgent)

	err := a.ValidateScope("agent-token", types.UpdateNotification{AgentImage: "agent:v2"})
	assert.NoError(t, err)

	err = a.ValidateScope("agent-token", types.UpdateNotification{GUIImage: "gui:v2"})
	assert.Error(t, err)

	err = a.ValidateScope("unknown-token", types.UpdateNotification{AgentImage: "agent:v2"})
	assert.Error(t, err)
}

func TestCDTokenWildcardValidation(t *testing.T) {
	a := NewCDTokenAuthority()
	a.Register("legacy-token", "")

	err := a.ValidateScope("legacy-token", types.UpdateNotification{
		AgentImage: "agent:v2", GUIImage: "gui:v2", NginxImage: "nginx:v2",
	})
	assert.NoError(t, err)
}

func TestCDTokenRevoke(t *testing.T) {
	a := NewCDTokenAuthority()
	a.Register("agent-token", types.ImageKindAgent)
	a.Revoke("agent-token")

	err := a.ValidateScope("agent-token", types.UpdateNotification{AgentImage: "agent:v2"})
	assert.Error(t, err)
}

func TestCDTokenMultiKindNotificationRejectedWhenOutOfScope(t *testing.T) {
	a := NewCDTokenAuthority()
	a.Register("agent-token", types.ImageKindAgent)

	err := a.ValidateScope("agent-token", types.UpdateNotification{
		AgentImage: "agent:v2", GUIImage: "gui:v2",
	})
	assert.Error(t, err)
}

func TestOperatorAuthority(t *testing.T) {
	a := NewOperatorAuthority()
	a.Register("op-token")

	assert.NoError(t, a.Validate("op-token"))
	assert.Error(t, a.Validate("other-token"))
	assert.Error(t, a.Validate(""))

	a.Revoke("op-token")
	assert.Error(t, a.Validate("op-token"))
}
