package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUpdateNotificationImageFor(t *testing.T) {
	n := UpdateNotification{AgentImage: "agent:v2", GUIImage: "gui:v2"}

	img, ok := n.ImageFor(ImageKindAgent)
	assert.True(t, ok)
	assert.Equal(t, "agent:v2", img)

	img, ok = n.ImageFor(ImageKindGUI)
	assert.True(t, ok)
	assert.Equal(t, "gui:v2", img)

	img, ok = n.ImageFor(ImageKindNginx)
	assert.False(t, ok)
	assert.Empty(t, img)

	img, ok = n.ImageFor(ImageKind("bogus"))
	assert.False(t, ok)
	assert.Empty(t, img)
}

func TestUpdateNotificationIsNoOp(t *testing.T) {
	assert.True(t, UpdateNotification{}.IsNoOp())
	assert.False(t, UpdateNotification{AgentImage: "agent:v2"}.IsNoOp())
	assert.False(t, UpdateNotification{GUIImage: "gui:v2"}.IsNoOp())
	assert.False(t, UpdateNotification{NginxImage: "nginx:v2"}.IsNoOp())
}

func TestDeploymentStateIsTerminal(t *testing.T) {
	terminal := []DeploymentState{
		DeploymentCompleted, DeploymentFailed, DeploymentCancelled, DeploymentRejected,
	}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "expected %s to be terminal", s)
	}

	nonTerminal := []DeploymentState{
		DeploymentEvaluating, DeploymentPending, DeploymentInProgress,
		DeploymentPaused, DeploymentRollingBack, DeploymentRollbackProposed,
	}
	for _, s := range nonTerminal {
		assert.False(t, s.IsTerminal(), "expected %s to not be terminal", s)
	}
}
