package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cirisai/manager/pkg/tracker"
	"github.com/cirisai/manager/pkg/types"
)

// RollbackDeployment drives a cohorted rollout toward an older image per
// kind. explicitTargets, when non-nil, may mix per-kind choices (e.g.
// agent=n-1, gui=n-2); otherwise target selects n-1 or n-2 uniformly
// across every kind with a current deployment.
func (o *Orchestrator) RollbackDeployment(sourceDeploymentID string, target types.RollbackTarget, explicitTargets map[types.ImageKind]string) error {
	o.mu.Lock()
	if o.active != nil && !o.active.Status.IsTerminal() {
		o.mu.Unlock()
		return fmt.Errorf("conflict: an active deployment is already in progress")
	}
	o.mu.Unlock()

	targets := explicitTargets
	if targets == nil {
		targets = map[types.ImageKind]string{}
		for _, kind := range []types.ImageKind{types.ImageKindAgent, types.ImageKindGUI, types.ImageKindNginx} {
			opts, err := o.tracker.RollbackOptionsFor(kind)
			if err != nil || opts.Current == nil {
				continue
			}
			switch target {
			case types.RollbackNMinus1:
				if opts.NMinus1 != nil {
					targets[kind] = opts.NMinus1.Image
				}
			case types.RollbackNMinus2:
				if opts.NMinus2 != nil {
					targets[kind] = opts.NMinus2.Image
				}
			}
		}
	}

	if len(targets) == 0 {
		return fmt.Errorf("bad_request: no rollback targets resolved")
	}

	validation := o.tracker.ValidateRollback(targets)
	if !validation.Valid {
		return fmt.Errorf("bad_request: rollback validation failed: %v", validation.Errors)
	}

	notification := types.UpdateNotification{
		Strategy: types.StrategyImmediate,
		Message:  fmt.Sprintf("rollback of deployment %s", sourceDeploymentID),
	}
	for kind, image := range targets {
		switch kind {
		case types.ImageKindAgent:
			notification.AgentImage = image
		case types.ImageKindGUI:
			notification.GUIImage = image
		case types.ImageKindNginx:
			notification.NginxImage = image
		}
	}

	deploymentID := uuid.NewString()
	now := time.Now()
	status := &types.DeploymentStatus{
		DeploymentID: deploymentID,
		Notification: notification,
		Status:       types.DeploymentRollingBack,
		StartedAt:    &now,
		Message:      "rolling back",
	}
	for _, w := range validation.Warnings {
		o.appendEvent(status, types.EventStateTransition, "", "validation warning: "+w)
	}
	o.appendEvent(status, types.EventStateTransition, "", fmt.Sprintf("rollback initiated for %s", sourceDeploymentID))

	o.mu.Lock()
	o.active = status
	o.cancelFlags[deploymentID] = &cancelFlag{}
	o.mu.Unlock()

	go o.runRollout(context.Background(), status, targets)
	return nil
}

// RollbackOptions exposes {current, n-1, n-2, staged} for every image
// kind, for GET /updates/rollback-options.
func (o *Orchestrator) RollbackOptions() map[types.ImageKind]tracker.RollbackOptions {
	result := map[types.ImageKind]tracker.RollbackOptions{}
	for _, kind := range []types.ImageKind{types.ImageKindAgent, types.ImageKindGUI, types.ImageKindNginx} {
		opts, err := o.tracker.RollbackOptionsFor(kind)
		if err != nil {
			continue
		}
		result[kind] = opts
	}
	return result
}

// CanaryGroups reports expected-vs-actual rollout percentage per cohort
// for the active deployment, for GET /canary/groups.
func (o *Orchestrator) CanaryGroups(ctx context.Context) []types.CohortSummary {
	hosts := o.hosts.Hosts()
	agents := o.discoverer.Discover(ctx, hosts)

	counts := map[types.CanaryGroup]int{}
	updated := map[types.CanaryGroup]int{}
	total := len(agents)

	o.mu.Lock()
	var active *types.DeploymentStatus
	if o.active != nil {
		active = o.active
	}
	o.mu.Unlock()

	for _, agent := range agents {
		group := agent.CanaryGroup
		if group == "" {
			group = types.CanaryUnassigned
		}
		counts[group]++
		if active != nil && agent.Version == active.Notification.Version && active.Notification.Version != "" {
			updated[group]++
		}
	}

	var summaries []types.CohortSummary
	for _, group := range []types.CanaryGroup{types.CanaryExplorer, types.CanaryEarlyAdopter, types.CanaryGeneral, types.CanaryUnassigned} {
		count := counts[group]
		expected := 0.0
		if total > 0 {
			expected = float64(count) / float64(total) * 100
		}
		actual := 0.0
		if count > 0 {
			actual = float64(updated[group]) / float64(count) * 100
		}
		summaries = append(summaries, types.CohortSummary{
			Group:           group,
			AgentCount:      count,
			ExpectedPercent: expected,
			ActualPercent:   actual,
		})
	}
	return summaries
}

// SetCanaryGroup reassigns an agent's cohort through the registry.
func (o *Orchestrator) SetCanaryGroup(identity types.AgentIdentity, group types.CanaryGroup) error {
	return o.registry.SetCanaryGroup(identity, group)
}
