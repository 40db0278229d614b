package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cirisai/manager/pkg/agentproto"
	"github.com/cirisai/manager/pkg/log"
	"github.com/cirisai/manager/pkg/metrics"
	"github.com/cirisai/manager/pkg/types"
)

// cohortOrder is the fixed wave sequence: explorers first, then early
// adopters, then everyone else. Unassigned agents are folded into general.
var cohortOrder = []types.CanaryGroup{types.CanaryExplorer, types.CanaryEarlyAdopter, types.CanaryGeneral}

func effectiveCohort(g types.CanaryGroup) types.CanaryGroup {
	if g == types.CanaryUnassigned || g == "" {
		return types.CanaryGeneral
	}
	return g
}

// Launch transitions a pending (or paused) deployment into in_progress and
// starts (or resumes) the cohort rollout.
func (o *Orchestrator) Launch(deploymentID string) error {
	o.mu.Lock()
	if o.active == nil || o.active.DeploymentID != deploymentID {
		o.mu.Unlock()
		return fmt.Errorf("not_found: no such pending deployment")
	}
	status := o.active
	if status.Status != types.DeploymentPending && status.Status != types.DeploymentPaused {
		o.mu.Unlock()
		return fmt.Errorf("conflict: deployment is not pending or paused")
	}
	now := time.Now()
	if status.StartedAt == nil {
		status.StartedAt = &now
	}
	status.Status = types.DeploymentInProgress
	flag := o.cancelFlags[deploymentID]
	if flag != nil {
		flag.mu.Lock()
		flag.paused = false
		flag.mu.Unlock()
	}
	o.appendEvent(status, types.EventStateTransition, "", "launched")
	o.mu.Unlock()

	go o.runRollout(context.Background(), status, nil)
	return nil
}

// Reject marks a pending deployment rejected (terminal) and clears any
// staged tracker slot.
func (o *Orchestrator) Reject(deploymentID string) error {
	o.mu.Lock()
	if o.active == nil || o.active.DeploymentID != deploymentID || o.active.Status != types.DeploymentPending {
		o.mu.Unlock()
		return fmt.Errorf("conflict: deployment is not pending")
	}
	status := o.active
	status.Status = types.DeploymentRejected
	now := time.Now()
	status.CompletedAt = &now
	o.appendEvent(status, types.EventStateTransition, "", "rejected by operator")
	o.mu.Unlock()

	o.clearStagedFor(status.Notification)
	o.finalize(status)
	metrics.DeploymentsTotal.WithLabelValues(string(status.Notification.Strategy), string(status.Status)).Inc()
	return nil
}

// Pause stops scheduling further waves; in-flight updates complete.
func (o *Orchestrator) Pause(deploymentID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active == nil || o.active.DeploymentID != deploymentID || o.active.Status != types.DeploymentInProgress {
		return fmt.Errorf("conflict: deployment is not in progress")
	}
	flag, ok := o.cancelFlags[deploymentID]
	if !ok {
		return fmt.Errorf("internal: missing cancellation flag")
	}
	flag.mu.Lock()
	flag.paused = true
	flag.mu.Unlock()

	o.active.Status = types.DeploymentPaused
	o.appendEvent(o.active, types.EventStateTransition, "", "paused by operator")
	return nil
}

// Cancel marks any non-terminal deployment terminal and clears staged
// tracker slots. In-flight updates are allowed to complete.
func (o *Orchestrator) Cancel(deploymentID string) error {
	o.mu.Lock()
	if o.active == nil || o.active.DeploymentID != deploymentID {
		o.mu.Unlock()
		return fmt.Errorf("not_found: no such active deployment")
	}
	if o.active.Status.IsTerminal() {
		o.mu.Unlock()
		return fmt.Errorf("conflict: deployment is already terminal")
	}
	status := o.active
	flag := o.cancelFlags[deploymentID]
	if flag != nil {
		flag.mu.Lock()
		flag.cancelled = true
		flag.mu.Unlock()
	}
	status.Status = types.DeploymentCancelled
	now := time.Now()
	status.CompletedAt = &now
	o.appendEvent(status, types.EventStateTransition, "", "cancelled by operator")
	o.mu.Unlock()

	o.clearStagedFor(status.Notification)
	o.finalize(status)
	metrics.DeploymentsTotal.WithLabelValues(string(status.Notification.Strategy), string(status.Status)).Inc()
	return nil
}

func (o *Orchestrator) clearStagedFor(notification types.UpdateNotification) {
	for _, kind := range []types.ImageKind{types.ImageKindAgent, types.ImageKindGUI, types.ImageKindNginx} {
		if image, ok := notification.ImageFor(kind); ok && image != "" {
			_ = o.tracker.ClearStaged(kind)
		}
	}
}

// runRollout drives the cohorted rollout of status to terminal state.
// targetOverride, when non-nil, carries explicit per-kind rollback
// targets instead of the notification's images (used by RollbackDeployment).
func (o *Orchestrator) runRollout(ctx context.Context, status *types.DeploymentStatus, targetOverride map[types.ImageKind]string) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DeploymentDuration, string(status.Notification.Strategy))

	hosts := o.hosts.Hosts()
	agents := o.discoverer.Discover(ctx, hosts)

	cohorts := map[types.CanaryGroup][]types.DiscoveredAgent{}
	total := 0
	for _, agent := range agents {
		cohort := effectiveCohort(agent.CanaryGroup)
		cohorts[cohort] = append(cohorts[cohort], agent)
		total++
	}

	o.mu.Lock()
	status.AgentsTotal = total
	o.mu.Unlock()

	targets := targetOverride
	if targets == nil {
		targets = map[types.ImageKind]string{}
		for _, kind := range []types.ImageKind{types.ImageKindAgent, types.ImageKindGUI, types.ImageKindNginx} {
			if image, ok := status.Notification.ImageFor(kind); ok && image != "" {
				targets[kind] = image
			}
		}
	}

	for _, cohort := range cohortOrder {
		wave := cohorts[cohort]
		if len(wave) == 0 {
			continue
		}

		if o.isPausedOrCancelled(status.DeploymentID) {
			return
		}

		outcomes := o.runWave(ctx, status, wave, targets)
		o.tallyOutcomes(status, outcomes)

		if o.gateFails(status, outcomes) {
			o.appendEvent(status, types.EventGateTriggered, "", "wave failure threshold exceeded")
			o.transitionFailed(status, "wave failure threshold exceeded")
			o.proposeRollback(status, "automatic: wave failure threshold exceeded")
			return
		}
		if o.gatePauses(status, outcomes) {
			o.mu.Lock()
			o.appendEvent(status, types.EventGateTriggered, "", "deferral ceiling exceeded")
			status.Status = types.DeploymentPaused
			o.appendEvent(status, types.EventStateTransition, "", "paused: deferral ceiling exceeded")
			o.mu.Unlock()
			return
		}
		if o.isPausedOrCancelled(status.DeploymentID) {
			return
		}
	}

	o.completeRollout(status, targets, targetOverride != nil)
}

func (o *Orchestrator) isPausedOrCancelled(deploymentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	flag, ok := o.cancelFlags[deploymentID]
	if !ok {
		return true
	}
	flag.mu.Lock()
	defer flag.mu.Unlock()
	return flag.cancelled || flag.paused
}

// runWave updates every agent in wave, bounded by CohortConcurrency
// in-flight updates at a time, and returns each agent's outcome.
func (o *Orchestrator) runWave(ctx context.Context, status *types.DeploymentStatus, wave []types.DiscoveredAgent, targets map[types.ImageKind]string) map[string]types.AgentUpdateOutcome {
	outcomes := make(map[string]types.AgentUpdateOutcome)
	var mu sync.Mutex
	var wg sync.WaitGroup

	sem := make(chan struct{}, o.thresholds.CohortConcurrency)

	for _, agent := range wave {
		agent := agent

		if agent.DoNotAutostart {
			mu.Lock()
			outcomes[agent.Identity.AgentID] = types.OutcomeSkippedDoNotAutostart
			mu.Unlock()
			o.appendEvent(status, types.EventAgentSkipped, agent.Identity.AgentID, "do_not_autostart set")
			continue
		}

		kind := types.ImageKindAgent
		target, ok := targets[kind]
		if !ok {
			// No agent-image change in this deployment; nothing to do for
			// this agent beyond GUI/nginx, which are host-level, not
			// per-agent, concerns.
			mu.Lock()
			outcomes[agent.Identity.AgentID] = types.OutcomeSkippedAlreadyCurrent
			mu.Unlock()
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			host := o.hosts.Hosts()[agent.Identity.ServerID]
			if host == nil {
				mu.Lock()
				outcomes[agent.Identity.AgentID] = types.OutcomeFailed
				mu.Unlock()
				return
			}

			reason := o.buildShutdownReason(status, target)
			plan := agentproto.UpdatePlan{
				Identity:      agent.Identity,
				Host:          host,
				ContainerID:   agent.ContainerName,
				CurrentImage:  agent.Image,
				TargetImage:   target,
				TargetVersion: status.Notification.Version,
				Reason:        reason,
				APIPort:       agent.APIPort,
				HostAddress:   agent.Identity.ServerID,
				ComposePath:   agent.ComposePath,
			}

			outcome, err := o.protocol.Run(ctx, status.DeploymentID, plan)
			if err != nil {
				log.WithComponent("orchestrator").Debug().Err(err).
					Str("agent_id", agent.Identity.AgentID).Str("outcome", string(outcome)).
					Msg("agent update finished with error")
			}

			mu.Lock()
			outcomes[agent.Identity.AgentID] = outcome
			mu.Unlock()
		}()
	}

	wg.Wait()
	return outcomes
}

func (o *Orchestrator) tallyOutcomes(status *types.DeploymentStatus, outcomes map[string]types.AgentUpdateOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, outcome := range outcomes {
		switch outcome {
		case types.OutcomeUpdated:
			status.AgentsUpdated++
		case types.OutcomeDeferred:
			status.AgentsDeferred++
		case types.OutcomeFailed:
			status.AgentsFailed++
		case types.OutcomeSkippedDoNotAutostart, types.OutcomeSkippedAlreadyCurrent:
			status.AgentsSkipped++
		}
	}
}

func (o *Orchestrator) gateFails(status *types.DeploymentStatus, outcomes map[string]types.AgentUpdateOutcome) bool {
	if len(outcomes) == 0 {
		return false
	}
	failed := 0
	for _, outcome := range outcomes {
		if outcome == types.OutcomeFailed {
			failed++
		}
	}
	return float64(failed)/float64(len(outcomes)) > o.thresholds.MaxWaveFailureFraction
}

func (o *Orchestrator) gatePauses(status *types.DeploymentStatus, outcomes map[string]types.AgentUpdateOutcome) bool {
	if len(outcomes) == 0 {
		return false
	}
	deferred := 0
	for _, outcome := range outcomes {
		if outcome == types.OutcomeDeferred {
			deferred++
		}
	}
	return float64(deferred)/float64(len(outcomes)) > o.thresholds.MaxDeferralRate
}

func (o *Orchestrator) transitionFailed(status *types.DeploymentStatus, detail string) {
	o.mu.Lock()
	status.Status = types.DeploymentFailed
	now := time.Now()
	status.CompletedAt = &now
	o.appendEvent(status, types.EventStateTransition, "", detail)
	o.mu.Unlock()

	o.finalize(status)
	metrics.DeploymentsTotal.WithLabelValues(string(status.Notification.Strategy), string(status.Status)).Inc()
}

func (o *Orchestrator) completeRollout(status *types.DeploymentStatus, targets map[types.ImageKind]string, isRollback bool) {
	for kind, image := range targets {
		if isRollback {
			if err := o.tracker.Record(kind, image, "", status.DeploymentID, ""); err != nil {
				log.WithComponent("orchestrator").Error().Err(err).Msg("tracker record failed after rollback")
			}
		} else if err := o.tracker.Promote(kind, status.DeploymentID); err != nil {
			log.WithComponent("orchestrator").Error().Err(err).Msg("tracker promote failed after rollout")
		}
	}

	o.mu.Lock()
	status.Status = types.DeploymentCompleted
	now := time.Now()
	status.CompletedAt = &now
	o.appendEvent(status, types.EventStateTransition, "", "rollout completed")
	o.mu.Unlock()

	o.finalize(status)
	metrics.DeploymentsTotal.WithLabelValues(string(status.Notification.Strategy), string(status.Status)).Inc()
}

// buildShutdownReason composes the message presented to an agent:
// notification message, target version, and a bounded digest of the
// changelog.
func (o *Orchestrator) buildShutdownReason(status *types.DeploymentStatus, targetImage string) string {
	reason := status.Notification.Message
	if status.Notification.Version != "" {
		reason = fmt.Sprintf("%s (target version: %s)", reason, status.Notification.Version)
	}
	if status.Notification.Changelog != "" {
		digest := status.Notification.Changelog
		if len(digest) > o.thresholds.ChangelogDigestSize {
			digest = digest[:o.thresholds.ChangelogDigestSize] + "..."
		}
		reason = fmt.Sprintf("%s\n\n%s", reason, digest)
	}
	return reason
}

// ShutdownReasonsPreview precomputes the per-agent shutdown message an
// operator would see before launching, without sending anything.
func (o *Orchestrator) ShutdownReasonsPreview(ctx context.Context, deploymentID string) (map[string]string, error) {
	status, err := o.Status(deploymentID)
	if err != nil {
		return nil, err
	}

	hosts := o.hosts.Hosts()
	agents := o.discoverer.Discover(ctx, hosts)

	target := status.Notification.AgentImage
	out := map[string]string{}
	for _, agent := range agents {
		out[agent.Identity.AgentID] = o.buildShutdownReason(status, target)
	}
	return out, nil
}

// Preview reports, for the active/given deployment, which agents would be
// updated versus skipped, without performing any action.
type PreviewEntry struct {
	AgentID    string
	WillUpdate bool
	SkipReason string
}

func (o *Orchestrator) Preview(ctx context.Context, deploymentID string) ([]PreviewEntry, error) {
	status, err := o.Status(deploymentID)
	if err != nil {
		return nil, err
	}

	hosts := o.hosts.Hosts()
	agents := o.discoverer.Discover(ctx, hosts)

	target, hasAgentTarget := status.Notification.ImageFor(types.ImageKindAgent)

	var out []PreviewEntry
	for _, agent := range agents {
		entry := PreviewEntry{AgentID: agent.Identity.AgentID}
		switch {
		case !hasAgentTarget:
			entry.SkipReason = "no agent image change in this deployment"
		case agent.DoNotAutostart:
			entry.SkipReason = "do_not_autostart"
		case agent.Image == target:
			entry.SkipReason = "already on target image"
		default:
			entry.WillUpdate = true
		}
		out = append(out, entry)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// proposeRollback creates a RollbackProposal for operator approval after
// an automatic failure.
func (o *Orchestrator) proposeRollback(status *types.DeploymentStatus, reason string) *types.RollbackProposal {
	targets := map[types.ImageKind]string{}
	for _, kind := range []types.ImageKind{types.ImageKindAgent, types.ImageKindGUI, types.ImageKindNginx} {
		opts, err := o.tracker.RollbackOptionsFor(kind)
		if err == nil && opts.NMinus1 != nil {
			targets[kind] = opts.NMinus1.Image
		}
	}

	proposal := &types.RollbackProposal{
		ID:           uuid.NewString(),
		DeploymentID: status.DeploymentID,
		Reason:       reason,
		Targets:      targets,
		CreatedAt:    time.Now(),
	}

	o.mu.Lock()
	o.proposals[proposal.ID] = proposal
	o.mu.Unlock()

	o.appendEvent(status, types.EventRollbackProposed, "", reason)
	return proposal
}

// RollbackProposals returns every unresolved proposal.
func (o *Orchestrator) RollbackProposals() []*types.RollbackProposal {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []*types.RollbackProposal
	for _, p := range o.proposals {
		if !p.Approved && !p.Dismissed {
			out = append(out, p)
		}
	}
	return out
}

// ApproveRollbackProposal approves and executes a proposal's targets.
func (o *Orchestrator) ApproveRollbackProposal(proposalID string) error {
	o.mu.Lock()
	proposal, ok := o.proposals[proposalID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("not_found: no such rollback proposal")
	}
	proposal.Approved = true
	o.mu.Unlock()

	return o.RollbackDeployment(proposal.DeploymentID, types.RollbackExplicit, proposal.Targets)
}

// DismissRollbackProposal marks a proposal dismissed without executing it.
func (o *Orchestrator) DismissRollbackProposal(proposalID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	proposal, ok := o.proposals[proposalID]
	if !ok {
		return fmt.Errorf("not_found: no such rollback proposal")
	}
	proposal.Dismissed = true
	return nil
}
