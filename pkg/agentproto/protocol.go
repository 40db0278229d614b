// Package agentproto implements the per-agent update protocol: solicit a
// graceful shutdown, await exit, recreate on the new image, verify the
// result, and record the outcome.
package agentproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cirisai/manager/pkg/discovery"
	"github.com/cirisai/manager/pkg/events"
	"github.com/cirisai/manager/pkg/log"
	"github.com/cirisai/manager/pkg/metrics"
	"github.com/cirisai/manager/pkg/registry"
	"github.com/cirisai/manager/pkg/runtime"
	"github.com/cirisai/manager/pkg/types"
)

// Timeouts bound every step of the protocol.
const (
	ShutdownSolicitTimeout = 30 * time.Second
	ExitPollInterval       = 2 * time.Second
	ExitPollDeadline       = 60 * time.Second
	StopGraceTimeout       = 10 * time.Second
	WarmupDelay            = 5 * time.Second
	VerifyTimeout          = 5 * time.Second
	PerAgentBudget         = 10 * time.Minute
)

// UpdatePlan describes one agent's transition to a target image.
type UpdatePlan struct {
	Identity     types.AgentIdentity
	Host         runtime.HostClient
	ContainerID  string
	CurrentImage string
	TargetImage  string
	TargetVersion string
	Reason       string
	ComposePath  string
	APIPort      int
	HostAddress  string
}

// Protocol carries an agent through solicit/await/recreate/verify/record.
type Protocol struct {
	registry *registry.Registry
	health   *discovery.HealthChecker
	broker   *events.Broker
}

// New constructs a Protocol.
func New(reg *registry.Registry, health *discovery.HealthChecker, broker *events.Broker) *Protocol {
	return &Protocol{registry: reg, health: health, broker: broker}
}

// Solicit sends a standalone graceful-shutdown request without recreating
// the container, for the operator-facing POST /agents/{id}/shutdown
// lifecycle endpoint, distinct from the full update path.
func (p *Protocol) Solicit(ctx context.Context, plan UpdatePlan) (types.ShutdownOutcome, error) {
	return p.solicitShutdown(ctx, plan)
}

// Run executes the full per-agent update protocol and returns the
// aggregation outcome, with the error that caused a failed outcome.
func (p *Protocol) Run(ctx context.Context, deploymentID string, plan UpdatePlan) (types.AgentUpdateOutcome, error) {
	logger := log.WithAgent(plan.Identity.AgentID)
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AgentUpdateDuration)

	ctx, cancel := context.WithTimeout(ctx, PerAgentBudget)
	defer cancel()

	if plan.CurrentImage == plan.TargetImage {
		p.record(deploymentID, plan.Identity.AgentID, types.EventAgentSkipped, "already on target image")
		metrics.AgentUpdateOutcomesTotal.WithLabelValues(string(types.OutcomeSkippedAlreadyCurrent)).Inc()
		return types.OutcomeSkippedAlreadyCurrent, nil
	}

	shutdownOutcome, err := p.solicitShutdown(ctx, plan)
	if err != nil {
		logger.Warn().Err(err).Msg("shutdown solicitation errored")
	}

	switch shutdownOutcome {
	case types.ShutdownDeferred:
		p.record(deploymentID, plan.Identity.AgentID, types.EventAgentDeferred, "agent deferred shutdown")
		metrics.AgentUpdateOutcomesTotal.WithLabelValues(string(types.OutcomeDeferred)).Inc()
		return types.OutcomeDeferred, nil

	case types.ShutdownRejectedByAgent:
		p.record(deploymentID, plan.Identity.AgentID, types.EventAgentFailed, "agent rejected shutdown request")
		metrics.AgentUpdateOutcomesTotal.WithLabelValues(string(types.OutcomeFailed)).Inc()
		return types.OutcomeFailed, fmt.Errorf("rejected_by_agent")

	case types.ShutdownAccepted:
		p.awaitExit(ctx, plan)

	case types.ShutdownUnreachable:
		// Force-stop and proceed; an unreachable agent cannot cooperate.
		logger.Warn().Msg("agent unreachable, forcing stop")
		_ = plan.Host.StopContainer(ctx, plan.ContainerID, StopGraceTimeout)
	}

	if err := p.recreate(ctx, plan); err != nil {
		p.record(deploymentID, plan.Identity.AgentID, types.EventAgentFailed, fmt.Sprintf("recreate failed: %v", err))
		metrics.AgentUpdateOutcomesTotal.WithLabelValues(string(types.OutcomeFailed)).Inc()
		return types.OutcomeFailed, fmt.Errorf("recreate_failed: %w", err)
	}

	if err := p.verify(ctx, plan); err != nil {
		p.record(deploymentID, plan.Identity.AgentID, types.EventAgentFailed, fmt.Sprintf("verification failed: %v", err))
		metrics.AgentUpdateOutcomesTotal.WithLabelValues(string(types.OutcomeFailed)).Inc()
		return types.OutcomeFailed, fmt.Errorf("verification_failed: %w", err)
	}

	p.record(deploymentID, plan.Identity.AgentID, types.EventAgentUpdated, fmt.Sprintf("updated to %s", plan.TargetImage))
	_ = p.registry.UpdateAgentState(plan.Identity, plan.TargetVersion, "", deploymentID)
	metrics.AgentUpdateOutcomesTotal.WithLabelValues(string(types.OutcomeUpdated)).Inc()
	return types.OutcomeUpdated, nil
}

type shutdownRequest struct {
	Reason string `json:"reason"`
}

type shutdownDeferredBody struct {
	Deferred bool   `json:"deferred"`
	Reason   string `json:"reason"`
}

// solicitShutdown POSTs /system/shutdown with {reason} and a bearer
// header minted from the agent's encrypted service token. A deferral is
// signaled by HTTP 409 with {"deferred": true, ...}.
func (p *Protocol) solicitShutdown(ctx context.Context, plan UpdatePlan) (types.ShutdownOutcome, error) {
	token, err := p.registry.ServiceToken(plan.Identity)
	if err != nil {
		return types.ShutdownUnreachable, err
	}

	body, err := json.Marshal(shutdownRequest{Reason: plan.Reason})
	if err != nil {
		return types.ShutdownUnreachable, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, ShutdownSolicitTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/system/shutdown", plan.HostAddress, plan.APIPort)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.ShutdownUnreachable, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: ShutdownSolicitTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return types.ShutdownUnreachable, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return types.ShutdownAccepted, nil
	case resp.StatusCode == http.StatusConflict:
		var deferBody shutdownDeferredBody
		_ = json.NewDecoder(resp.Body).Decode(&deferBody)
		if deferBody.Deferred {
			return types.ShutdownDeferred, nil
		}
		return types.ShutdownRejectedByAgent, nil
	default:
		return types.ShutdownRejectedByAgent, fmt.Errorf("shutdown request returned HTTP %d", resp.StatusCode)
	}
}

// awaitExit polls container status until exited or the deadline expires,
// at which point it force-stops the container.
func (p *Protocol) awaitExit(ctx context.Context, plan UpdatePlan) {
	deadline := time.Now().Add(ExitPollDeadline)
	ticker := time.NewTicker(ExitPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := plan.Host.GetContainer(ctx, plan.ContainerID)
			if err == nil && info.Status == types.ContainerExited {
				return
			}
		}
	}

	_ = plan.Host.StopContainer(ctx, plan.ContainerID, StopGraceTimeout)
}

// recreate invokes the compose-up equivalent for the agent's compose
// path, or restarts in place if no compose path is configured and the
// image has not changed.
func (p *Protocol) recreate(ctx context.Context, plan UpdatePlan) error {
	if plan.ComposePath != "" {
		return plan.Host.ComposeUp(ctx, plan.ComposePath)
	}
	if plan.CurrentImage == plan.TargetImage {
		return plan.Host.RestartContainer(ctx, plan.ContainerID, StopGraceTimeout)
	}
	return fmt.Errorf("no compose path available and image reference changed")
}

// verify refetches the agent's health after a bounded warm-up and
// confirms the reported version matches the target.
func (p *Protocol) verify(ctx context.Context, plan UpdatePlan) error {
	if p.health == nil {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(WarmupDelay):
	}

	verifyCtx, cancel := context.WithTimeout(ctx, VerifyTimeout)
	defer cancel()

	token, _ := p.registry.ServiceToken(plan.Identity)
	baseURL := fmt.Sprintf("http://%s:%d", plan.HostAddress, plan.APIPort)
	health, err := p.health.Fetch(verifyCtx, baseURL, token)
	if err != nil {
		return err
	}

	if plan.TargetVersion != "" && health.Version != plan.TargetVersion {
		return fmt.Errorf("expected version %s, observed %s", plan.TargetVersion, health.Version)
	}
	return nil
}

func (p *Protocol) record(deploymentID, agentID string, kind types.EventKind, detail string) {
	if p.broker != nil {
		p.broker.Publish(deploymentID, kind, agentID, detail)
	}
}
