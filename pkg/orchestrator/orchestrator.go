// Package orchestrator implements the central deployment state machine:
// it turns an UpdateNotification into a coordinated, cohorted fleet
// transition, consulting the version tracker and registry, and recording
// every transition on a durable timeline.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cirisai/manager/pkg/agentproto"
	"github.com/cirisai/manager/pkg/auth"
	"github.com/cirisai/manager/pkg/discovery"
	"github.com/cirisai/manager/pkg/events"
	"github.com/cirisai/manager/pkg/log"
	"github.com/cirisai/manager/pkg/metrics"
	"github.com/cirisai/manager/pkg/registry"
	"github.com/cirisai/manager/pkg/runtime"
	"github.com/cirisai/manager/pkg/tracker"
	"github.com/cirisai/manager/pkg/types"
)

// Thresholds configures the gate conditions and risk classification,
// exposed as configuration rather than hard-coded.
type Thresholds struct {
	// CohortConcurrency bounds parallel agent updates within one wave.
	CohortConcurrency int
	// MaxWaveFailureFraction is the maximum fraction of a wave's agents
	// that may end in failed/verification_failed before the deployment
	// transitions to failed.
	MaxWaveFailureFraction float64
	// MaxDeferralRate is the maximum aggregated deferral rate before the
	// deployment pauses for operator attention.
	MaxDeferralRate float64
	// HistoryCap bounds the number of retained terminal deployments.
	HistoryCap int
	// ChangelogDigestSize bounds the changelog digest included in a
	// shutdown reason.
	ChangelogDigestSize int
}

// DefaultThresholds are the operationally conservative defaults: a
// majority-failure or majority-deferral in a wave halts the rollout rather
// than continuing to the next cohort.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CohortConcurrency:      3,
		MaxWaveFailureFraction: 0.5,
		MaxDeferralRate:        0.5,
		HistoryCap:             50,
		ChangelogDigestSize:    280,
	}
}

// HostInventory resolves a host id to its container client.
type HostInventory interface {
	Hosts() map[string]runtime.HostClient
}

// Config configures an Orchestrator.
type Config struct {
	Tracker    *tracker.Tracker
	Registry   *registry.Registry
	Discoverer *discovery.Discoverer
	Protocol   *agentproto.Protocol
	Broker     *events.Broker
	CDAuth     *auth.CDTokenAuthority
	Hosts      HostInventory
	Thresholds Thresholds
}

// Orchestrator is the process-wide deployment state machine. Only one
// non-terminal deployment may exist at a time; active holds that slot.
type Orchestrator struct {
	tracker    *tracker.Tracker
	registry   *registry.Registry
	discoverer *discovery.Discoverer
	protocol   *agentproto.Protocol
	broker     *events.Broker
	cdAuth     *auth.CDTokenAuthority
	hosts      HostInventory
	thresholds Thresholds

	mu        sync.Mutex
	active    *types.DeploymentStatus
	history   []*types.DeploymentStatus
	proposals map[string]*types.RollbackProposal

	cancelFlags map[string]*cancelFlag
}

type cancelFlag struct {
	mu        sync.Mutex
	cancelled bool
	paused    bool
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	th := cfg.Thresholds
	if th.CohortConcurrency == 0 {
		th = DefaultThresholds()
	}
	return &Orchestrator{
		tracker:     cfg.Tracker,
		registry:    cfg.Registry,
		discoverer:  cfg.Discoverer,
		protocol:    cfg.Protocol,
		broker:      cfg.Broker,
		cdAuth:      cfg.CDAuth,
		hosts:       cfg.Hosts,
		thresholds:  th,
		proposals:   map[string]*types.RollbackProposal{},
		cancelFlags: map[string]*cancelFlag{},
	}
}

// isLowRisk reports whether a notification may auto-start: not manual,
// not critical/breaking, and at most one image kind differs from current.
func isLowRisk(notification types.UpdateNotification, changedKinds int) bool {
	if notification.Strategy == types.StrategyManual {
		return false
	}
	if notification.RiskLevel == types.RiskCritical || notification.RiskLevel == types.RiskBreaking {
		return false
	}
	return changedKinds <= 1
}

// Notify ingests a CD notification, validates token scope, compares
// against the tracker, and either no-ops, auto-starts, or stages the
// resulting deployment.
func (o *Orchestrator) Notify(ctx context.Context, token string, notification types.UpdateNotification) (*types.DeploymentStatus, error) {
	if o.cdAuth != nil {
		if err := o.cdAuth.ValidateScope(token, notification); err != nil {
			return nil, err
		}
	}

	if notification.IsNoOp() {
		return nil, fmt.Errorf("bad_request: notification has no image fields set")
	}

	affectedKinds, err := o.affectedKinds(notification)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.active != nil && !o.active.Status.IsTerminal() {
		if o.conflicts(affectedKinds) {
			o.mu.Unlock()
			return nil, fmt.Errorf("conflict: an active deployment already covers an overlapping image kind")
		}
	}
	o.mu.Unlock()

	changed, allNoOp := o.compareToCurrent(affectedKinds, notification)
	deploymentID := uuid.NewString()
	now := time.Now()

	status := &types.DeploymentStatus{
		DeploymentID: deploymentID,
		Notification: notification,
		Message:      "evaluating",
		Status:       types.DeploymentEvaluating,
	}
	o.appendEvent(status, types.EventStateTransition, "", "evaluating notification")

	if allNoOp {
		status.Status = types.DeploymentCompleted
		status.Message = "no changes relative to current versions"
		status.CompletedAt = &now
		o.appendEvent(status, types.EventStateTransition, "", "no-op: all targets match current")
		o.finalize(status)
		metrics.DeploymentsTotal.WithLabelValues(string(notification.Strategy), string(status.Status)).Inc()
		return status, nil
	}

	lowRisk := isLowRisk(notification, changed)

	for _, kind := range affectedKinds {
		image, _ := notification.ImageFor(kind)
		if err := o.tracker.Stage(kind, image, "", deploymentID, ""); err != nil {
			return nil, fmt.Errorf("tracker_io_error: %w", err)
		}
	}

	status.StagedAt = &now
	if lowRisk {
		status.Status = types.DeploymentInProgress
		status.StartedAt = &now
		o.appendEvent(status, types.EventStateTransition, "", "low-risk, auto-starting")
	} else {
		status.Status = types.DeploymentPending
		o.appendEvent(status, types.EventStateTransition, "", "staged for operator review")
	}

	o.mu.Lock()
	o.active = status
	o.cancelFlags[deploymentID] = &cancelFlag{}
	o.mu.Unlock()

	if lowRisk {
		go o.runRollout(context.Background(), status, nil)
	}

	return status, nil
}

func (o *Orchestrator) affectedKinds(notification types.UpdateNotification) ([]types.ImageKind, error) {
	var kinds []types.ImageKind
	for _, kind := range []types.ImageKind{types.ImageKindAgent, types.ImageKindGUI, types.ImageKindNginx} {
		if image, ok := notification.ImageFor(kind); ok && image != "" {
			kinds = append(kinds, kind)
		}
	}
	if len(kinds) == 0 {
		return nil, fmt.Errorf("bad_request: no image fields populated")
	}
	return kinds, nil
}

func (o *Orchestrator) conflicts(kinds []types.ImageKind) bool {
	affected := map[types.ImageKind]bool{}
	for _, kind := range kinds {
		affected[kind] = true
	}
	for _, kind := range []types.ImageKind{types.ImageKindAgent, types.ImageKindGUI, types.ImageKindNginx} {
		if image, ok := o.active.Notification.ImageFor(kind); ok && image != "" && affected[kind] {
			return true
		}
	}
	return false
}

// compareToCurrent reports how many affected kinds differ from the
// tracker's current n, and whether every affected kind matches.
func (o *Orchestrator) compareToCurrent(kinds []types.ImageKind, notification types.UpdateNotification) (changed int, allNoOp bool) {
	allNoOp = true
	for _, kind := range kinds {
		target, _ := notification.ImageFor(kind)
		opts, err := o.tracker.RollbackOptionsFor(kind)
		current := ""
		if err == nil && opts.Current != nil {
			current = opts.Current.Image
		}
		if target != current {
			changed++
			allNoOp = false
		}
	}
	return changed, allNoOp
}

func (o *Orchestrator) appendEvent(status *types.DeploymentStatus, kind types.EventKind, agentID, detail string) {
	status.Events = append(status.Events, types.DeploymentEvent{
		Timestamp: time.Now(),
		Kind:      kind,
		AgentID:   agentID,
		Detail:    detail,
	})
	if o.broker != nil {
		o.broker.Publish(status.DeploymentID, kind, agentID, detail)
	}
}

// finalize moves a terminal deployment from active into history, bounded
// by the configured cap (newest first).
func (o *Orchestrator) finalize(status *types.DeploymentStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil && o.active.DeploymentID == status.DeploymentID {
		o.active = nil
	}
	delete(o.cancelFlags, status.DeploymentID)

	o.history = append([]*types.DeploymentStatus{status}, o.history...)
	if len(o.history) > o.thresholds.HistoryCap {
		o.history = o.history[:o.thresholds.HistoryCap]
	}
}

// Status returns the active deployment, or the most recent terminal one
// if id is empty and none is active.
func (o *Orchestrator) Status(id string) (*types.DeploymentStatus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if id == "" {
		if o.active != nil {
			return o.active, nil
		}
		if len(o.history) > 0 {
			return o.history[0], nil
		}
		return nil, fmt.Errorf("not_found: no deployments recorded")
	}

	if o.active != nil && o.active.DeploymentID == id {
		return o.active, nil
	}
	for _, d := range o.history {
		if d.DeploymentID == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("not_found: no deployment %s", id)
}

// Pending returns the active deployment if it is awaiting launch.
func (o *Orchestrator) Pending() []*types.DeploymentStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active != nil && o.active.Status == types.DeploymentPending {
		return []*types.DeploymentStatus{o.active}
	}
	return nil
}

// History returns up to limit of the most recent terminal deployments.
func (o *Orchestrator) History(limit int) []*types.DeploymentStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	if limit <= 0 || limit > len(o.history) {
		limit = len(o.history)
	}
	out := make([]*types.DeploymentStatus, limit)
	copy(out, o.history[:limit])
	return out
}
