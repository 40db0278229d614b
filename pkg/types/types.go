// Package types defines the core data model shared across the fleet manager.
package types

import "time"

// ImageKind identifies which managed image a version or notification field
// refers to.
type ImageKind string

const (
	ImageKindAgent ImageKind = "agent"
	ImageKindGUI   ImageKind = "gui"
	ImageKindNginx ImageKind = "nginx"
)

// CanaryGroup governs rollout order. Unassigned agents are treated as
// general during cohort sequencing but remembered as their own value.
type CanaryGroup string

const (
	CanaryExplorer     CanaryGroup = "explorer"
	CanaryEarlyAdopter CanaryGroup = "early_adopter"
	CanaryGeneral      CanaryGroup = "general"
	CanaryUnassigned   CanaryGroup = "unassigned"
)

// OAuthStatus tracks an agent's OAuth configuration lifecycle.
type OAuthStatus string

const (
	OAuthPending    OAuthStatus = "pending"
	OAuthConfigured OAuthStatus = "configured"
	OAuthVerified   OAuthStatus = "verified"
)

// AgentIdentity is the composite key identifying one logical agent
// occurrence on one host.
type AgentIdentity struct {
	AgentID      string
	OccurrenceID string // optional; distinguishes replicas on the same host
	ServerID     string
}

// VersionTransition records an observed version change for an agent.
type VersionTransition struct {
	Version      string
	ObservedAt   time.Time
	DeploymentID string
}

// RegistryEntry is the persisted, per-agent orchestration record.
type RegistryEntry struct {
	Identity AgentIdentity

	DisplayName    string
	TemplateName   string
	Port           int
	ComposePath    string
	EncryptedToken []byte // AES-256-GCM ciphertext, nonce-prepended

	CanaryGroup      CanaryGroup
	DeploymentLabel  string
	DoNotAutostart   bool
	OAuthStatus      OAuthStatus
	CurrentVersion   string
	LastWorkStateAt  *time.Time
	VersionTransitions []VersionTransition

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ContainerStatus enumerates the observed state of a discovered container.
type ContainerStatus string

const (
	ContainerRunning    ContainerStatus = "running"
	ContainerExited     ContainerStatus = "exited"
	ContainerRestarting ContainerStatus = "restarting"
	ContainerUnknown    ContainerStatus = "unknown"
)

// DiscoveredAgent is the transient join of live container state and a
// registry entry, produced fresh by every discovery pass.
type DiscoveredAgent struct {
	Identity AgentIdentity

	ContainerName string
	Image         string
	Status        ContainerStatus
	APIPort       int

	// Fields fetched best-effort from the agent's /system/health.
	// "unknown" when the fetch failed or timed out.
	Version              string
	Codename             string
	CodeHash             string
	CognitiveState       string
	UptimeSeconds         int64
	InitializationComplete bool

	DisplayName     string
	CanaryGroup     CanaryGroup
	DeploymentLabel string
	DoNotAutostart  bool
	OAuthStatus     OAuthStatus
	ComposePath     string
}

// ContainerVersion records a single deployed (or staged) image for one
// image kind.
type ContainerVersion struct {
	Image        string
	Digest       string
	DeployedAt   time.Time
	DeploymentID string
	DeployedBy   string
}

// VersionState is the four-slot sliding window tracked per image kind.
type VersionState struct {
	NPlus1   *ContainerVersion // staged, provisional
	N        *ContainerVersion // current
	NMinus1  *ContainerVersion
	NMinus2  *ContainerVersion
}

// NotificationStrategy controls how a notification's risk is evaluated and
// how the resulting deployment is sequenced.
type NotificationStrategy string

const (
	StrategyCanary    NotificationStrategy = "canary"
	StrategyImmediate NotificationStrategy = "immediate"
	StrategyManual    NotificationStrategy = "manual"
)

// RiskLevel is an optional hint accompanying an UpdateNotification.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskCritical RiskLevel = "critical"
	RiskBreaking RiskLevel = "breaking"
)

// UpdateNotification is the payload a CD pipeline posts to announce new
// images.
type UpdateNotification struct {
	AgentImage string
	GUIImage   string
	NginxImage string

	Version    string
	CommitSHA  string
	Strategy   NotificationStrategy
	Message    string
	RiskLevel  RiskLevel
	Changelog  string
}

// ImageFor returns the image reference this notification carries for the
// given kind, and whether that field was populated.
func (n UpdateNotification) ImageFor(kind ImageKind) (string, bool) {
	switch kind {
	case ImageKindAgent:
		return n.AgentImage, n.AgentImage != ""
	case ImageKindGUI:
		return n.GUIImage, n.GUIImage != ""
	case ImageKindNginx:
		return n.NginxImage, n.NginxImage != ""
	default:
		return "", false
	}
}

// IsNoOp reports whether no image field was populated.
func (n UpdateNotification) IsNoOp() bool {
	return n.AgentImage == "" && n.GUIImage == "" && n.NginxImage == ""
}

// DeploymentState is a state in the orchestrator's deployment state machine.
type DeploymentState string

const (
	DeploymentEvaluating      DeploymentState = "evaluating"
	DeploymentPending         DeploymentState = "pending"
	DeploymentInProgress      DeploymentState = "in_progress"
	DeploymentPaused          DeploymentState = "paused"
	DeploymentCompleted       DeploymentState = "completed"
	DeploymentFailed          DeploymentState = "failed"
	DeploymentCancelled       DeploymentState = "cancelled"
	DeploymentRejected        DeploymentState = "rejected"
	DeploymentRollingBack     DeploymentState = "rolling_back"
	DeploymentRollbackProposed DeploymentState = "rollback_proposed"
)

// IsTerminal reports whether the state admits no further transitions.
func (s DeploymentState) IsTerminal() bool {
	switch s {
	case DeploymentCompleted, DeploymentFailed, DeploymentCancelled, DeploymentRejected:
		return true
	default:
		return false
	}
}

// EventKind classifies a deployment timeline event.
type EventKind string

const (
	EventStateTransition   EventKind = "state_transition"
	EventAgentUpdated      EventKind = "agent_updated"
	EventAgentDeferred     EventKind = "agent_deferred"
	EventAgentFailed       EventKind = "agent_failed"
	EventAgentSkipped      EventKind = "agent_skipped"
	EventGateTriggered     EventKind = "gate_triggered"
	EventRollbackProposed  EventKind = "rollback_proposed"
)

// DeploymentEvent is one entry in a deployment's authoritative audit trail.
type DeploymentEvent struct {
	Timestamp time.Time
	Kind      EventKind
	AgentID   string // optional
	Detail    string
}

// DeploymentStatus is the orchestrator's full record of one notification's
// processing, from evaluation to terminal state.
type DeploymentStatus struct {
	DeploymentID string
	Status       DeploymentState
	Notification UpdateNotification

	StartedAt   *time.Time
	StagedAt    *time.Time
	CompletedAt *time.Time

	Message string

	AgentsTotal    int
	AgentsUpdated  int
	AgentsDeferred int
	AgentsFailed   int
	AgentsSkipped  int

	Events []DeploymentEvent
}

// RollbackTarget selects how far back a rollback should reach.
type RollbackTarget string

const (
	RollbackNMinus1  RollbackTarget = "n-1"
	RollbackNMinus2  RollbackTarget = "n-2"
	RollbackExplicit RollbackTarget = "explicit"
)

// RollbackProposal is a first-class, operator-actionable object surfaced
// after an automatic rollback suggestion.
type RollbackProposal struct {
	ID           string
	DeploymentID string
	Reason       string
	Targets      map[ImageKind]string // proposed image per kind
	CreatedAt    time.Time
	Approved     bool
	Dismissed    bool
}

// CohortSummary reports expected vs. actual rollout percentage for one
// canary group, used by the fleet dashboard.
type CohortSummary struct {
	Group           CanaryGroup
	AgentCount      int
	ExpectedPercent float64
	ActualPercent   float64
}

// AgentUpdateOutcome is the result of carrying one agent through the
// per-agent update protocol.
type AgentUpdateOutcome string

const (
	OutcomeUpdated                AgentUpdateOutcome = "updated"
	OutcomeDeferred               AgentUpdateOutcome = "deferred"
	OutcomeFailed                 AgentUpdateOutcome = "failed"
	OutcomeSkippedDoNotAutostart  AgentUpdateOutcome = "skipped_do_not_autostart"
	OutcomeSkippedAlreadyCurrent  AgentUpdateOutcome = "skipped_already_current"
)

// ShutdownOutcome classifies the agent's response to a solicited shutdown.
type ShutdownOutcome string

const (
	ShutdownAccepted        ShutdownOutcome = "accepted"
	ShutdownDeferred        ShutdownOutcome = "deferred"
	ShutdownRejectedByAgent ShutdownOutcome = "rejected_by_agent"
	ShutdownUnreachable     ShutdownOutcome = "unreachable"
)
