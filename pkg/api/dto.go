package api

import (
	"time"

	"github.com/cirisai/manager/pkg/types"
)

// The core's types are plain Go structs with no wire opinions; this file
// holds most of the JSON shapes, and a few small request and error bodies
// are declared next to the handlers that use them. Optional fields are
// explicit and unknown fields are rejected at the boundary.

// notificationRequest is the POST /updates/notify body.
type notificationRequest struct {
	AgentImage string `json:"agent_image,omitempty"`
	GUIImage   string `json:"gui_image,omitempty"`
	NginxImage string `json:"nginx_image,omitempty"`
	Version    string `json:"version,omitempty"`
	CommitSHA  string `json:"commit_sha,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
	Message    string `json:"message,omitempty"`
	RiskLevel  string `json:"risk_level,omitempty"`
	Changelog  string `json:"changelog,omitempty"`
}

func (n notificationRequest) toNotification() types.UpdateNotification {
	return types.UpdateNotification{
		AgentImage: n.AgentImage,
		GUIImage:   n.GUIImage,
		NginxImage: n.NginxImage,
		Version:    n.Version,
		CommitSHA:  n.CommitSHA,
		Strategy:   types.NotificationStrategy(n.Strategy),
		Message:    n.Message,
		RiskLevel:  types.RiskLevel(n.RiskLevel),
		Changelog:  n.Changelog,
	}
}

type deploymentEventResponse struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	AgentID   string    `json:"agent_id,omitempty"`
	Detail    string    `json:"detail"`
}

type deploymentStatusResponse struct {
	DeploymentID string                     `json:"deployment_id"`
	Status       string                     `json:"status"`
	Message      string                     `json:"message"`
	StartedAt    *time.Time                 `json:"started_at,omitempty"`
	StagedAt     *time.Time                 `json:"staged_at,omitempty"`
	CompletedAt  *time.Time                 `json:"completed_at,omitempty"`

	AgentsTotal    int `json:"agents_total"`
	AgentsUpdated  int `json:"agents_updated"`
	AgentsDeferred int `json:"agents_deferred"`
	AgentsFailed   int `json:"agents_failed"`
	AgentsSkipped  int `json:"agents_skipped"`

	Notification notificationRequest       `json:"notification"`
	Events       []deploymentEventResponse `json:"events"`
}

func statusToResponse(s *types.DeploymentStatus) deploymentStatusResponse {
	events := make([]deploymentEventResponse, len(s.Events))
	for i, e := range s.Events {
		events[i] = deploymentEventResponse{
			Timestamp: e.Timestamp,
			Kind:      string(e.Kind),
			AgentID:   e.AgentID,
			Detail:    e.Detail,
		}
	}
	return deploymentStatusResponse{
		DeploymentID: s.DeploymentID,
		Status:       string(s.Status),
		Message:      s.Message,
		StartedAt:    s.StartedAt,
		StagedAt:     s.StagedAt,
		CompletedAt:  s.CompletedAt,

		AgentsTotal:    s.AgentsTotal,
		AgentsUpdated:  s.AgentsUpdated,
		AgentsDeferred: s.AgentsDeferred,
		AgentsFailed:   s.AgentsFailed,
		AgentsSkipped:  s.AgentsSkipped,

		Notification: notificationRequest{
			AgentImage: s.Notification.AgentImage,
			GUIImage:   s.Notification.GUIImage,
			NginxImage: s.Notification.NginxImage,
			Version:    s.Notification.Version,
			CommitSHA:  s.Notification.CommitSHA,
			Strategy:   string(s.Notification.Strategy),
			Message:    s.Notification.Message,
			RiskLevel:  string(s.Notification.RiskLevel),
			Changelog:  s.Notification.Changelog,
		},
		Events: events,
	}
}

type containerVersionResponse struct {
	Image        string    `json:"image"`
	Digest       string    `json:"digest,omitempty"`
	DeployedAt   time.Time `json:"deployed_at"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	DeployedBy   string    `json:"deployed_by,omitempty"`
}

func versionToResponse(v *types.ContainerVersion) *containerVersionResponse {
	if v == nil {
		return nil
	}
	return &containerVersionResponse{
		Image:        v.Image,
		Digest:       v.Digest,
		DeployedAt:   v.DeployedAt,
		DeploymentID: v.DeploymentID,
		DeployedBy:   v.DeployedBy,
	}
}

type rollbackOptionsResponse struct {
	Current *containerVersionResponse `json:"current"`
	NMinus1 *containerVersionResponse `json:"n_minus_1"`
	NMinus2 *containerVersionResponse `json:"n_minus_2"`
	Staged  *containerVersionResponse `json:"staged"`
}

type rollbackRequest struct {
	TargetVersion  string            `json:"target_version,omitempty"`
	TargetVersions map[string]string `json:"target_versions,omitempty"`
}

type rollbackProposalResponse struct {
	ID           string            `json:"id"`
	DeploymentID string            `json:"deployment_id"`
	Reason       string            `json:"reason"`
	Targets      map[string]string `json:"targets"`
	CreatedAt    time.Time         `json:"created_at"`
	Approved     bool              `json:"approved"`
	Dismissed    bool              `json:"dismissed"`
}

func proposalToResponse(p *types.RollbackProposal) rollbackProposalResponse {
	targets := make(map[string]string, len(p.Targets))
	for kind, image := range p.Targets {
		targets[string(kind)] = image
	}
	return rollbackProposalResponse{
		ID:           p.ID,
		DeploymentID: p.DeploymentID,
		Reason:       p.Reason,
		Targets:      targets,
		CreatedAt:    p.CreatedAt,
		Approved:     p.Approved,
		Dismissed:    p.Dismissed,
	}
}

type discoveredAgentResponse struct {
	AgentID         string `json:"agent_id"`
	OccurrenceID    string `json:"occurrence_id,omitempty"`
	ServerID        string `json:"server_id"`
	DisplayName     string `json:"display_name"`
	ContainerName   string `json:"container_name"`
	Image           string `json:"image"`
	Status          string `json:"status"`
	APIPort         int    `json:"api_port,omitempty"`
	Version         string `json:"version"`
	Codename        string `json:"codename"`
	CodeHash        string `json:"code_hash"`
	CognitiveState  string `json:"cognitive_state"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	CanaryGroup     string `json:"canary_group"`
	DeploymentLabel string `json:"deployment_label,omitempty"`
	DoNotAutostart  bool   `json:"do_not_autostart"`
	OAuthStatus     string `json:"oauth_status"`
}

func agentToResponse(a types.DiscoveredAgent) discoveredAgentResponse {
	return discoveredAgentResponse{
		AgentID:         a.Identity.AgentID,
		OccurrenceID:    a.Identity.OccurrenceID,
		ServerID:        a.Identity.ServerID,
		DisplayName:     a.DisplayName,
		ContainerName:   a.ContainerName,
		Image:           a.Image,
		Status:          string(a.Status),
		APIPort:         a.APIPort,
		Version:         a.Version,
		Codename:        a.Codename,
		CodeHash:        a.CodeHash,
		CognitiveState:  a.CognitiveState,
		UptimeSeconds:   a.UptimeSeconds,
		CanaryGroup:     string(a.CanaryGroup),
		DeploymentLabel: a.DeploymentLabel,
		DoNotAutostart:  a.DoNotAutostart,
		OAuthStatus:     string(a.OAuthStatus),
	}
}

type cohortSummaryResponse struct {
	Group           string  `json:"group"`
	AgentCount      int     `json:"agent_count"`
	ExpectedPercent float64 `json:"expected_percent"`
	ActualPercent   float64 `json:"actual_percent"`
}
