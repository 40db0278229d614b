package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/cirisai/manager/pkg/agentproto"
	"github.com/cirisai/manager/pkg/types"
)

// identityFromRequest resolves the composite key from a path agent id plus
// optional ?occurrence=&server= query parameters.
func identityFromRequest(r *http.Request, agentID string) types.AgentIdentity {
	return types.AgentIdentity{
		AgentID:      agentID,
		OccurrenceID: r.URL.Query().Get("occurrence"),
		ServerID:     r.URL.Query().Get("server"),
	}
}

func (s *Server) handleAgentsList(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := ctxWithRequestTimeout(r)
	defer cancel()

	agents := s.discover.Discover(ctx, s.hosts.Hosts())
	out := make([]discoveredAgentResponse, len(agents))
	for i, a := range agents {
		out[i] = agentToResponse(a)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAgentDetailOrAction serves GET /agents/{id} and
// POST /agents/{id}/{start,stop,restart,shutdown}.
func (s *Server) handleAgentDetailOrAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/agents/")
	parts := strings.SplitN(rest, "/", 2)
	agentID := parts[0]
	if agentID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing agent id")
		return
	}

	if len(parts) == 1 {
		s.handleAgentDetail(w, r, agentID)
		return
	}
	s.handleAgentAction(w, r, agentID, parts[1])
}

func (s *Server) handleAgentDetail(w http.ResponseWriter, r *http.Request, agentID string) {
	ctx, cancel := ctxWithRequestTimeout(r)
	defer cancel()

	identity := identityFromRequest(r, agentID)
	agents := s.discover.Discover(ctx, s.hosts.Hosts())
	for _, a := range agents {
		if a.Identity.AgentID == identity.AgentID &&
			(identity.OccurrenceID == "" || a.Identity.OccurrenceID == identity.OccurrenceID) &&
			(identity.ServerID == "" || a.Identity.ServerID == identity.ServerID) {
			writeJSON(w, http.StatusOK, agentToResponse(a))
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "no such agent")
}

func (s *Server) handleAgentAction(w http.ResponseWriter, r *http.Request, agentID, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "bad_request", "POST required")
		return
	}

	identity := identityFromRequest(r, agentID)
	entry, err := s.registry.Resolve(identity)
	if err != nil {
		writeMappedError(w, err)
		return
	}

	ctx, cancel := ctxWithRequestTimeout(r)
	defer cancel()

	host := s.hosts.Hosts()[entry.Identity.ServerID]
	if host == nil {
		writeError(w, http.StatusNotFound, "not_found", "no container client for server "+entry.Identity.ServerID)
		return
	}

	// The registry persists identity/credentials, not the live container
	// name, so resolve it fresh from discovery before acting.
	containerID := entry.Identity.AgentID
	for _, a := range s.discover.Discover(ctx, s.hosts.Hosts()) {
		if a.Identity == entry.Identity {
			containerID = a.ContainerName
			break
		}
	}

	switch action {
	case "start":
		err = host.StartContainer(ctx, containerID)
	case "stop":
		err = host.StopContainer(ctx, containerID, agentproto.StopGraceTimeout)
	case "restart":
		err = host.RestartContainer(ctx, containerID, agentproto.StopGraceTimeout)
	case "shutdown":
		err = s.handleShutdownAction(ctx, entry, containerID)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown action "+action)
		return
	}
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": action + "ed"})
}

func (s *Server) handleShutdownAction(ctx context.Context, entry *types.RegistryEntry, containerID string) error {
	if s.protocol == nil {
		return errMethodNotAllowed
	}
	plan := agentproto.UpdatePlan{
		Identity:    entry.Identity,
		ContainerID: containerID,
		Reason:      "operator-requested shutdown",
		APIPort:     entry.Port,
		HostAddress: entry.Identity.ServerID,
	}
	_, err := s.protocol.Solicit(ctx, plan)
	return err
}

func (s *Server) handleCanaryGroups(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := ctxWithRequestTimeout(r)
	defer cancel()

	summaries := s.orch.CanaryGroups(ctx)
	out := make([]cohortSummaryResponse, len(summaries))
	for i, cs := range summaries {
		out[i] = cohortSummaryResponse{
			Group:           string(cs.Group),
			AgentCount:      cs.AgentCount,
			ExpectedPercent: cs.ExpectedPercent,
			ActualPercent:   cs.ActualPercent,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleSetCanaryGroup serves PUT /canary/agent/{id}/group.
func (s *Server) handleSetCanaryGroup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		writeError(w, http.StatusMethodNotAllowed, "bad_request", "PUT required")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/canary/agent/")
	agentID := strings.TrimSuffix(rest, "/group")
	if agentID == rest || agentID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "expected /canary/agent/{id}/group")
		return
	}

	var req struct {
		Group string `json:"group"`
	}
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body: "+err.Error())
		return
	}

	identity := identityFromRequest(r, agentID)
	if err := s.orch.SetCanaryGroup(identity, types.CanaryGroup(req.Group)); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}
