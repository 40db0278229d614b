package api

import (
	"net/http"
	"strings"

	"github.com/cirisai/manager/pkg/types"
)

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "bad_request", "POST required")
		return
	}

	var req notificationRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid notification body: "+err.Error())
		return
	}

	ctx, cancel := ctxWithRequestTimeout(r)
	defer cancel()

	status, err := s.orch.Notify(ctx, bearerToken(r), req.toNotification())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusToResponse(status))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	status, err := s.orch.Status(id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusToResponse(status))
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending := s.orch.Pending()
	out := make([]deploymentStatusResponse, len(pending))
	for i, p := range pending {
		out[i] = statusToResponse(p)
	}
	writeJSON(w, http.StatusOK, out)
}

func deploymentIDFromPath(prefix, path string) string {
	return strings.TrimPrefix(strings.TrimPrefix(path, prefix), "/")
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := deploymentIDFromPath("/updates/preview", r.URL.Path)
	ctx, cancel := ctxWithRequestTimeout(r)
	defer cancel()

	entries, err := s.orch.Preview(ctx, id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleShutdownReasons(w http.ResponseWriter, r *http.Request) {
	id := deploymentIDFromPath("/updates/shutdown-reasons", r.URL.Path)
	ctx, cancel := ctxWithRequestTimeout(r)
	defer cancel()

	reasons, err := s.orch.ShutdownReasonsPreview(ctx, id)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reasons)
}

type deploymentIDRequest struct {
	DeploymentID string `json:"deployment_id"`
}

func (s *Server) decodeDeploymentID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req deploymentIDRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body: "+err.Error())
		return "", false
	}
	return req.DeploymentID, true
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeDeploymentID(w, r)
	if !ok {
		return
	}
	if err := s.orch.Launch(id); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "launched"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeDeploymentID(w, r)
	if !ok {
		return
	}
	if err := s.orch.Cancel(id); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeDeploymentID(w, r)
	if !ok {
		return
	}
	if err := s.orch.Reject(id); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeDeploymentID(w, r)
	if !ok {
		return
	}
	if err := s.orch.Pause(id); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceDeploymentID string            `json:"source_deployment_id,omitempty"`
		TargetVersion      string            `json:"target_version,omitempty"`
		TargetVersions     map[string]string `json:"target_versions,omitempty"`
	}
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid body: "+err.Error())
		return
	}

	var explicit map[types.ImageKind]string
	if len(req.TargetVersions) > 0 {
		explicit = make(map[types.ImageKind]string, len(req.TargetVersions))
		for kind, image := range req.TargetVersions {
			explicit[types.ImageKind(kind)] = image
		}
	}

	target := types.RollbackTarget(req.TargetVersion)
	if target == "" {
		target = types.RollbackNMinus1
	}
	if explicit != nil {
		target = types.RollbackExplicit
	}

	if err := s.orch.RollbackDeployment(req.SourceDeploymentID, target, explicit); err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rolling_back"})
}

func (s *Server) handleRollbackOptions(w http.ResponseWriter, r *http.Request) {
	opts := s.orch.RollbackOptions()
	out := make(map[string]rollbackOptionsResponse, len(opts))
	for kind, o := range opts {
		out[string(kind)] = rollbackOptionsResponse{
			Current: versionToResponse(o.Current),
			NMinus1: versionToResponse(o.NMinus1),
			NMinus2: versionToResponse(o.NMinus2),
			Staged:  versionToResponse(o.Staged),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRollbackProposals(w http.ResponseWriter, r *http.Request) {
	proposals := s.orch.RollbackProposals()
	out := make([]rollbackProposalResponse, len(proposals))
	for i, p := range proposals {
		out[i] = proposalToResponse(p)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRollbackProposalAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/updates/rollback-proposals/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 {
		writeError(w, http.StatusBadRequest, "bad_request", "expected /updates/rollback-proposals/{id}/{approve,dismiss}")
		return
	}
	id, action := parts[0], parts[1]

	var err error
	switch action {
	case "approve":
		err = s.orch.ApproveRollbackProposal(id)
	case "dismiss":
		err = s.orch.DismissRollbackProposal(id)
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown action "+action)
		return
	}
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": action + "d"})
}
