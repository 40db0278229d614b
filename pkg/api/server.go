// Package api is the thin HTTP adapter over the deployment orchestrator,
// registry, and discovery layer: no OAuth login, no session cookies, no
// static asset serving, just authenticated JSON endpoints mapped directly
// onto the core's operations, built on a bare net/http.ServeMux plus
// encoding/json.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/cirisai/manager/pkg/agentproto"
	"github.com/cirisai/manager/pkg/auth"
	"github.com/cirisai/manager/pkg/discovery"
	"github.com/cirisai/manager/pkg/log"
	"github.com/cirisai/manager/pkg/metrics"
	"github.com/cirisai/manager/pkg/orchestrator"
	"github.com/cirisai/manager/pkg/registry"
	"github.com/cirisai/manager/pkg/runtime"
)

// HostInventory resolves a host id to its container client, shared with
// the orchestrator and reconciler's own inventory abstraction.
type HostInventory interface {
	Hosts() map[string]runtime.HostClient
}

// Config wires a Server to the services it fronts.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *registry.Registry
	Discoverer   *discovery.Discoverer
	Protocol     *agentproto.Protocol
	Hosts        HostInventory
	CDAuth       *auth.CDTokenAuthority
	OperatorAuth *auth.OperatorAuthority
}

// Server is the HTTP boundary. It holds no state of its own beyond the
// services it was constructed with.
type Server struct {
	orch     *orchestrator.Orchestrator
	registry *registry.Registry
	discover *discovery.Discoverer
	protocol *agentproto.Protocol
	hosts    HostInventory
	cdAuth   *auth.CDTokenAuthority
	opAuth   *auth.OperatorAuthority

	mux *http.ServeMux
}

// NewServer constructs a Server with every route registered.
func NewServer(cfg Config) *Server {
	s := &Server{
		orch:     cfg.Orchestrator,
		registry: cfg.Registry,
		discover: cfg.Discoverer,
		protocol: cfg.Protocol,
		hosts:    cfg.Hosts,
		cdAuth:   cfg.CDAuth,
		opAuth:   cfg.OperatorAuth,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the server's http.Handler for embedding in a parent mux
// or testing with httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start blocks serving addr until the process is told to stop.
func (s *Server) Start(addr string) error {
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("API listening")
	return httpServer.ListenAndServe()
}

func (s *Server) routes() {
	s.mux.HandleFunc("/updates/notify", s.withMetrics("updates.notify", s.cdAuthenticated(s.handleNotify)))
	s.mux.HandleFunc("/updates/status", s.withMetrics("updates.status", s.operatorAuthenticated(s.handleStatus)))
	s.mux.HandleFunc("/updates/pending", s.withMetrics("updates.pending", s.operatorAuthenticated(s.handlePending)))
	s.mux.HandleFunc("/updates/preview/", s.withMetrics("updates.preview", s.operatorAuthenticated(s.handlePreview)))
	s.mux.HandleFunc("/updates/shutdown-reasons/", s.withMetrics("updates.shutdown_reasons", s.operatorAuthenticated(s.handleShutdownReasons)))
	s.mux.HandleFunc("/updates/launch", s.withMetrics("updates.launch", s.operatorAuthenticated(s.handleLaunch)))
	s.mux.HandleFunc("/updates/cancel", s.withMetrics("updates.cancel", s.operatorAuthenticated(s.handleCancel)))
	s.mux.HandleFunc("/updates/reject", s.withMetrics("updates.reject", s.operatorAuthenticated(s.handleReject)))
	s.mux.HandleFunc("/updates/pause", s.withMetrics("updates.pause", s.operatorAuthenticated(s.handlePause)))
	s.mux.HandleFunc("/updates/rollback", s.withMetrics("updates.rollback", s.operatorAuthenticated(s.handleRollback)))
	s.mux.HandleFunc("/updates/rollback-options", s.withMetrics("updates.rollback_options", s.operatorAuthenticated(s.handleRollbackOptions)))
	s.mux.HandleFunc("/updates/rollback-proposals", s.withMetrics("updates.rollback_proposals", s.operatorAuthenticated(s.handleRollbackProposals)))
	s.mux.HandleFunc("/updates/rollback-proposals/", s.withMetrics("updates.rollback_proposal_action", s.operatorAuthenticated(s.handleRollbackProposalAction)))

	s.mux.HandleFunc("/agents", s.withMetrics("agents.list", s.operatorAuthenticated(s.handleAgentsList)))
	s.mux.HandleFunc("/agents/", s.withMetrics("agents.detail", s.operatorAuthenticated(s.handleAgentDetailOrAction)))
	s.mux.HandleFunc("/canary/groups", s.withMetrics("canary.groups", s.operatorAuthenticated(s.handleCanaryGroups)))
	s.mux.HandleFunc("/canary/agent/", s.withMetrics("canary.set", s.operatorAuthenticated(s.handleSetCanaryGroup)))
}

type handlerFunc func(w http.ResponseWriter, r *http.Request)

// withMetrics instruments every route with request count/duration.
func (s *Server) withMetrics(route string, next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)
		metrics.APIRequestsTotal.WithLabelValues(route, http.StatusText(rec.status)).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// bearerToken extracts the token from an "Authorization: Bearer ..." header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// cdAuthenticated guards the CD notification endpoint. The scope check
// happens inside Orchestrator.Notify once the notification is parsed;
// here we only reject a wholly missing token.
func (s *Server) cdAuthenticated(next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if bearerToken(r) == "" {
			writeError(w, http.StatusForbidden, "forbidden", "missing CD bearer token")
			return
		}
		next(w, r)
	}
}

func (s *Server) operatorAuthenticated(next handlerFunc) handlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opAuth != nil {
			if err := s.opAuth.Validate(bearerToken(r)); err != nil {
				writeError(w, http.StatusForbidden, "forbidden", err.Error())
				return
			}
		}
		next(w, r)
	}
}

// ctxWithRequestTimeout bounds handler-level work to a generous budget;
// long-running rollout work itself runs detached in the orchestrator.
func ctxWithRequestTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 15*time.Second)
}
