// Package reconciler runs a periodic pass that starts any discovered
// agent container that is stopped, unless the registry marks it
// do_not_autostart.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cirisai/manager/pkg/discovery"
	"github.com/cirisai/manager/pkg/log"
	"github.com/cirisai/manager/pkg/metrics"
	"github.com/cirisai/manager/pkg/runtime"
	"github.com/cirisai/manager/pkg/types"
)

// interval between reconciliation cycles.
const interval = 10 * time.Second

// HostInventory resolves a host id to its container client, so the
// reconciler can be wired against whatever inventory the composition root
// maintains.
type HostInventory interface {
	Hosts() map[string]runtime.HostClient
}

// Reconciler periodically starts any exited agent container not marked
// do_not_autostart.
type Reconciler struct {
	discoverer *discovery.Discoverer
	hosts      HostInventory
	logger     zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New constructs a Reconciler.
func New(discoverer *discovery.Discoverer, hosts HostInventory) *Reconciler {
	return &Reconciler{
		discoverer: discoverer,
		hosts:      hosts,
		logger:     log.WithComponent("reconciler"),
		stopCh:     make(chan struct{}),
	}
}

// Start begins the reconciliation loop in a background goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the reconciliation loop.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			r.reconcile(context.Background())
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	hosts := r.hosts.Hosts()
	agents := r.discoverer.Discover(ctx, hosts)

	for _, agent := range agents {
		if agent.Status != types.ContainerExited {
			continue
		}
		if agent.DoNotAutostart {
			r.logger.Debug().Str("agent_id", agent.Identity.AgentID).Msg("skipping autostart, do_not_autostart set")
			continue
		}

		host, ok := hosts[agent.Identity.ServerID]
		if !ok {
			continue
		}

		r.logger.Info().Str("agent_id", agent.Identity.AgentID).Str("server_id", agent.Identity.ServerID).Msg("autostarting stopped agent")
		if err := host.StartContainer(ctx, agent.ContainerName); err != nil {
			r.logger.Error().Err(err).Str("agent_id", agent.Identity.AgentID).Msg("autostart failed")
			metrics.ReconciliationStartsTotal.WithLabelValues("failed").Inc()
			continue
		}
		metrics.ReconciliationStartsTotal.WithLabelValues("started").Inc()
	}
}
