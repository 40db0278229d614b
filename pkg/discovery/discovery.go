// Package discovery enumerates live containers across every known host,
// filters to those tagged as agents, and merges the result with the
// registry to produce a consistent fleet snapshot.
package discovery

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cirisai/manager/pkg/log"
	"github.com/cirisai/manager/pkg/metrics"
	"github.com/cirisai/manager/pkg/registry"
	"github.com/cirisai/manager/pkg/runtime"
	"github.com/cirisai/manager/pkg/types"
)

// cacheTTL bounds how long a host's discovered-container list is reused
// before a fresh enumeration.
const cacheTTL = 5 * time.Second

// backoffBase and backoffMax bound the exponential backoff applied to a
// single (agent_id, host) pair after each failed health fetch, doubling on
// every consecutive failure, so one misbehaving agent cannot make discovery
// expensive.
const (
	backoffBase = 2 * time.Second
	backoffMax  = 2 * time.Minute
)

var suffixPattern = regexp.MustCompile(`-([a-z0-9]{6})$`)

// Config configures a Discoverer.
type Config struct {
	Registry      *registry.Registry
	HealthChecker *HealthChecker
}

// hostCacheEntry is a memoized enumeration result for one host.
type hostCacheEntry struct {
	containers []runtime.ContainerInfo
	fetchedAt  time.Time
}

// backoffState tracks repeated health-fetch failures for one agent/host
// pair.
type backoffState struct {
	failures   int
	nextTry    time.Time
}

// Discoverer produces fleet snapshots by joining per-host container state
// with the registry.
type Discoverer struct {
	registry *registry.Registry
	health   *HealthChecker

	mu        sync.Mutex
	hostCache map[string]hostCacheEntry
	backoff   map[string]*backoffState
}

// New constructs a Discoverer.
func New(cfg Config) *Discoverer {
	return &Discoverer{
		registry:  cfg.Registry,
		health:    cfg.HealthChecker,
		hostCache: map[string]hostCacheEntry{},
		backoff:   map[string]*backoffState{},
	}
}

// InvalidateHost drops the cached enumeration for one host, forcing the
// next Discover call to re-enumerate it.
func (d *Discoverer) InvalidateHost(hostID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.hostCache, hostID)
}

// Discover enumerates every host in hosts and returns the merged fleet
// snapshot. A host whose client cannot be reached yields an empty list
// for that host and a logged warning; the rest of the fleet still
// discovers.
func (d *Discoverer) Discover(ctx context.Context, hosts map[string]runtime.HostClient) []types.DiscoveredAgent {
	logger := log.WithComponent("discovery")

	var out []types.DiscoveredAgent
	statusCounts := map[string]int{}

	for hostID, client := range hosts {
		containers, err := d.listHost(ctx, hostID, client)
		if err != nil {
			logger.Warn().Err(err).Str("server_id", hostID).Msg("host enumeration failed")
			metrics.DiscoveryHostErrorsTotal.WithLabelValues(hostID).Inc()
			continue
		}

		for _, c := range containers {
			agentID, ok := c.Env[runtime.AgentIDEnvVar]
			if !ok || agentID == "" {
				continue
			}

			agent := d.buildAgent(ctx, hostID, c, agentID)
			out = append(out, agent)
			statusCounts[string(agent.Status)]++
		}
	}

	for status, count := range statusCounts {
		metrics.DiscoveredAgentsTotal.WithLabelValues(status).Set(float64(count))
	}

	return out
}

func (d *Discoverer) listHost(ctx context.Context, hostID string, client runtime.HostClient) ([]runtime.ContainerInfo, error) {
	d.mu.Lock()
	if entry, ok := d.hostCache[hostID]; ok && time.Since(entry.fetchedAt) < cacheTTL {
		d.mu.Unlock()
		return entry.containers, nil
	}
	d.mu.Unlock()

	containers, err := client.ListContainers(ctx)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.hostCache[hostID] = hostCacheEntry{containers: containers, fetchedAt: time.Now()}
	d.mu.Unlock()

	return containers, nil
}

func (d *Discoverer) buildAgent(ctx context.Context, hostID string, c runtime.ContainerInfo, agentID string) types.DiscoveredAgent {
	occurrenceID := c.Env["CIRIS_OCCURRENCE_ID"]
	identity := types.AgentIdentity{AgentID: agentID, OccurrenceID: occurrenceID, ServerID: hostID}

	apiPort := 0
	for containerPort, hostPort := range c.Ports {
		if containerPort == 8080 {
			apiPort = hostPort
			break
		}
	}

	agent := types.DiscoveredAgent{
		Identity:       identity,
		ContainerName:  c.Name,
		Image:          c.Image,
		Status:         c.Status,
		APIPort:        apiPort,
		Version:        "unknown",
		Codename:       "unknown",
		CodeHash:       "unknown",
		CognitiveState: "unknown",
		DisplayName:    deriveDisplayName(agentID),
	}

	if entry, err := d.registry.Resolve(identity); err == nil {
		agent.DisplayName = entry.DisplayName
		agent.CanaryGroup = entry.CanaryGroup
		agent.DeploymentLabel = entry.DeploymentLabel
		agent.DoNotAutostart = entry.DoNotAutostart
		agent.OAuthStatus = entry.OAuthStatus
		agent.ComposePath = entry.ComposePath
		// containerd exposes no published-port concept; the registry's
		// compose-assigned port is the only source of truth when the
		// backend can't report one itself.
		if apiPort == 0 && entry.Port > 0 {
			apiPort = entry.Port
			agent.APIPort = apiPort
		}
	}

	if c.Status == types.ContainerRunning && d.health != nil && apiPort > 0 {
		d.fetchLiveHealth(ctx, hostID, identity, apiPort, &agent)
	}

	return agent
}

func (d *Discoverer) fetchLiveHealth(ctx context.Context, hostID string, identity types.AgentIdentity, apiPort int, agent *types.DiscoveredAgent) {
	key := hostID + "/" + identity.AgentID

	d.mu.Lock()
	if bs, ok := d.backoff[key]; ok && time.Now().Before(bs.nextTry) {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	token, _ := d.registry.ServiceToken(identity)

	baseURL := fmt.Sprintf("http://%s:%d", hostNameFor(hostID), apiPort)
	health, err := d.health.Fetch(ctx, baseURL, token)
	if err != nil {
		d.recordBackoff(key)
		log.WithComponent("discovery").Warn().Err(err).Str("agent_id", identity.AgentID).Msg("health fetch failed")
		return
	}

	d.mu.Lock()
	delete(d.backoff, key)
	d.mu.Unlock()

	agent.Version = health.Version
	agent.Codename = health.Codename
	agent.CodeHash = health.CodeHash
	agent.CognitiveState = health.CognitiveState
	agent.UptimeSeconds = health.UptimeSeconds
	agent.InitializationComplete = health.InitializationComplete

	_ = d.registry.UpdateAgentState(identity, health.Version, health.CognitiveState, "")
}

func (d *Discoverer) recordBackoff(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bs, ok := d.backoff[key]
	if !ok {
		bs = &backoffState{}
		d.backoff[key] = bs
	}
	bs.failures++

	delay := backoffBase * time.Duration(1<<uint(bs.failures-1))
	if delay > backoffMax {
		delay = backoffMax
	}
	bs.nextTry = time.Now().Add(delay)
}

// hostNameFor resolves a host id to its network address. Hosts are
// addressed by id in this system's inventory; concrete deployments bind
// ids to routable names via configuration.
func hostNameFor(hostID string) string {
	return hostID
}

// deriveDisplayName turns an agent id into a human-readable name the way
// the original discovery layer did: a production agent id carries a
// random 6-character suffix ("datum-a3b7c9"), which becomes "Datum
// (a3b7c9)"; ids without that shape are simply title-cased.
func deriveDisplayName(agentID string) string {
	if m := suffixPattern.FindStringSubmatch(agentID); m != nil {
		base := strings.TrimSuffix(agentID, "-"+m[1])
		return fmt.Sprintf("%s (%s)", titleCase(base), m[1])
	}
	return titleCase(agentID)
}

func titleCase(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '_' })
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}
