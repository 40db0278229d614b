// Package registry persists per-agent identity, credentials, and
// orchestration metadata: the mapping from a logical agent identity to its
// compose path, canary cohort, deployment label, and encrypted service
// token.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/cirisai/manager/pkg/log"
	"github.com/cirisai/manager/pkg/security"
	"github.com/cirisai/manager/pkg/storage"
	"github.com/cirisai/manager/pkg/types"
)

// maxVersionTransitions bounds the per-agent transition history; oldest
// entries are evicted first.
const maxVersionTransitions = 20

// ProductiveState is the cognitive_state value that marks an agent as
// doing productive work; observing it stamps LastWorkStateAt.
const ProductiveState = "work"

var validCanaryGroups = map[types.CanaryGroup]struct{}{
	types.CanaryExplorer:     {},
	types.CanaryEarlyAdopter: {},
	types.CanaryGeneral:      {},
	types.CanaryUnassigned:   {},
}

// Config configures a Registry.
type Config struct {
	DataDir string
	Secrets *security.SecretsManager
}

// Registry is the process-wide agent registry. All reads and mutations
// are serialized by a single registry-wide mutex, which covers every key.
type Registry struct {
	mu      sync.Mutex
	doc     *storage.JSONDocument
	secrets *security.SecretsManager

	entries []*types.RegistryEntry
	loaded  bool
}

// New constructs a Registry bound to cfg.DataDir/registry.json.
func New(cfg Config) (*Registry, error) {
	path := cfg.DataDir + "/registry.json"
	if err := storage.EnsureDir(path); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Registry{
		doc:     storage.NewJSONDocument(path),
		secrets: cfg.Secrets,
	}, nil
}

func (r *Registry) ensureLoaded() {
	if r.loaded {
		return
	}
	r.loaded = true

	var entries []*types.RegistryEntry
	if err := r.doc.Load(&entries); err != nil {
		log.WithComponent("registry").Info().Msg("no existing registry found, starting fresh")
		return
	}
	r.entries = entries
	log.WithComponent("registry").Info().Int("count", len(entries)).Msg("loaded registry")
}

func (r *Registry) save() error {
	return r.doc.Save(r.entries)
}

// matches reports whether entry satisfies the (possibly partial) key.
func matches(e *types.RegistryEntry, key types.AgentIdentity) bool {
	if e.Identity.AgentID != key.AgentID {
		return false
	}
	if key.OccurrenceID != "" && e.Identity.OccurrenceID != key.OccurrenceID {
		return false
	}
	if key.ServerID != "" && e.Identity.ServerID != key.ServerID {
		return false
	}
	return true
}

// Resolve looks up an entry by a (possibly partial) composite key.
// Exact match beats id+server beats id-alone; ambiguity is an error.
func (r *Registry) Resolve(key types.AgentIdentity) (*types.RegistryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLoaded()

	return r.resolveLocked(key)
}

// resolveLocked implements the partial-key precedence rule (exact beats
// id+server beats id-alone; ambiguity is an error) against r.entries. The
// caller must hold r.mu and have already called ensureLoaded.
func (r *Registry) resolveLocked(key types.AgentIdentity) (*types.RegistryEntry, error) {
	var exact, idServer, idOnly []*types.RegistryEntry
	for _, e := range r.entries {
		if !matches(e, key) {
			continue
		}
		switch {
		case key.OccurrenceID != "" && key.ServerID != "" &&
			e.Identity.OccurrenceID == key.OccurrenceID && e.Identity.ServerID == key.ServerID:
			exact = append(exact, e)
		case key.ServerID != "" && e.Identity.ServerID == key.ServerID:
			idServer = append(idServer, e)
		default:
			idOnly = append(idOnly, e)
		}
	}

	for _, bucket := range [][]*types.RegistryEntry{exact, idServer, idOnly} {
		switch len(bucket) {
		case 0:
			continue
		case 1:
			return bucket[0], nil
		default:
			return nil, fmt.Errorf("ambiguous key %+v: %d entries match", key, len(bucket))
		}
	}
	return nil, fmt.Errorf("not_found: no registry entry for %+v", key)
}

// Create adds a new entry. Called when an agent's container is created.
func (r *Registry) Create(entry *types.RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLoaded()

	for _, e := range r.entries {
		if e.Identity == entry.Identity {
			return fmt.Errorf("conflict: entry already exists for %+v", entry.Identity)
		}
		if e.Identity.ServerID == entry.Identity.ServerID && e.Port == entry.Port {
			return fmt.Errorf("bad_request: port %d already allocated on server %s", entry.Port, entry.Identity.ServerID)
		}
	}

	now := time.Now()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if entry.CanaryGroup == "" {
		entry.CanaryGroup = types.CanaryUnassigned
	}
	if entry.OAuthStatus == "" {
		entry.OAuthStatus = types.OAuthPending
	}

	r.entries = append(r.entries, entry)
	return r.save()
}

// Delete removes the entry matching the (possibly partial) key. Called
// when an agent's container is deleted.
func (r *Registry) Delete(key types.AgentIdentity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLoaded()

	target, err := r.resolveLocked(key)
	if err != nil {
		return err
	}

	for i, e := range r.entries {
		if e.Identity == target.Identity {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return r.save()
		}
	}
	return fmt.Errorf("not_found: no registry entry for %+v", key)
}

// List returns every registry entry.
func (r *Registry) List() []*types.RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLoaded()

	out := make([]*types.RegistryEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// SetCanaryGroup assigns a cohort. Unknown groups are rejected.
func (r *Registry) SetCanaryGroup(key types.AgentIdentity, group types.CanaryGroup) error {
	if _, ok := validCanaryGroups[group]; !ok {
		return fmt.Errorf("bad_request: unknown canary group %q", group)
	}
	return r.mutate(key, func(e *types.RegistryEntry) {
		e.CanaryGroup = group
	})
}

// SetDeployment assigns a deployment label to an agent.
func (r *Registry) SetDeployment(key types.AgentIdentity, label string) error {
	return r.mutate(key, func(e *types.RegistryEntry) {
		e.DeploymentLabel = label
	})
}

// GetByDeployment returns every entry carrying the given deployment label.
func (r *Registry) GetByDeployment(label string) []*types.RegistryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLoaded()

	var out []*types.RegistryEntry
	for _, e := range r.entries {
		if e.DeploymentLabel == label {
			out = append(out, e)
		}
	}
	return out
}

// SetDoNotAutostart toggles the autostart-exclusion flag.
func (r *Registry) SetDoNotAutostart(key types.AgentIdentity, flag bool) error {
	return r.mutate(key, func(e *types.RegistryEntry) {
		e.DoNotAutostart = flag
	})
}

// UpdateAgentState records the most recently observed version and
// cognitive state. Stamps LastWorkStateAt on every call that reports
// ProductiveState; the previous cognitive state is not stored, so a
// transition into that state is not told apart from a repeated report of
// it. Appends a bounded version_transitions entry when the version changes.
func (r *Registry) UpdateAgentState(key types.AgentIdentity, version, cognitiveState, deploymentID string) error {
	return r.mutate(key, func(e *types.RegistryEntry) {
		if cognitiveState == ProductiveState {
			now := time.Now()
			e.LastWorkStateAt = &now
		}
		if version != "" && version != e.CurrentVersion {
			e.VersionTransitions = append(e.VersionTransitions, types.VersionTransition{
				Version:      version,
				ObservedAt:   time.Now(),
				DeploymentID: deploymentID,
			})
			if len(e.VersionTransitions) > maxVersionTransitions {
				e.VersionTransitions = e.VersionTransitions[len(e.VersionTransitions)-maxVersionTransitions:]
			}
			e.CurrentVersion = version
		}
	})
}

// SetOAuthStatus updates an agent's OAuth configuration state.
func (r *Registry) SetOAuthStatus(key types.AgentIdentity, status types.OAuthStatus) error {
	return r.mutate(key, func(e *types.RegistryEntry) {
		e.OAuthStatus = status
	})
}

func (r *Registry) mutate(key types.AgentIdentity, fn func(*types.RegistryEntry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureLoaded()

	entry, err := r.resolveLocked(key)
	if err != nil {
		return err
	}
	fn(entry)
	entry.UpdatedAt = time.Now()
	return r.save()
}

// SetServiceToken encrypts token with the registry's secrets manager and
// stores the ciphertext.
func (r *Registry) SetServiceToken(key types.AgentIdentity, token string) error {
	if r.secrets == nil {
		return fmt.Errorf("internal: registry has no secrets manager configured")
	}
	ciphertext, err := r.secrets.Encrypt([]byte(token))
	if err != nil {
		return fmt.Errorf("internal: encrypt service token: %w", err)
	}
	return r.mutate(key, func(e *types.RegistryEntry) {
		e.EncryptedToken = ciphertext
	})
}

// ServiceToken decrypts and returns the plaintext service token for key.
// Decryption failures degrade the caller rather than panicking: the
// agent is simply treated as having no usable token for this call.
func (r *Registry) ServiceToken(key types.AgentIdentity) (string, error) {
	entry, err := r.Resolve(key)
	if err != nil {
		return "", err
	}
	if len(entry.EncryptedToken) == 0 || r.secrets == nil {
		return "", fmt.Errorf("agent_unreachable: no service token available for %+v", key)
	}
	plaintext, err := r.secrets.Decrypt(entry.EncryptedToken)
	if err != nil {
		return "", fmt.Errorf("agent_unreachable: decrypt service token: %w", err)
	}
	return string(plaintext), nil
}
