// Package tracker maintains the durable sliding window of staged, current,
// and historical image versions per image kind.
package tracker

import (
	"fmt"
	"sync"
	"time"

	"github.com/cirisai/manager/pkg/log"
	"github.com/cirisai/manager/pkg/metrics"
	"github.com/cirisai/manager/pkg/storage"
	"github.com/cirisai/manager/pkg/types"
)

// legacyAgentKey is the pluralized on-disk key older state files used for
// the agent image kind. Encountered on load and migrated transparently.
const legacyAgentKey = "agents"

// onDiskState is the JSON document shape: one VersionState per image kind,
// keyed by string so legacy keys can be detected before they are coerced
// into types.ImageKind.
type onDiskState map[string]*types.VersionState

// Config configures a Tracker.
type Config struct {
	// DataDir is the directory holding version_state.json.
	DataDir string
}

// Tracker is the process-wide version tracker. All mutations are
// serialized by mu, and each mutation persists the full document before
// returning, so no partial state is ever observable on disk.
type Tracker struct {
	mu   sync.Mutex
	doc  *storage.JSONDocument
	state map[types.ImageKind]*types.VersionState

	loaded bool
}

// New constructs a Tracker bound to cfg.DataDir/version_state.json. State
// is not read from disk until the first operation (lazy, memoized load).
func New(cfg Config) (*Tracker, error) {
	path := cfg.DataDir + "/version_state.json"
	if err := storage.EnsureDir(path); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	t := &Tracker{
		doc: storage.NewJSONDocument(path),
		state: map[types.ImageKind]*types.VersionState{
			types.ImageKindAgent: {},
			types.ImageKindGUI:   {},
			types.ImageKindNginx: {},
		},
	}
	return t, nil
}

func (t *Tracker) ensureLoaded() {
	if t.loaded {
		return
	}
	t.loaded = true

	logger := log.WithComponent("tracker")

	var raw onDiskState
	if err := t.doc.Load(&raw); err != nil {
		logger.Info().Msg("no existing version state found, starting fresh")
		return
	}

	for key, vs := range raw {
		kind := types.ImageKind(key)
		if key == legacyAgentKey {
			kind = types.ImageKindAgent
			logger.Warn().Str("legacy_key", key).Msg("migrating legacy pluralized agent key")
		}
		if _, known := t.state[kind]; known && vs != nil {
			t.state[kind] = vs
		}
	}
	logger.Info().Str("path", t.doc.Path()).Msg("loaded version state")
}

func (t *Tracker) save() error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TrackerWriteDuration)

	out := onDiskState{}
	for kind, vs := range t.state {
		out[string(kind)] = vs
	}
	if err := t.doc.Save(out); err != nil {
		metrics.TrackerWriteFailuresTotal.Inc()
		return err
	}
	return nil
}

func (t *Tracker) stateFor(kind types.ImageKind) (*types.VersionState, error) {
	vs, ok := t.state[kind]
	if !ok {
		return nil, fmt.Errorf("unknown image kind: %s", kind)
	}
	return vs, nil
}

// Stage sets n+1, overwriting any prior staged value, and persists.
func (t *Tracker) Stage(kind types.ImageKind, image, digest, deploymentID, deployedBy string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLoaded()

	vs, err := t.stateFor(kind)
	if err != nil {
		return err
	}

	vs.NPlus1 = &types.ContainerVersion{
		Image:        image,
		Digest:       digest,
		DeployedAt:   time.Now(),
		DeploymentID: deploymentID,
		DeployedBy:   deployedBy,
	}

	if err := t.save(); err != nil {
		return err
	}
	log.WithComponent("tracker").Info().Str("kind", string(kind)).Str("image", image).Msg("staged version")
	return nil
}

// Promote shifts n+1 into n, n into n-1, n-1 into n-2, dropping the old
// n-2. If no version is staged, it is a no-op with a warning log.
func (t *Tracker) Promote(kind types.ImageKind, deploymentID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLoaded()

	vs, err := t.stateFor(kind)
	if err != nil {
		return err
	}

	if vs.NPlus1 == nil {
		log.WithComponent("tracker").Warn().Str("kind", string(kind)).Msg("no staged version, nothing to promote")
		return nil
	}

	vs.NMinus2 = vs.NMinus1
	vs.NMinus1 = vs.N
	vs.N = vs.NPlus1
	vs.NPlus1 = nil

	if deploymentID != "" && vs.N != nil {
		vs.N.DeploymentID = deploymentID
		vs.N.DeployedAt = time.Now()
	}

	if err := t.save(); err != nil {
		return err
	}
	log.WithComponent("tracker").Info().Str("kind", string(kind)).Msg("promoted staged version to current")
	return nil
}

// Record performs a direct deployment, bypassing staging: the new record
// becomes n, the old window shifts down, and any staged value is cleared.
func (t *Tracker) Record(kind types.ImageKind, image, digest, deploymentID, deployedBy string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLoaded()

	vs, err := t.stateFor(kind)
	if err != nil {
		return err
	}

	newVersion := &types.ContainerVersion{
		Image:        image,
		Digest:       digest,
		DeployedAt:   time.Now(),
		DeploymentID: deploymentID,
		DeployedBy:   deployedBy,
	}

	vs.NMinus2 = vs.NMinus1
	vs.NMinus1 = vs.N
	vs.N = newVersion
	vs.NPlus1 = nil

	if err := t.save(); err != nil {
		return err
	}
	log.WithComponent("tracker").Info().Str("kind", string(kind)).Str("image", image).Msg("recorded deployment")
	return nil
}

// RollbackOptions is the per-kind snapshot returned by RollbackOptionsFor
// and RollbackOptionsAll.
type RollbackOptions struct {
	Current  *types.ContainerVersion
	NMinus1  *types.ContainerVersion
	NMinus2  *types.ContainerVersion
	Staged   *types.ContainerVersion
}

// RollbackOptionsFor returns {current, n-1, n-2, staged} for one kind.
func (t *Tracker) RollbackOptionsFor(kind types.ImageKind) (RollbackOptions, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLoaded()

	vs, err := t.stateFor(kind)
	if err != nil {
		return RollbackOptions{}, err
	}
	return RollbackOptions{
		Current: vs.N,
		NMinus1: vs.NMinus1,
		NMinus2: vs.NMinus2,
		Staged:  vs.NPlus1,
	}, nil
}

// RollbackOptionsAll returns RollbackOptions for every tracked kind.
func (t *Tracker) RollbackOptionsAll() map[types.ImageKind]RollbackOptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLoaded()

	out := make(map[types.ImageKind]RollbackOptions, len(t.state))
	for kind, vs := range t.state {
		out[kind] = RollbackOptions{
			Current: vs.N,
			NMinus1: vs.NMinus1,
			NMinus2: vs.NMinus2,
			Staged:  vs.NPlus1,
		}
	}
	return out
}

// HistoryEntry tags a ContainerVersion with its positional label.
type HistoryEntry struct {
	Position string // "n+1", "n", "n-1", "n-2"
	Status   string // "staged", "current", "previous", "older"
	Version  types.ContainerVersion
}

// History returns the ordered version history for one kind, optionally
// including the staged slot.
func (t *Tracker) History(kind types.ImageKind, includeStaged bool) ([]HistoryEntry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLoaded()

	vs, err := t.stateFor(kind)
	if err != nil {
		return nil, err
	}

	var out []HistoryEntry
	if includeStaged && vs.NPlus1 != nil {
		out = append(out, HistoryEntry{Position: "n+1", Status: "staged", Version: *vs.NPlus1})
	}
	if vs.N != nil {
		out = append(out, HistoryEntry{Position: "n", Status: "current", Version: *vs.N})
	}
	if vs.NMinus1 != nil {
		out = append(out, HistoryEntry{Position: "n-1", Status: "previous", Version: *vs.NMinus1})
	}
	if vs.NMinus2 != nil {
		out = append(out, HistoryEntry{Position: "n-2", Status: "older", Version: *vs.NMinus2})
	}
	return out, nil
}

// ClearStaged drops n+1 for one kind, or every kind when kind is "".
func (t *Tracker) ClearStaged(kind types.ImageKind) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLoaded()

	if kind != "" {
		vs, err := t.stateFor(kind)
		if err != nil {
			return err
		}
		vs.NPlus1 = nil
	} else {
		for _, vs := range t.state {
			vs.NPlus1 = nil
		}
	}

	if err := t.save(); err != nil {
		return err
	}
	log.WithComponent("tracker").Info().Str("kind", string(kind)).Msg("cleared staged version")
	return nil
}

// ValidationResult is the outcome of ValidateRollback.
type ValidationResult struct {
	Valid    bool
	Warnings []string
	Errors   []string
}

// ValidateRollback checks whether rolling back to the given per-kind
// targets is safe. Targets outside {n, n-1, n-2} produce a warning, not an
// error; mixed-kind rollbacks produce a warning; unknown kinds produce an
// error and mark the result invalid.
func (t *Tracker) ValidateRollback(targets map[types.ImageKind]string) ValidationResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ensureLoaded()

	result := ValidationResult{Valid: true}

	seen := map[string]struct{}{}
	for kind, targetImage := range targets {
		seen[targetImage] = struct{}{}

		vs, ok := t.state[kind]
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("unknown container type: %s", kind))
			result.Valid = false
			continue
		}

		found := false
		for _, v := range []*types.ContainerVersion{vs.N, vs.NMinus1, vs.NMinus2} {
			if v != nil && v.Image == targetImage {
				found = true
				break
			}
		}
		if !found {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("%s: target version %s not in tracked history", kind, targetImage))
		}
	}

	if len(seen) > 1 {
		result.Warnings = append(result.Warnings, "rolling back to different versions across container types")
	}

	return result
}
