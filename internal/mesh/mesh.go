package mesh

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

func newID(t time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), idEntropy).String()
}

// Overrides supplies or replaces fields read from marker files during
// registerByPath.
type Overrides struct {
	Name         string
	Description  string
	Runtime      Runtime
	Capabilities []string
	Namespace    string
	Behavior     Behavior
	Budget       *Budget
}

// Status is the aggregate view returned by GetStatus.
type Status struct {
	TotalAgents      int                    `json:"totalAgents"`
	ActiveCount      int                    `json:"activeCount"`
	InactiveCount    int                    `json:"inactiveCount"`
	StaleCount       int                    `json:"staleCount"`
	UnreachableCount int                    `json:"unreachableCount"`
	ByRuntime        map[Runtime]int        `json:"byRuntime"`
	ByProject        map[string]string      `json:"byProject"` // projectPath -> agent id
}

// Inspection bundles a manifest with its derived health and relay subject.
type Inspection struct {
	Manifest     Manifest
	Health       HealthStatus
	RelaySubject string
}

// Topology is the namespace-scoped view returned by GetTopology.
type Topology struct {
	Namespaces  []string   `json:"namespaces"`
	Agents      []Manifest `json:"agents"`
	AccessRules []string   `json:"accessRules"`
}

// Mesh is the discovery/registration/inspection façade over AgentStore.
type Mesh struct {
	store *AgentStore
}

// New builds a Mesh atop an initialized AgentStore.
func New(store *AgentStore) *Mesh {
	return &Mesh{store: store}
}

// Store exposes the underlying AgentStore for callers needing the denial
// checker passed to Discover, or direct read access (CLI, HTTP list routes).
func (m *Mesh) Store() *AgentStore { return m.store }

// RelaySubject computes the conventional relay subject an agent listens on.
func RelaySubject(namespace, id string) string {
	if namespace == "" {
		return fmt.Sprintf("relay.agent.%s", id)
	}
	return fmt.Sprintf("relay.agent.%s.%s", namespace, id)
}

func readMarkerFile(projectPath, marker string) (map[string]any, bool) {
	data, err := os.ReadFile(filepath.Join(projectPath, marker))
	if err != nil {
		return nil, false
	}
	var parsed map[string]any
	if json.Unmarshal(data, &parsed) == nil {
		return parsed, true
	}
	// Non-JSON markers (e.g. CLAUDE.md, AGENTS.md) still prove project-ness;
	// there's simply nothing structured to merge.
	return nil, true
}

// RegisterByPath atomically reads marker files at path, merges overrides on
// top, and upserts the resulting manifest (spec.md §4.10).
func (m *Mesh) RegisterByPath(ctx context.Context, path string, overrides Overrides, approver string) (Manifest, error) {
	found := false
	for _, marker := range DefaultMarkerFiles {
		if _, ok := readMarkerFile(path, marker); ok {
			found = true
		}
	}
	if !found {
		return Manifest{}, fmt.Errorf("mesh: %s does not look like an agent project", path)
	}

	existing, ok, err := m.store.GetByPath(ctx, path)
	if err != nil {
		return Manifest{}, err
	}

	id := newID(time.Now())
	if ok {
		id = existing.ID // re-registration at the same path keeps the existing id
	}

	budget := Budget{MaxHopsPerMessage: 25, MaxCallsPerHour: 100}
	if overrides.Budget != nil {
		budget = *overrides.Budget
	}
	behavior := BehaviorOnMention
	if overrides.Behavior != "" {
		behavior = overrides.Behavior
	}

	manifest := Manifest{
		ID:           id,
		Name:         overrides.Name,
		Description:  overrides.Description,
		Runtime:      overrides.Runtime,
		Capabilities: overrides.Capabilities,
		ProjectPath:  path,
		Namespace:    overrides.Namespace,
		Behavior:     behavior,
		Budget:       budget,
		RegisteredAt: time.Now(),
		RegisteredBy: approver,
	}
	if manifest.Runtime == "" {
		manifest.Runtime = RuntimeOther
	}

	if err := m.store.Upsert(ctx, manifest); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// Deny inserts a denial record excluding path from future discovery.
func (m *Mesh) Deny(ctx context.Context, path, reason, denier string) error {
	return m.store.Deny(ctx, DenialRecord{
		ID:       newID(time.Now()),
		FilePath: path,
		Reason:   reason,
		DeniedAt: time.Now(),
		DeniedBy: denier,
	})
}

// GetStatus aggregates health counts and per-runtime/per-project breakdowns.
func (m *Mesh) GetStatus(ctx context.Context) (Status, error) {
	agents, err := m.store.List(ctx, ListFilter{})
	if err != nil {
		return Status{}, err
	}

	status := Status{
		ByRuntime: make(map[Runtime]int),
		ByProject: make(map[string]string),
	}
	now := time.Now()
	for _, a := range agents {
		status.TotalAgents++
		status.ByRuntime[a.Runtime]++
		status.ByProject[a.ProjectPath] = a.ID
		switch ComputeHealthStatus(a.LastSeenAt, a.Unreachable, now) {
		case HealthActive:
			status.ActiveCount++
		case HealthInactive:
			status.InactiveCount++
		case HealthStale:
			status.StaleCount++
		case HealthUnreachable:
			status.UnreachableCount++
		}
	}
	return status, nil
}

// Inspect returns a manifest's derived health and conventional relay
// subject.
func (m *Mesh) Inspect(ctx context.Context, id string) (Inspection, bool, error) {
	manifest, ok, err := m.store.Get(ctx, id)
	if err != nil || !ok {
		return Inspection{}, ok, err
	}
	return Inspection{
		Manifest:     manifest,
		Health:       ComputeHealthStatus(manifest.LastSeenAt, manifest.Unreachable, time.Now()),
		RelaySubject: RelaySubject(manifest.Namespace, manifest.ID),
	}, true, nil
}

// GetTopology returns the namespace-scoped view; namespace "*" is the admin
// view across all namespaces.
func (m *Mesh) GetTopology(ctx context.Context, namespace string) (Topology, error) {
	filter := ListFilter{}
	if namespace != "*" {
		filter.Namespace = namespace
	}
	agents, err := m.store.List(ctx, filter)
	if err != nil {
		return Topology{}, err
	}

	nsSet := make(map[string]bool)
	for _, a := range agents {
		if a.Namespace != "" {
			nsSet[a.Namespace] = true
		}
	}
	namespaces := make([]string, 0, len(nsSet))
	for ns := range nsSet {
		namespaces = append(namespaces, ns)
	}

	return Topology{
		Namespaces:  namespaces,
		Agents:      agents,
		AccessRules: []string{}, // full access-rule schema is explicitly out of scope (spec.md §9)
	}, nil
}

// GCUnreachable removes every agent marked unreachable whose last_seen_at
// predates cutoff, returning the removed ids.
func (m *Mesh) GCUnreachable(ctx context.Context, cutoff time.Time) ([]string, error) {
	stale, err := m.store.ListUnreachableBefore(ctx, cutoff.UTC().Format(isoMilli))
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, a := range stale {
		ok, err := m.store.Remove(ctx, a.ID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, a.ID)
		}
	}
	return removed, nil
}
