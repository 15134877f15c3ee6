package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/moniteurlabs/moniteur/pkg/faults"
)

// Invalidator drops cache entries keyed by a retired embed version. Wired
// to the KV cache's pattern delete at bootstrap.
type Invalidator func(ctx context.Context, embedVersion string) error

// Manager owns every physical index and the alias pointer. It is the only
// component allowed to mutate index lifecycle state; the alias flip in
// Finalize is the single serialization point between ingestion and the
// query path.
type Manager struct {
	alias      string
	log        *slog.Logger
	invalidate Invalidator

	mu       sync.RWMutex
	indexes  map[string]*Index
	current  string // index name the alias points at; empty until first finalize
	building string // index name under construction; empty when none
}

// NewManager creates a manager for one alias. invalidate may be nil.
func NewManager(alias string, invalidate Invalidator, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		alias:      alias,
		log:        log,
		invalidate: invalidate,
		indexes:    make(map[string]*Index),
	}
}

// BeginReindex creates a shadow index for embedVersion and returns its
// name. Only one index may be building at a time.
func (m *Manager) BeginReindex(embedVersion string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.building != "" {
		return "", faults.Conflict("BeginReindex", "vector_index",
			fmt.Errorf("index %s is already building", m.building))
	}
	name := fmt.Sprintf("%s_%s", m.alias, embedVersion)
	if _, exists := m.indexes[name]; exists {
		name = fmt.Sprintf("%s_%s_%d", m.alias, embedVersion, len(m.indexes))
	}
	m.indexes[name] = newIndex(name, embedVersion)
	m.building = name
	m.log.Info("reindex started", "alias", m.alias, "index", name, "embed_version", embedVersion)
	return name, nil
}

// Building returns the index under construction, or nil.
func (m *Manager) Building() *Index {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.building == "" {
		return nil
	}
	return m.indexes[m.building]
}

// Finalize atomically promotes name to ready, flips the alias, retires the
// previous target, and invalidates caches keyed by the retired embed
// version. Readers observing the alias before and after the call see
// exactly one ready index.
func (m *Manager) Finalize(ctx context.Context, name string) error {
	m.mu.Lock()
	next, ok := m.indexes[name]
	if !ok || next.State() != StateBuilding {
		m.mu.Unlock()
		return faults.Invalid("Finalize", "vector_index",
			fmt.Errorf("index %s is not building", name))
	}
	var prev *Index
	if m.current != "" {
		prev = m.indexes[m.current]
	}
	next.setState(StateReady)
	m.current = name
	m.building = ""
	var retiredVersion string
	if prev != nil {
		prev.setState(StateRetired)
		retiredVersion = prev.EmbedVersion
	}
	m.mu.Unlock()

	m.log.Info("alias flipped", "alias", m.alias, "index", name, "retired", retiredVersion)
	if prev != nil && m.invalidate != nil && retiredVersion != next.EmbedVersion {
		if err := m.invalidate(ctx, retiredVersion); err != nil {
			// The retired version can no longer be served; stale entries
			// expire on TTL.
			m.log.Warn("cache invalidation failed", "embed_version", retiredVersion, "error", err)
		}
	}
	return nil
}

// Abort drops the building index. The alias is untouched.
func (m *Manager) Abort(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ix, ok := m.indexes[name]
	if !ok || ix.State() != StateBuilding {
		return faults.Invalid("Abort", "vector_index",
			fmt.Errorf("index %s is not building", name))
	}
	delete(m.indexes, name)
	if m.building == name {
		m.building = ""
	}
	m.log.Info("reindex aborted", "alias", m.alias, "index", name)
	return nil
}

// Current resolves the alias to the ready index.
func (m *Manager) Current() (*Index, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == "" {
		return nil, faults.NotFound("Current", "vector_index",
			fmt.Errorf("alias %s has no ready index", m.alias))
	}
	return m.indexes[m.current], nil
}

// CurrentName returns the alias target's name, or empty.
func (m *Manager) CurrentName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// ReadyCount reports how many indexes are ready. The invariant is at most
// one; tests assert it after concurrent flips.
func (m *Manager) ReadyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ix := range m.indexes {
		if ix.State() == StateReady {
			n++
		}
	}
	return n
}
