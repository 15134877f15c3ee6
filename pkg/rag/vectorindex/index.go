// Package vectorindex provides the in-process vector store: named physical
// indexes with cosine search, and a manager owning the alias pointer that
// makes zero-downtime reindexing possible.
package vectorindex

import (
	"math"
	"sort"
	"sync"
	"time"
)

// State is the lifecycle state of a physical index.
type State string

const (
	StateBuilding State = "building"
	StateReady    State = "ready"
	StateRetired  State = "retired"
)

// Meta is the filterable metadata carried by every entry.
type Meta struct {
	SourceURI   string
	Type        string
	RelatedNode string
	Language    string
	CreatedAt   time.Time
}

// Entry is one chunk stored in an index: its vector plus enough payload to
// serve hybrid retrieval without a second lookup.
type Entry struct {
	ID         string
	DocumentID string
	Ordinal    int
	Text       string
	Vector     []float32
	Meta       Meta
}

// Filter narrows search and listing. Zero values match everything.
type Filter struct {
	Type         string
	RelatedNode  string
	Language     string
	CreatedAfter time.Time
}

func (f Filter) matches(e Entry) bool {
	if f.Type != "" && e.Meta.Type != f.Type {
		return false
	}
	if f.RelatedNode != "" && e.Meta.RelatedNode != f.RelatedNode {
		return false
	}
	if f.Language != "" && e.Meta.Language != f.Language {
		return false
	}
	if !f.CreatedAfter.IsZero() && !e.Meta.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	return true
}

// Scored is a search result.
type Scored struct {
	Entry Entry
	Score float64
}

// Index is one physical vector index. Many readers, single writer.
type Index struct {
	Name         string
	EmbedVersion string
	CreatedAt    time.Time

	mu      sync.RWMutex
	state   State
	entries map[string]Entry
}

func newIndex(name, embedVersion string) *Index {
	return &Index{
		Name:         name,
		EmbedVersion: embedVersion,
		CreatedAt:    time.Now().UTC(),
		state:        StateBuilding,
		entries:      make(map[string]Entry),
	}
}

// State returns the current lifecycle state.
func (ix *Index) State() State {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.state
}

func (ix *Index) setState(s State) {
	ix.mu.Lock()
	ix.state = s
	ix.mu.Unlock()
}

// Len returns the number of stored entries.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Upsert writes entries, idempotent by entry id.
func (ix *Index) Upsert(entries ...Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	for _, e := range entries {
		ix.entries[e.ID] = e
	}
}

// Search returns the top-k entries by cosine similarity to vec, most
// similar first. Ties break by (document id, ordinal) ascending.
func (ix *Index) Search(vec []float32, k int, filter Filter) []Scored {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	scored := make([]Scored, 0, len(ix.entries))
	for _, e := range ix.entries {
		if !filter.matches(e) {
			continue
		}
		scored = append(scored, Scored{Entry: e, Score: cosine(vec, e.Vector)})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return lessByPosition(scored[i].Entry, scored[j].Entry)
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored
}

// Entries lists the entries matching filter in (document id, ordinal)
// order. The lexical scorer runs over this listing.
func (ix *Index) Entries(filter Filter) []Entry {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	out := make([]Entry, 0, len(ix.entries))
	for _, e := range ix.entries {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return lessByPosition(out[i], out[j]) })
	return out
}

func lessByPosition(a, b Entry) bool {
	if a.DocumentID != b.DocumentID {
		return a.DocumentID < b.DocumentID
	}
	return a.Ordinal < b.Ordinal
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
