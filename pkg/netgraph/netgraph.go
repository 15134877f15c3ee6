// Package netgraph analyzes channel topology: an in-memory undirected
// graph over node pubkeys with the centrality measures the scoring
// heuristic consumes when the data provider supplies none.
package netgraph

import (
	"sort"
	"sync"

	"github.com/moniteurlabs/moniteur/pkg/ln"
)

// Graph is an undirected multigraph of Lightning channels keyed by node
// pubkey. Safe for concurrent use.
type Graph struct {
	mu    sync.RWMutex
	edges map[string]map[string]int // pubkey -> peer -> channel count
}

// New builds an empty graph.
func New() *Graph {
	return &Graph{edges: make(map[string]map[string]int)}
}

// FromChannels builds a graph from a channel listing.
func FromChannels(channels []ln.ChannelState) *Graph {
	g := New()
	for _, ch := range channels {
		g.AddChannel(ch.NodePubkey, ch.PeerPubkey)
	}
	return g
}

// AddChannel records one channel between a and b.
func (g *Graph) AddChannel(a, b string) {
	if a == "" || b == "" || a == b {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addEdge(a, b)
	g.addEdge(b, a)
}

func (g *Graph) addEdge(from, to string) {
	peers, ok := g.edges[from]
	if !ok {
		peers = make(map[string]int)
		g.edges[from] = peers
	}
	peers[to]++
}

// Nodes lists every pubkey in deterministic order.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.edges))
	for pk := range g.edges {
		out = append(out, pk)
	}
	sort.Strings(out)
	return out
}

// Degree returns the number of distinct peers of pk.
func (g *Graph) Degree(pk string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges[pk])
}

// DegreeCentrality returns degree(pk)/(n-1) in [0,1].
func (g *Graph) DegreeCentrality(pk string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := len(g.edges)
	if n <= 1 {
		return 0
	}
	return float64(len(g.edges[pk])) / float64(n-1)
}

// BetweennessCentrality computes normalized betweenness for every node
// with Brandes' algorithm over unit-weight edges. Values are scaled to
// [0,1] by the maximum possible pair count.
func (g *Graph) BetweennessCentrality() map[string]float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]string, 0, len(g.edges))
	for pk := range g.edges {
		nodes = append(nodes, pk)
	}
	sort.Strings(nodes)

	bc := make(map[string]float64, len(nodes))
	for _, pk := range nodes {
		bc[pk] = 0
	}

	for _, source := range nodes {
		// Single-source shortest paths by BFS.
		var stack []string
		preds := make(map[string][]string, len(nodes))
		sigma := map[string]float64{source: 1}
		dist := map[string]int{source: 0}
		queue := []string{source}

		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			stack = append(stack, v)
			neighbors := make([]string, 0, len(g.edges[v]))
			for w := range g.edges[v] {
				neighbors = append(neighbors, w)
			}
			sort.Strings(neighbors)
			for _, w := range neighbors {
				if _, seen := dist[w]; !seen {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}

		// Accumulate dependencies in reverse BFS order.
		delta := make(map[string]float64, len(stack))
		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != source {
				bc[w] += delta[w]
			}
		}
	}

	// Undirected normalization: each pair counted twice.
	n := len(nodes)
	if n > 2 {
		scale := float64((n - 1) * (n - 2))
		for pk := range bc {
			bc[pk] /= scale
		}
	}
	return bc
}
