package adapters

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/ln"
)

// MockNetwork is a deterministic in-memory Lightning backend. It backs both
// the NodeSource and NodeControl interfaces so that applied policies show up
// in subsequent snapshots, which mock mode and the end-to-end style tests
// rely on.
type MockNetwork struct {
	mu        sync.RWMutex
	snapshots map[string]ln.NodeSnapshot
	channels  map[string][]ln.ChannelState // node pubkey -> channels
	calls     []string
}

// NewMockNetwork builds an empty mock backend.
func NewMockNetwork() *MockNetwork {
	return &MockNetwork{
		snapshots: make(map[string]ln.NodeSnapshot),
		channels:  make(map[string][]ln.ChannelState),
	}
}

// SeedNode installs a snapshot and its channels.
func (m *MockNetwork) SeedNode(snap ln.NodeSnapshot, channels []ln.ChannelState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.NodePubkey] = snap
	m.channels[snap.NodePubkey] = channels
}

// Calls returns the dispatched control operations in order.
func (m *MockNetwork) Calls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

func (m *MockNetwork) FetchNodeSnapshot(_ context.Context, pubkey string) (*ln.NodeSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[pubkey]
	if !ok {
		return nil, faults.NotFound("FetchNodeSnapshot", "node_source", fmt.Errorf("unknown node %s", pubkey))
	}
	snap.CapturedAt = time.Now().UTC()
	return &snap, nil
}

func (m *MockNetwork) FetchChannels(_ context.Context, pubkey string) ([]ln.ChannelState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chans, ok := m.channels[pubkey]
	if !ok {
		return nil, faults.NotFound("FetchChannels", "node_source", fmt.Errorf("unknown node %s", pubkey))
	}
	out := make([]ln.ChannelState, len(chans))
	copy(out, chans)
	return out, nil
}

func (m *MockNetwork) OpenChannel(_ context.Context, decisionID, peerPubkey string, amountSat int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "open_channel:"+peerPubkey+":"+decisionID)
	return nil
}

func (m *MockNetwork) CloseChannel(_ context.Context, decisionID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "close_channel:"+channelID+":"+decisionID)
	for pubkey, chans := range m.channels {
		for i, ch := range chans {
			if ch.ChannelID == channelID {
				chans[i].Active = false
				m.channels[pubkey] = chans
			}
		}
	}
	return nil
}

func (m *MockNetwork) UpdatePolicy(_ context.Context, decisionID, channelID string, policy ln.ChannelPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "update_policy:"+channelID+":"+decisionID)
	for pubkey, chans := range m.channels {
		for i, ch := range chans {
			if ch.ChannelID == channelID {
				chans[i].Policy = policy
				m.channels[pubkey] = chans
			}
		}
	}
	return nil
}

// MockEmbedder produces deterministic unit vectors from an FNV hash of the
// text, so identical content always embeds identically.
type MockEmbedder struct {
	Dim int
}

func (m MockEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return m.vector(text), nil
}

func (m MockEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.vector(t)
	}
	return out, nil
}

func (m MockEmbedder) vector(text string) []float32 {
	dim := m.Dim
	if dim <= 0 {
		dim = 64
	}
	vec := make([]float32, dim)
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	var norm float64
	for i := range vec {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seed+uint64(i))
		g := fnv.New64a()
		_, _ = g.Write(buf[:])
		v := float64(int64(g.Sum64()%2000) - 1000)
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}

// MockCompleter answers reasoning prompts with canned structured output
// keyed off the task marker embedded in the prompt.
type MockCompleter struct {
	// Responses overrides the canned answer per task name.
	Responses map[string]string
}

func (m MockCompleter) Complete(_ context.Context, prompt string) (string, error) {
	task := "daily_report"
	for _, t := range []string{"fee_recommendation", "channel_recommendation", "daily_report"} {
		if strings.Contains(prompt, `"task": "`+t+`"`) {
			task = t
			break
		}
	}
	if m.Responses != nil {
		if resp, ok := m.Responses[task]; ok {
			return resp, nil
		}
	}
	switch task {
	case "fee_recommendation":
		return `{"summary":"channel imbalanced toward remote; lower the rate to attract inbound forwards","candidate_peers":[],"fee_suggestions":[{"channel_id":"ch1","target_fee_rate_ppm":500,"confidence":0.85,"rationale":"low success rate and strong imbalance"}],"confidence":0.85,"no_context":false}`, nil
	case "channel_recommendation":
		return `{"summary":"two well-connected peers found","candidate_peers":[{"peer_pubkey":"peer-hub-1","score":0.8,"rationale":"high centrality"},{"peer_pubkey":"peer-hub-2","score":0.6,"rationale":"good uptime"}],"fee_suggestions":[],"confidence":0.7,"no_context":false}`, nil
	default:
		return `{"summary":"node healthy, liquidity skewed local","candidate_peers":[],"fee_suggestions":[],"confidence":0.9,"no_context":false}`, nil
	}
}
