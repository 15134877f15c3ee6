package app

import (
	"fmt"
	"time"

	"github.com/moniteurlabs/moniteur/pkg/adapters"
	"github.com/moniteurlabs/moniteur/pkg/ln"
	"github.com/moniteurlabs/moniteur/pkg/netgraph"
	"github.com/moniteurlabs/moniteur/pkg/rag"
	"github.com/moniteurlabs/moniteur/pkg/store"
)

// DemoNodePubkey is the pubkey of the simulated node mock mode operates on.
const DemoNodePubkey = "02demo000000000000000000000000000000000000000000000000000000000000"

// SeedDemoNetwork installs a small routing topology into the mock backend:
// the demo node plus a handful of peers with uneven liquidity, so that fee
// and channel decisions actually fire.
func SeedDemoNetwork(m *adapters.MockNetwork) {
	peers := []string{
		"03peer-alpha", "03peer-bravo", "03peer-charlie", "03peer-delta",
	}

	g := netgraph.New()
	for _, p := range peers {
		g.AddChannel(DemoNodePubkey, p)
	}
	// Cross links so the demo node is a genuine cut vertex for delta only.
	g.AddChannel(peers[0], peers[1])
	g.AddChannel(peers[1], peers[2])
	centrality := g.BetweennessCentrality()

	channels := []ln.ChannelState{
		{
			// Drained toward remote: candidate for a fee drop.
			ChannelID: "demo-ch-1", NodePubkey: DemoNodePubkey, PeerPubkey: peers[0],
			CapacitySat: 5_000_000, LocalBalanceSat: 400_000, Active: true,
			Policy:     ln.ChannelPolicy{BaseFeeMsat: 1000, FeeRatePPM: 1200, TimeLockDelta: 40},
			LastSeenAt: time.Now().UTC(),
		},
		{
			// Balanced: should stay untouched.
			ChannelID: "demo-ch-2", NodePubkey: DemoNodePubkey, PeerPubkey: peers[1],
			CapacitySat: 8_000_000, LocalBalanceSat: 4_100_000, Active: true,
			Policy:     ln.ChannelPolicy{BaseFeeMsat: 1000, FeeRatePPM: 750, TimeLockDelta: 40},
			LastSeenAt: time.Now().UTC(),
		},
		{
			// Saturated locally: candidate for a fee raise.
			ChannelID: "demo-ch-3", NodePubkey: DemoNodePubkey, PeerPubkey: peers[2],
			CapacitySat: 3_000_000, LocalBalanceSat: 2_700_000, Active: true,
			Policy:     ln.ChannelPolicy{BaseFeeMsat: 1000, FeeRatePPM: 300, TimeLockDelta: 40},
			LastSeenAt: time.Now().UTC(),
		},
		{
			ChannelID: "demo-ch-4", NodePubkey: DemoNodePubkey, PeerPubkey: peers[3],
			CapacitySat: 2_000_000, LocalBalanceSat: 900_000, Active: false,
			Policy:     ln.ChannelPolicy{BaseFeeMsat: 1000, FeeRatePPM: 500, TimeLockDelta: 40},
			LastSeenAt: time.Now().UTC().Add(-48 * time.Hour),
		},
	}

	var capacity, local int64
	active := 0
	for _, ch := range channels {
		capacity += ch.CapacitySat
		local += ch.LocalBalanceSat
		if ch.Active {
			active++
		}
	}
	m.SeedNode(ln.NodeSnapshot{
		NodePubkey:         DemoNodePubkey,
		CapturedAt:         time.Now().UTC(),
		CapacitySat:        capacity,
		NumChannelsActive:  active,
		NumChannelsTotal:   len(channels),
		LocalBalanceSat:    local,
		RemoteBalanceSat:   capacity - local,
		CentralityScore:    centrality[DemoNodePubkey],
		RoutingSuccessRate: 0.93,
		ReputationScore:    0.8,
		UptimeRatio:        0.99,
		FeeStats: ln.FeeStats{
			MedianBaseFeeMsat: 1000,
			MedianFeeRatePPM:  700,
			RevenueMsat30d:    4_200_000,
			AvgFeeRatePPM:     687.5,
		},
	}, channels)

	// Peer snapshots let cohort scoring and channel recommendations see a
	// populated neighborhood.
	for i, p := range peers {
		m.SeedNode(ln.NodeSnapshot{
			NodePubkey:         p,
			CapturedAt:         time.Now().UTC(),
			CapacitySat:        int64(4+2*i) * 1_000_000,
			NumChannelsActive:  g.Degree(p),
			NumChannelsTotal:   g.Degree(p),
			CentralityScore:    centrality[p],
			RoutingSuccessRate: 0.85 + 0.03*float64(i),
			ReputationScore:    0.6 + 0.08*float64(i),
			UptimeRatio:        0.97,
			FeeStats:           ln.FeeStats{MedianBaseFeeMsat: 1000, MedianFeeRatePPM: int64(400 + 150*i)},
		}, nil)
	}
}

// demoResolver serves a small corpus of node-operations notes so retrieval
// and report generation have context without external sources.
func demoResolver() rag.SourceResolver {
	now := time.Now().UTC()
	docs := []struct {
		uri, typ, body string
	}{
		{
			uri: "demo://fees/rebalancing", typ: "playbook",
			body: "When a channel drains toward the remote side, lowering the " +
				"outbound fee rate attracts inbound forwards and restores local " +
				"liquidity without a rebalancing payment. Raise the rate again " +
				"once the local share climbs past half of capacity. Avoid " +
				"changing fees more than once per day per channel; gossip " +
				"propagation lags and rapid flapping hurts routing reputation.",
		},
		{
			uri: "demo://peers/selection", typ: "playbook",
			body: "Prefer peers with high betweenness centrality, sustained " +
				"uptime and a fee posture close to the network median. A peer " +
				"that bridges otherwise disconnected regions of the graph is " +
				"worth more than a large but redundant hub. Open channels sized " +
				"so a single forward cannot drain them, five million satoshis " +
				"is a reasonable floor for a routing node.",
		},
		{
			uri: "demo://health/uptime", typ: "playbook",
			body: "Routing success rate below ninety percent usually points at " +
				"stuck HTLCs or an inactive channel still advertised in gossip. " +
				"Close channels that have been inactive for more than a week; " +
				"their reserved capacity earns nothing and drags the node " +
				"score down.",
		},
		{
			uri: "demo://node/notes", typ: "node_doc",
			body: fmt.Sprintf("Operator notes for %s: four channels, one "+
				"inactive with peer delta since last week. Alpha channel is "+
				"drained, charlie channel is saturated; both are fee-policy "+
				"candidates rather than close candidates.", DemoNodePubkey),
		},
	}

	items := make([]rag.RawItem, 0, len(docs))
	for _, d := range docs {
		meta := store.DocMetadata{Type: d.typ, CreatedAt: now, Language: "en"}
		if d.typ == "node_doc" {
			meta.RelatedNode = DemoNodePubkey
		}
		items = append(items, rag.RawItem{SourceURI: d.uri, Content: d.body, Meta: meta})
	}
	return rag.StaticResolver{Items: items}
}
