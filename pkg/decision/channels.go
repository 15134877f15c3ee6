package decision

import (
	"sort"

	"github.com/samber/lo"

	"github.com/moniteurlabs/moniteur/pkg/ln"
	"github.com/moniteurlabs/moniteur/pkg/reasoning"
)

// defaultChannelAmountSat is the opening amount when no sizing signal is
// available.
const defaultChannelAmountSat = 5_000_000

// ChannelCandidate is an open-channel proposal that survived filtering.
type ChannelCandidate struct {
	PeerPubkey string
	Score      float64
	Rationale  string
	AmountSat  int64
}

// SelectChannelCandidates filters the model's peer suggestions: the score
// must clear threshold, the peer must not already be connected or be the
// node itself, and at most maxOpen survive, best first. Ties break by
// pubkey so runs are deterministic.
func SelectChannelCandidates(out *reasoning.Output, snap ln.NodeSnapshot, channels []ln.ChannelState, threshold float64, maxOpen int) []ChannelCandidate {
	if out == nil || out.NoContext || maxOpen <= 0 {
		return nil
	}
	connected := lo.SliceToMap(channels, func(ch ln.ChannelState) (string, struct{}) {
		return ch.PeerPubkey, struct{}{}
	})

	candidates := make([]ChannelCandidate, 0, len(out.CandidatePeers))
	for _, p := range out.CandidatePeers {
		if p.PeerPubkey == "" || p.PeerPubkey == snap.NodePubkey {
			continue
		}
		if p.Score < threshold {
			continue
		}
		if _, ok := connected[p.PeerPubkey]; ok {
			continue
		}
		candidates = append(candidates, ChannelCandidate{
			PeerPubkey: p.PeerPubkey,
			Score:      p.Score,
			Rationale:  p.Rationale,
			AmountSat:  defaultChannelAmountSat,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].PeerPubkey < candidates[j].PeerPubkey
	})
	if len(candidates) > maxOpen {
		candidates = candidates[:maxOpen]
	}
	return candidates
}
