package decision

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/moniteurlabs/moniteur/pkg/adapters"
	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/ln"
	"github.com/moniteurlabs/moniteur/pkg/reasoning"
)

// Runner drives one full decision pass for a node: cohort assembly,
// evaluation, and application of every emitted decision. Apply failures
// are recorded on the decision itself and do not abort the pass.
type Runner struct {
	engine  *Engine
	source  adapters.NodeSource
	cohorts *CohortCache
	log     *slog.Logger
}

// NewRunner wires a decision runner on top of engine.
func NewRunner(engine *Engine, source adapters.NodeSource, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		engine:  engine,
		source:  source,
		cohorts: NewCohortCache(),
		log:     log,
	}
}

// Run evaluates and applies decisions for snap. feeOut and chanOut carry
// the reasoning layer's suggestions and may be nil.
func (r *Runner) Run(ctx context.Context, snap *ln.NodeSnapshot, channels []ln.ChannelState, feeOut, chanOut *reasoning.Output) ([]ln.Decision, error) {
	ctx, span := otel.Tracer("decision").Start(ctx, "run")
	span.SetAttributes(attribute.String("node_pubkey", snap.NodePubkey))
	defer span.End()

	cohort := r.cohorts.Get(snap.NodePubkey, func() []ln.NodeSnapshot {
		return r.cohortSnapshots(ctx, snap, channels)
	})

	decisions := r.engine.Evaluate(*snap, channels, cohort, feeOut, chanOut)
	byChannel := make(map[string]*ln.ChannelState, len(channels))
	for i := range channels {
		byChannel[channels[i].ChannelID] = &channels[i]
	}

	for _, d := range decisions {
		if err := r.engine.Apply(ctx, d, byChannel[d.ChannelID]); err != nil {
			r.log.Warn("decision not applied",
				"decision", d.DecisionID, "type", d.Type, "error", err)
		}
	}
	return decisions, nil
}

// cohortSnapshots gathers the node and its peers into one scoring cohort.
// Peers without a known snapshot are skipped.
func (r *Runner) cohortSnapshots(ctx context.Context, snap *ln.NodeSnapshot, channels []ln.ChannelState) []ln.NodeSnapshot {
	snaps := []ln.NodeSnapshot{*snap}
	seen := map[string]bool{snap.NodePubkey: true}
	for _, ch := range channels {
		if seen[ch.PeerPubkey] {
			continue
		}
		seen[ch.PeerPubkey] = true
		peer, err := r.source.FetchNodeSnapshot(ctx, ch.PeerPubkey)
		if err != nil {
			if faults.KindOf(err) != faults.KindNotFound {
				r.log.Warn("peer snapshot unavailable", "peer", ch.PeerPubkey, "error", err)
			}
			continue
		}
		snaps = append(snaps, *peer)
	}
	return snaps
}
