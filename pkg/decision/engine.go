package decision

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/moniteurlabs/moniteur/pkg/adapters"
	"github.com/moniteurlabs/moniteur/pkg/config"
	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/ln"
	"github.com/moniteurlabs/moniteur/pkg/metrics"
	"github.com/moniteurlabs/moniteur/pkg/reasoning"
	"github.com/moniteurlabs/moniteur/pkg/store"
)

// Rejection reasons recorded on decisions that never reach the node.
const (
	ReasonDryRun = "dry_run"
	ReasonNoop   = "no_action_needed"
)

// Engine evaluates node state into decisions and drives them through the
// pending/applied/rejected/rolled_back lifecycle. Every decision is
// persisted before any side effect, dry run included.
type Engine struct {
	store   store.DecisionStore
	control adapters.NodeControl
	metrics *metrics.Metrics
	log     *slog.Logger

	heuristic config.HeuristicConfig
	limits    config.LimitsConfig
	dryRun    bool

	Cohorts *CohortCache

	mu        sync.Mutex
	chanLocks map[string]*sync.Mutex
	nodeSems  map[string]*semaphore.Weighted
}

// NewEngine wires the decision engine.
func NewEngine(s store.DecisionStore, control adapters.NodeControl, m *metrics.Metrics, log *slog.Logger, heuristic config.HeuristicConfig, limits config.LimitsConfig, dryRun bool) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:     s,
		control:   control,
		metrics:   m,
		log:       log,
		heuristic: heuristic,
		limits:    limits,
		dryRun:    dryRun,
		Cohorts:   NewCohortCache(),
		chanLocks: make(map[string]*sync.Mutex),
		nodeSems:  make(map[string]*semaphore.Weighted),
	}
}

// DryRun reports whether the engine is gated.
func (e *Engine) DryRun() bool { return e.dryRun }

// Evaluate turns one node's state plus reasoning outputs into decisions.
// It never touches the node; Apply does. A run that finds nothing to do
// yields a single noop so every evaluation leaves an audit trail.
func (e *Engine) Evaluate(snap ln.NodeSnapshot, channels []ln.ChannelState, cohort CohortStats, feeOut, chanOut *reasoning.Output) []ln.Decision {
	now := time.Now().UTC()
	nodeScore := ScoreNode(snap, cohort, e.heuristic.Weights)
	var decisions []ln.Decision

	for _, ch := range channels {
		if !ch.Active {
			continue
		}
		fd := EvaluateFee(ch, snap, feeOut, e.heuristic.ConfidenceThreshold)
		if !fd.Emit {
			continue
		}
		decisions = append(decisions, ln.Decision{
			DecisionID: uuid.NewString(),
			NodePubkey: snap.NodePubkey,
			ChannelID:  ch.ChannelID,
			Type:       ln.DecisionUpdateFee,
			Payload: ln.DecisionPayload{
				NewFeeRatePPM: fd.Target,
				NewPolicy: &ln.ChannelPolicy{
					BaseFeeMsat:   ch.Policy.BaseFeeMsat,
					FeeRatePPM:    fd.Target,
					TimeLockDelta: ch.Policy.TimeLockDelta,
				},
			},
			RationaleText: fd.Rationale,
			Score:         fd.Confidence,
			CreatedAt:     now,
			Status:        ln.StatusPending,
		})
	}

	for _, c := range SelectChannelCandidates(chanOut, snap, channels, e.heuristic.PeerScoreThreshold, e.limits.MaxOpenPerRun) {
		decisions = append(decisions, ln.Decision{
			DecisionID: uuid.NewString(),
			NodePubkey: snap.NodePubkey,
			Type:       ln.DecisionOpenChannel,
			Payload: ln.DecisionPayload{
				PeerPubkey: c.PeerPubkey,
				AmountSat:  c.AmountSat,
			},
			RationaleText: c.Rationale,
			Score:         c.Score,
			CreatedAt:     now,
			Status:        ln.StatusPending,
		})
	}

	if len(decisions) == 0 {
		decisions = append(decisions, ln.Decision{
			DecisionID:    uuid.NewString(),
			NodePubkey:    snap.NodePubkey,
			Type:          ln.DecisionNoop,
			RationaleText: fmt.Sprintf("node score %.3f, no channel exceeded the change thresholds", nodeScore),
			Score:         nodeScore,
			CreatedAt:     now,
			Status:        ln.StatusPending,
		})
	}
	return decisions
}

// Apply drives one decision to a terminal state. prior is the channel state
// the decision acts on; it is required for update_fee and close_channel so
// a rollback entry can be written. Dry-run mode persists the decision and
// rejects it without touching the node.
func (e *Engine) Apply(ctx context.Context, d ln.Decision, prior *ln.ChannelState) error {
	if err := e.store.InsertDecision(ctx, d); err != nil && faults.KindOf(err) != faults.KindConflict {
		return err
	}

	if d.Type == ln.DecisionNoop {
		return e.reject(ctx, d, ReasonNoop)
	}
	if e.dryRun {
		return e.reject(ctx, d, ReasonDryRun)
	}

	if err := e.acquireNode(ctx, d.NodePubkey); err != nil {
		return err
	}
	defer e.releaseNode(d.NodePubkey)

	unlock := e.lockKey(d)
	defer unlock()

	if err := e.dispatch(ctx, d, prior); err != nil {
		if uerr := e.store.UpdateDecisionStatus(ctx, d.DecisionID, ln.StatusFailed, err.Error()); uerr != nil {
			e.log.Error("decision status update failed", "decision", d.DecisionID, "error", uerr)
		}
		e.count(d.Type, ln.StatusFailed)
		return err
	}

	if err := e.store.UpdateDecisionStatus(ctx, d.DecisionID, ln.StatusApplied, ""); err != nil {
		return err
	}
	e.count(d.Type, ln.StatusApplied)
	e.log.Info("decision applied",
		"decision", d.DecisionID, "type", string(d.Type),
		"node", d.NodePubkey, "channel", d.ChannelID)
	return nil
}

// dispatch sends the action to the node. The rollback entry is written
// before the status flips to applied, so an applied decision always has
// one.
func (e *Engine) dispatch(ctx context.Context, d ln.Decision, prior *ln.ChannelState) error {
	switch d.Type {
	case ln.DecisionUpdateFee:
		if prior == nil || d.Payload.NewPolicy == nil {
			return faults.Invalid("Apply", "decision_engine",
				fmt.Errorf("update_fee %s needs prior channel state and a new policy", d.DecisionID))
		}
		if err := e.control.UpdatePolicy(ctx, d.DecisionID, d.ChannelID, *d.Payload.NewPolicy); err != nil {
			return err
		}
		return e.store.InsertRollbackEntry(ctx, ln.RollbackEntry{
			DecisionID: d.DecisionID,
			PriorState: *prior,
			ReversalPayload: ln.DecisionPayload{
				NewFeeRatePPM: prior.Policy.FeeRatePPM,
				NewPolicy:     &prior.Policy,
			},
			CreatedAt: time.Now().UTC(),
		})

	case ln.DecisionCloseChannel:
		if prior == nil {
			return faults.Invalid("Apply", "decision_engine",
				fmt.Errorf("close_channel %s needs prior channel state", d.DecisionID))
		}
		if err := e.control.CloseChannel(ctx, d.DecisionID, d.ChannelID); err != nil {
			return err
		}
		return e.store.InsertRollbackEntry(ctx, ln.RollbackEntry{
			DecisionID: d.DecisionID,
			PriorState: *prior,
			ReversalPayload: ln.DecisionPayload{
				PeerPubkey: prior.PeerPubkey,
				AmountSat:  prior.CapacitySat,
			},
			CreatedAt: time.Now().UTC(),
		})

	case ln.DecisionOpenChannel:
		if err := e.control.OpenChannel(ctx, d.DecisionID, d.Payload.PeerPubkey, d.Payload.AmountSat); err != nil {
			return err
		}
		return e.store.InsertRollbackEntry(ctx, ln.RollbackEntry{
			DecisionID: d.DecisionID,
			PriorState: ln.ChannelState{NodePubkey: d.NodePubkey, PeerPubkey: d.Payload.PeerPubkey},
			// Reversing an open is closing whatever channel materialized.
			ReversalPayload: ln.DecisionPayload{PeerPubkey: d.Payload.PeerPubkey},
			CreatedAt:       time.Now().UTC(),
		})

	default:
		return faults.Invalid("Apply", "decision_engine",
			fmt.Errorf("decision type %q cannot be dispatched", d.Type))
	}
}

// Rollback reverses an applied decision. Any other status is a conflict:
// pending has nothing to reverse, rejected never ran, rolled_back already
// was.
func (e *Engine) Rollback(ctx context.Context, decisionID string) error {
	d, err := e.store.GetDecision(ctx, decisionID)
	if err != nil {
		return err
	}
	if d.Status != ln.StatusApplied {
		return faults.Conflict("Rollback", "decision_engine",
			fmt.Errorf("decision %s is %s, only applied decisions roll back", decisionID, d.Status))
	}
	entry, err := e.store.GetRollbackEntry(ctx, decisionID)
	if err != nil {
		return err
	}

	unlock := e.lockKey(*d)
	defer unlock()

	reversalID := decisionID + ":rollback"
	switch d.Type {
	case ln.DecisionUpdateFee:
		err = e.control.UpdatePolicy(ctx, reversalID, d.ChannelID, entry.PriorState.Policy)
	case ln.DecisionCloseChannel:
		err = e.control.OpenChannel(ctx, reversalID, entry.ReversalPayload.PeerPubkey, entry.ReversalPayload.AmountSat)
	case ln.DecisionOpenChannel:
		err = e.control.CloseChannel(ctx, reversalID, entry.PriorState.ChannelID)
	default:
		err = faults.Invalid("Rollback", "decision_engine",
			fmt.Errorf("decision type %q cannot be reversed", d.Type))
	}
	if err != nil {
		return err
	}

	if err := e.store.UpdateDecisionStatus(ctx, decisionID, ln.StatusRolledBack, ""); err != nil {
		return err
	}
	e.count(d.Type, ln.StatusRolledBack)
	e.log.Info("decision rolled back", "decision", decisionID, "type", string(d.Type))
	return nil
}

func (e *Engine) reject(ctx context.Context, d ln.Decision, reason string) error {
	if err := e.store.UpdateDecisionStatus(ctx, d.DecisionID, ln.StatusRejected, reason); err != nil {
		return err
	}
	e.count(d.Type, ln.StatusRejected)
	return nil
}

// lockKey serializes applies per channel; opens serialize per peer, so two
// concurrent candidate runs cannot double-open to the same peer.
func (e *Engine) lockKey(d ln.Decision) func() {
	key := d.ChannelID
	if key == "" {
		key = "peer:" + d.Payload.PeerPubkey
	}
	e.mu.Lock()
	l, ok := e.chanLocks[key]
	if !ok {
		l = &sync.Mutex{}
		e.chanLocks[key] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (e *Engine) acquireNode(ctx context.Context, pubkey string) error {
	e.mu.Lock()
	sem, ok := e.nodeSems[pubkey]
	if !ok {
		n := int64(e.limits.PerNodeApplyCap)
		if n < 1 {
			n = 1
		}
		sem = semaphore.NewWeighted(n)
		e.nodeSems[pubkey] = sem
	}
	e.mu.Unlock()
	if err := sem.Acquire(ctx, 1); err != nil {
		return faults.Timeout("Apply", "decision_engine", err)
	}
	return nil
}

func (e *Engine) releaseNode(pubkey string) {
	e.mu.Lock()
	sem := e.nodeSems[pubkey]
	e.mu.Unlock()
	if sem != nil {
		sem.Release(1)
	}
}

func (e *Engine) count(t ln.DecisionType, s ln.DecisionStatus) {
	if e.metrics != nil {
		e.metrics.DecisionsTotal.WithLabelValues(string(t), string(s)).Inc()
	}
}
