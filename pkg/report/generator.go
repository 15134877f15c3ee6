// Package report builds the per-user daily report: node state, retrieval
// context, three reasoning passes, and a decisions digest, persisted with
// one-succeeded-per-day idempotency.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/moniteurlabs/moniteur/pkg/adapters"
	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/ln"
	"github.com/moniteurlabs/moniteur/pkg/metrics"
	"github.com/moniteurlabs/moniteur/pkg/rag"
	"github.com/moniteurlabs/moniteur/pkg/reasoning"
	"github.com/moniteurlabs/moniteur/pkg/store"
)

// FailReasonTimeout marks reports that ran out of generation budget.
const FailReasonTimeout = "timeout"

// retriever is the slice of the retrieval service the generator needs.
type retriever interface {
	Retrieve(ctx context.Context, query string, filters rag.Filters, k int) ([]rag.Hit, error)
	EmbedVersion() string
}

// reasoner runs one reasoning task.
type reasoner interface {
	Run(ctx context.Context, task reasoning.Task, in reasoning.Input) (*reasoning.Output, error)
}

// Decider runs the decision pass for a node after the reasoning passes.
type Decider interface {
	Run(ctx context.Context, snap *ln.NodeSnapshot, channels []ln.ChannelState, feeOut, chanOut *reasoning.Output) ([]ln.Decision, error)
}

// Generator produces daily reports.
type Generator struct {
	store    store.Store
	source   adapters.NodeSource
	retrieve retriever
	reason   reasoner
	metrics  *metrics.Metrics
	log      *slog.Logger

	// Timeout bounds one generation end to end.
	Timeout time.Duration

	// Decide, when set, runs fee and channel decisions as part of each
	// report so the decisions digest reflects today's pass.
	Decide Decider
}

// NewGenerator wires the report generator.
func NewGenerator(s store.Store, source adapters.NodeSource, r retriever, reason reasoner, m *metrics.Metrics, log *slog.Logger, timeout time.Duration) *Generator {
	if log == nil {
		log = slog.Default()
	}
	return &Generator{
		store:    s,
		source:   source,
		retrieve: r,
		reason:   reason,
		metrics:  m,
		log:      log,
		Timeout:  timeout,
	}
}

// Generate builds and persists the report for user on reportDate
// (YYYY-MM-DD, UTC). A report that already succeeded for that day is
// returned as is; a lost write race resolves the same way. Failures are
// persisted with their reason and returned as errors so the caller can
// schedule a retry.
func (g *Generator) Generate(ctx context.Context, user ln.UserProfile, reportDate string) (*ln.DailyReport, error) {
	ctx, span := otel.Tracer("report").Start(ctx, "generate")
	span.SetAttributes(attribute.String("user_id", user.UserID), attribute.String("report_date", reportDate))
	defer span.End()

	attempt := 1
	if existing, err := g.store.GetReport(ctx, user.UserID, reportDate); err == nil {
		if existing.GenerationStatus == ln.ReportSucceeded {
			g.count("duplicate")
			return existing, nil
		}
		attempt = existing.AttemptCount + 1
	} else if faults.KindOf(err) != faults.KindNotFound {
		return nil, err
	}

	report := &ln.DailyReport{
		ReportID:         uuid.NewString(),
		UserID:           user.UserID,
		TenantID:         user.TenantID,
		NodePubkey:       user.LightningPubkey,
		ReportDate:       reportDate,
		GenerationStatus: ln.ReportRunning,
		AttemptCount:     attempt,
	}
	if err := g.store.UpsertReport(ctx, report); err != nil {
		return nil, err
	}

	genCtx := ctx
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	err := g.build(genCtx, user, report)
	if err != nil {
		report.GenerationStatus = ln.ReportFailed
		report.FailReason = err.Error()
		if errors.Is(err, context.DeadlineExceeded) || faults.KindOf(err) == faults.KindTimeout {
			report.FailReason = FailReasonTimeout
		}
		// Persist the failure on the parent context; the budget may be gone.
		if uerr := g.store.UpsertReport(ctx, report); uerr != nil {
			g.log.Error("failed report not persisted", "user", user.UserID, "error", uerr)
		}
		g.count("failed")
		return nil, err
	}

	report.GenerationStatus = ln.ReportSucceeded
	report.GeneratedAt = time.Now().UTC()
	if err := g.store.UpsertReport(ctx, report); err != nil {
		if faults.KindOf(err) == faults.KindConflict {
			// Another attempt finished first; theirs is the report of record.
			g.count("duplicate")
			return g.store.GetReport(ctx, user.UserID, reportDate)
		}
		return nil, err
	}
	g.count("succeeded")
	g.log.Info("daily report generated",
		"user", user.UserID, "date", reportDate, "attempt", attempt,
		"sections", len(report.Sections))
	return report, nil
}

func (g *Generator) build(ctx context.Context, user ln.UserProfile, report *ln.DailyReport) error {
	snap, err := g.source.FetchNodeSnapshot(ctx, user.LightningPubkey)
	if err != nil {
		return err
	}
	channels, err := g.source.FetchChannels(ctx, user.LightningPubkey)
	if err != nil {
		return err
	}

	embedVersion := g.retrieve.EmbedVersion()
	filters := rag.Filters{RelatedNode: user.LightningPubkey}

	summaryOut, err := g.runTask(ctx, reasoning.TaskDailyReport,
		"daily operational summary for node "+user.LightningPubkey,
		embedVersion, filters, snap, channels)
	if err != nil {
		return err
	}
	feeOut, err := g.runTask(ctx, reasoning.TaskFeeRecommendation,
		"fee strategy for node "+user.LightningPubkey,
		embedVersion, filters, snap, channels)
	if err != nil {
		return err
	}
	peerOut, err := g.runTask(ctx, reasoning.TaskChannelRecommendation,
		"channel partners for node "+user.LightningPubkey,
		embedVersion, filters, snap, channels)
	if err != nil {
		return err
	}

	if g.Decide != nil {
		if _, err := g.Decide.Run(ctx, snap, channels, feeOut, peerOut); err != nil {
			g.log.Warn("decision pass failed", "user", user.UserID, "error", err)
		}
	}

	report.Sections = []ln.ReportSection{
		{Title: "Node health", Body: healthBody(snap, summaryOut)},
		{Title: "Liquidity", Body: liquidityBody(snap, channels)},
		{Title: "Routing performance", Body: routingBody(snap)},
		{Title: "Fee strategy", Body: feeBody(feeOut)},
		{Title: "Recommended peers", Body: peersBody(peerOut)},
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	decisions, err := g.store.ListDecisionsByNode(ctx, user.LightningPubkey, since)
	if err != nil && faults.KindOf(err) != faults.KindNotFound {
		return err
	}
	report.DecisionsSummary = decisionsDigest(decisions)
	return nil
}

func (g *Generator) runTask(ctx context.Context, task reasoning.Task, query, embedVersion string, filters rag.Filters, snap *ln.NodeSnapshot, channels []ln.ChannelState) (*reasoning.Output, error) {
	hits, err := g.retrieve.Retrieve(ctx, query, filters, 0)
	if err != nil && faults.KindOf(err) != faults.KindNotFound {
		return nil, err
	}
	return g.reason.Run(ctx, task, reasoning.Input{
		Query:        query,
		EmbedVersion: embedVersion,
		Hits:         hits,
		Snapshot:     snap,
		Channels:     channels,
	})
}

func healthBody(snap *ln.NodeSnapshot, out *reasoning.Output) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d channels active, uptime %.1f%%.",
		snap.NumChannelsActive, snap.NumChannelsTotal, snap.UptimeRatio*100)
	if out != nil && out.Summary != "" {
		b.WriteString(" ")
		b.WriteString(out.Summary)
	}
	return b.String()
}

func liquidityBody(snap *ln.NodeSnapshot, channels []ln.ChannelState) string {
	total := snap.LocalBalanceSat + snap.RemoteBalanceSat
	localShare := 0.0
	if total > 0 {
		localShare = float64(snap.LocalBalanceSat) / float64(total)
	}
	drained := 0
	for _, ch := range channels {
		if r := ch.LocalRatio(); r < 0.2 || r > 0.8 {
			drained++
		}
	}
	return fmt.Sprintf("%.0f%% of liquidity is local; %d of %d channels are significantly imbalanced.",
		localShare*100, drained, len(channels))
}

func routingBody(snap *ln.NodeSnapshot) string {
	return fmt.Sprintf("Routing success rate %.1f%%, 30d revenue %d msat, median advertised rate %d ppm.",
		snap.RoutingSuccessRate*100, snap.FeeStats.RevenueMsat30d, snap.FeeStats.MedianFeeRatePPM)
}

func feeBody(out *reasoning.Output) string {
	if out == nil || out.NoContext || len(out.FeeSuggestions) == 0 {
		return "No fee changes suggested."
	}
	var b strings.Builder
	for i, s := range out.FeeSuggestions {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "Channel %s: target %d ppm (confidence %.2f).", s.ChannelID, s.TargetFeeRatePPM, s.Confidence)
	}
	return b.String()
}

func peersBody(out *reasoning.Output) string {
	if out == nil || out.NoContext || len(out.CandidatePeers) == 0 {
		return "No new channel partners recommended."
	}
	var b strings.Builder
	for i, p := range out.CandidatePeers {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%s (score %.2f).", p.PeerPubkey, p.Score)
	}
	return b.String()
}

func decisionsDigest(decisions []ln.Decision) string {
	if len(decisions) == 0 {
		return "No decisions in the last 24 hours."
	}
	counts := map[ln.DecisionStatus]int{}
	for _, d := range decisions {
		counts[d.Status]++
	}
	return fmt.Sprintf("%d decisions in the last 24 hours: %d applied, %d rejected, %d failed, %d rolled back.",
		len(decisions), counts[ln.StatusApplied], counts[ln.StatusRejected],
		counts[ln.StatusFailed], counts[ln.StatusRolledBack])
}

func (g *Generator) count(outcome string) {
	if g.metrics != nil {
		g.metrics.ReportsGenerated.WithLabelValues(outcome).Inc()
	}
}
