package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moniteurlabs/moniteur/pkg/config"
	"github.com/moniteurlabs/moniteur/pkg/ln"
)

func snap(pubkey string, capacity int64, centrality, reputation, uptime, avgFee float64) ln.NodeSnapshot {
	return ln.NodeSnapshot{
		NodePubkey:      pubkey,
		CapacitySat:     capacity,
		CentralityScore: centrality,
		ReputationScore: reputation,
		UptimeRatio:     uptime,
		FeeStats:        ln.FeeStats{AvgFeeRatePPM: avgFee},
	}
}

func defaultWeights() config.Weights { return config.Default().Heuristic.Weights }

func TestScoreNodeBounds(t *testing.T) {
	cohort := CohortStats{MinCapacitySat: 0, MaxCapacitySat: 10_000_000}
	w := defaultWeights()

	best := snap("a", 10_000_000, 1, 1, 1, 0)
	worst := snap("b", 0, 0, 0, 0, 5000)
	assert.InDelta(t, 1.0, ScoreNode(best, cohort, w), 1e-9)
	assert.InDelta(t, 0.0, ScoreNode(worst, cohort, w), 1e-9)
}

func TestScoreNodeMonotoneInEachComponent(t *testing.T) {
	cohort := CohortStats{MinCapacitySat: 0, MaxCapacitySat: 10_000_000}
	w := defaultWeights()
	base := snap("a", 5_000_000, 0.5, 0.5, 0.5, 1000)
	baseScore := ScoreNode(base, cohort, w)

	better := base
	better.CentralityScore = 0.9
	assert.Greater(t, ScoreNode(better, cohort, w), baseScore)

	better = base
	better.CapacitySat = 9_000_000
	assert.Greater(t, ScoreNode(better, cohort, w), baseScore)

	better = base
	better.ReputationScore = 0.9
	assert.Greater(t, ScoreNode(better, cohort, w), baseScore)

	better = base
	better.FeeStats.AvgFeeRatePPM = 100
	assert.Greater(t, ScoreNode(better, cohort, w), baseScore)

	better = base
	better.UptimeRatio = 0.9
	assert.Greater(t, ScoreNode(better, cohort, w), baseScore)
}

func TestFeePenaltySaturates(t *testing.T) {
	assert.Equal(t, 0.0, FeePenalty(0))
	assert.InDelta(t, 0.4, FeePenalty(1000), 1e-9)
	assert.Equal(t, 1.0, FeePenalty(2500))
	assert.Equal(t, 1.0, FeePenalty(99999))
}

func TestCapacityNormDegenerateCohort(t *testing.T) {
	c := CohortStats{MinCapacitySat: 5, MaxCapacitySat: 5}
	assert.Equal(t, 1.0, c.CapacityNorm(5))
	assert.Equal(t, 1.0, NewCohortStats(nil).CapacityNorm(123))
}

func TestNewCohortStats(t *testing.T) {
	stats := NewCohortStats([]ln.NodeSnapshot{
		snap("a", 100, 0, 0, 0, 0),
		snap("b", 900, 0, 0, 0, 0),
		snap("c", 400, 0, 0, 0, 0),
	})
	assert.Equal(t, int64(100), stats.MinCapacitySat)
	assert.Equal(t, int64(900), stats.MaxCapacitySat)
	assert.InDelta(t, 0.375, stats.CapacityNorm(400), 1e-9)
}

func TestCohortCacheMemoizes(t *testing.T) {
	cache := NewCohortCache()
	calls := 0
	load := func() []ln.NodeSnapshot {
		calls++
		return []ln.NodeSnapshot{snap("a", 100, 0, 0, 0, 0)}
	}
	first := cache.Get("all", load)
	second := cache.Get("all", load)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}
