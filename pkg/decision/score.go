// Package decision implements the optimization engine: weighted node
// scoring, fee targeting, channel candidate selection, and the apply path
// with dry-run gating and rollback.
package decision

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"

	"github.com/moniteurlabs/moniteur/pkg/config"
	"github.com/moniteurlabs/moniteur/pkg/ln"
)

// maxFeePenaltyPPM is the fee rate at which the fee penalty saturates.
const maxFeePenaltyPPM = 2500.0

// CohortStats is the capacity range of a scoring cohort, used to min-max
// normalize capacity.
type CohortStats struct {
	MinCapacitySat int64
	MaxCapacitySat int64
}

// NewCohortStats computes the capacity range over snaps.
func NewCohortStats(snaps []ln.NodeSnapshot) CohortStats {
	if len(snaps) == 0 {
		return CohortStats{}
	}
	caps := lo.Map(snaps, func(s ln.NodeSnapshot, _ int) int64 { return s.CapacitySat })
	return CohortStats{
		MinCapacitySat: lo.Min(caps),
		MaxCapacitySat: lo.Max(caps),
	}
}

// CapacityNorm min-max normalizes capacity into [0,1]. A degenerate cohort
// (single capacity value) scores 1.
func (c CohortStats) CapacityNorm(capacitySat int64) float64 {
	if c.MaxCapacitySat <= c.MinCapacitySat {
		return 1
	}
	if capacitySat <= c.MinCapacitySat {
		return 0
	}
	if capacitySat >= c.MaxCapacitySat {
		return 1
	}
	return float64(capacitySat-c.MinCapacitySat) / float64(c.MaxCapacitySat-c.MinCapacitySat)
}

// FeePenalty maps the average advertised rate into [0,1], saturating at
// 2500 ppm.
func FeePenalty(avgFeeRatePPM float64) float64 {
	if avgFeeRatePPM <= 0 {
		return 0
	}
	p := avgFeeRatePPM / maxFeePenaltyPPM
	if p > 1 {
		return 1
	}
	return p
}

// ScoreNode computes the weighted composite score in [0,1]. Each weight
// multiplies a unit-range component, so the result is monotone in every
// component.
func ScoreNode(s ln.NodeSnapshot, cohort CohortStats, w config.Weights) float64 {
	return w.Centrality*s.CentralityScore +
		w.Capacity*cohort.CapacityNorm(s.CapacitySat) +
		w.Reputation*s.ReputationScore +
		w.Fees*(1-FeePenalty(s.FeeStats.AvgFeeRatePPM)) +
		w.Uptime*s.UptimeRatio
}

// cohortCacheTTL bounds how stale a cached cohort range may get; scoring is
// rank-oriented, so a few minutes of staleness is acceptable.
const cohortCacheTTL = 5 * time.Minute

// CohortCache memoizes cohort stats per cohort key.
type CohortCache struct {
	cache *gocache.Cache
}

// NewCohortCache builds an expiring cohort cache.
func NewCohortCache() *CohortCache {
	return &CohortCache{cache: gocache.New(cohortCacheTTL, 10*time.Minute)}
}

// Get returns the cached stats for key, computing them from snaps on a miss.
func (c *CohortCache) Get(key string, snaps func() []ln.NodeSnapshot) CohortStats {
	if v, ok := c.cache.Get(key); ok {
		return v.(CohortStats)
	}
	stats := NewCohortStats(snaps())
	c.cache.SetDefault(key, stats)
	return stats
}
