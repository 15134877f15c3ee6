package decision

import (
	"fmt"
	"math"

	"github.com/moniteurlabs/moniteur/pkg/ln"
	"github.com/moniteurlabs/moniteur/pkg/reasoning"
)

// Fee target bounds and emission thresholds.
const (
	minFeeRatePPM = 50
	maxFeeRatePPM = 2500

	// minFeeDeltaRatio suppresses churn: a new target within 10% of the
	// current rate is not worth a policy broadcast.
	minFeeDeltaRatio = 0.10

	// blendConfidence is the reasoning confidence above which the model's
	// suggestion is blended into the closed-form target.
	blendConfidence = 0.80
)

// ClampFeeRate bounds a target rate to the permitted window.
func ClampFeeRate(ppm int64) int64 {
	if ppm < minFeeRatePPM {
		return minFeeRatePPM
	}
	if ppm > maxFeeRatePPM {
		return maxFeeRatePPM
	}
	return ppm
}

// HeuristicFeeTarget computes the closed-form per-channel target. A channel
// drained on the local side prices outbound liquidity up; one drained on
// the remote side prices it down to attract forwards. Poor routing success
// discounts the result.
func HeuristicFeeTarget(ch ln.ChannelState, snap ln.NodeSnapshot) int64 {
	current := ch.Policy.FeeRatePPM
	if current <= 0 {
		current = minFeeRatePPM
	}
	factor := 1 + (0.5 - ch.LocalRatio())
	if snap.RoutingSuccessRate < 0.5 {
		factor *= 0.8
	}
	return ClampFeeRate(int64(math.Round(float64(current) * factor)))
}

// FeeDecision is the outcome of evaluating one channel.
type FeeDecision struct {
	ChannelID  string
	Target     int64
	Confidence float64
	Rationale  string
	// Emit is false when the change is too small or too uncertain.
	Emit bool
}

// EvaluateFee combines the closed-form target with the model's suggestion
// for ch, if any. A high-confidence suggestion pulls the target to the
// midpoint of the two; the heuristic alone carries full confidence.
func EvaluateFee(ch ln.ChannelState, snap ln.NodeSnapshot, out *reasoning.Output, confidenceThreshold float64) FeeDecision {
	target := HeuristicFeeTarget(ch, snap)
	confidence := 1.0
	rationale := fmt.Sprintf("liquidity-driven target for local ratio %.2f", ch.LocalRatio())

	if out != nil {
		for _, s := range out.FeeSuggestions {
			if s.ChannelID != ch.ChannelID {
				continue
			}
			confidence = s.Confidence
			if s.Confidence >= blendConfidence {
				target = ClampFeeRate((target + ClampFeeRate(s.TargetFeeRatePPM)) / 2)
				rationale = s.Rationale
			}
			break
		}
	}

	current := ch.Policy.FeeRatePPM
	emit := confidence >= confidenceThreshold && feeDeltaSignificant(current, target)
	return FeeDecision{
		ChannelID:  ch.ChannelID,
		Target:     target,
		Confidence: confidence,
		Rationale:  rationale,
		Emit:       emit,
	}
}

// feeDeltaSignificant reports whether target moves more than 10% away from
// current. A zero current rate always moves.
func feeDeltaSignificant(current, target int64) bool {
	if current <= 0 {
		return target > 0
	}
	delta := math.Abs(float64(target-current)) / float64(current)
	return delta > minFeeDeltaRatio
}
