// Package scoring turns the model's per-image sub-scores into the single
// 0-100 integer used for ranking photos.
package scoring

import (
	"fmt"
	"math"

	"TopPhotos/internal/domain"
)

// CalculateScore blends scores with coeffs into a value in [0,1], rounded to
// two decimals. A -1 sentinel score weighs as zero. When logPower > 0 each
// score s is first replaced with logPower^(10s-10), an emphasis curve that
// makes near-1.0 scores disproportionately dominant and near-zero scores
// disproportionately penalized. Length and weight mismatches are programmer
// contracts, not data conditions.
func CalculateScore(scores, coeffs []float64, logPower float64) (float64, error) {
	if len(scores) != len(coeffs) {
		return 0, fmt.Errorf("scores and coeffs must have the same length: %d != %d", len(scores), len(coeffs))
	}

	var totalWeight float64
	for _, c := range coeffs {
		totalWeight += c
	}
	if totalWeight == 0 {
		return 0, fmt.Errorf("the sum of coefficients cannot be zero")
	}

	adjusted := make([]float64, len(scores))
	for i, s := range scores {
		if s == domain.ScoreUndefined {
			s = 0
		}
		if logPower > 0 {
			if s <= 0 {
				s = 0
			} else {
				s = math.Pow(logPower, 10*s-10)
			}
		}
		adjusted[i] = s
	}

	var weighted float64
	for i, s := range adjusted {
		weighted += s * coeffs[i]
	}
	final := weighted / totalWeight

	final = math.Max(0, math.Min(final, 1))
	return math.Round(final*100) / 100, nil
}

// Derive computes the final integer score of a record. An unsafe image
// (safe_score < 1) short-circuits to a negative score so it always sorts
// below every safe image regardless of other qualities. The weighted blend
// covers value, technical, overview and reality, in that order.
func Derive(rec domain.ScoreRecord, weights []float64, logPower float64) (int, error) {
	if rec.SafeScore < 1 {
		return int((rec.SafeScore - 1) * 100), nil
	}

	blend, err := CalculateScore(
		[]float64{rec.ValueScore, rec.TechnicalScore, rec.OverviewScore, rec.RealityScore},
		weights, logPower)
	if err != nil {
		return 0, err
	}
	return int(blend * 100), nil
}

// CoerceScore normalizes one raw sub-score value from the model: numbers out
// of [0,1] are assumed to be on a 0-10 scale and divided by 10, negatives are
// folded positive, and anything that is not a number becomes the undefined
// sentinel.
func CoerceScore(v any) (float64, bool) {
	var f float64
	switch value := v.(type) {
	case float64:
		f = value
	case int:
		f = float64(value)
	case string:
		if _, err := fmt.Sscanf(value, "%f", &f); err != nil {
			return domain.ScoreUndefined, false
		}
	default:
		return domain.ScoreUndefined, false
	}

	f = math.Abs(f)
	if f > 1 {
		f = f / 10
	}
	return f, true
}
