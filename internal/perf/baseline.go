// Package perf — baseline.go
//
// Historical-duration baseline tracking: is this pip's observed execution
// time surprising relative to its own history? This is a diagnostic signal
// only — logged for operators investigating a slow build — and never feeds
// back into dispatch ordering or the critical-path estimate, which by
// design are driven solely by the persisted mean duration (spec.md §4.1,
// §9: "critical path is for priority only").
//
// The comparison is a one-dimensional EWMA mean/variance baseline rather
// than a full covariance model: a pip's duration is a single scalar, so a
// z-score against a running mean and variance captures the same
// baseline-vs-sample divergence question a multivariate model would, without
// the matrix bookkeeping a vector of features would need.
package perf

import "math"

// EWMAAlpha is the smoothing factor applied when folding a new observation
// into a PerfRecord's mean/variance (closer to 1 weights recent builds more
// heavily).
const EWMAAlpha = 0.3

// AnomalyZScoreThreshold is the |z| value above which an observed duration
// is flagged as diverging from its baseline.
const AnomalyZScoreThreshold = 3.0

// Baseline is the in-memory form of a pip's historical duration statistics,
// mirroring store.PerfRecord's numeric fields.
type Baseline struct {
	MeanDurationMs float64
	VarianceMs2    float64
	SampleCount    int
}

// Update folds a new observed duration into the baseline using exponential
// smoothing and returns the updated baseline. The zero-value Baseline
// (SampleCount == 0) simply adopts the first observation.
func (b Baseline) Update(observedMs float64) Baseline {
	if b.SampleCount == 0 {
		return Baseline{MeanDurationMs: observedMs, VarianceMs2: 0, SampleCount: 1}
	}
	delta := observedMs - b.MeanDurationMs
	mean := b.MeanDurationMs + EWMAAlpha*delta
	variance := (1-EWMAAlpha)*(b.VarianceMs2+EWMAAlpha*delta*delta)
	return Baseline{MeanDurationMs: mean, VarianceMs2: variance, SampleCount: b.SampleCount + 1}
}

// ZScore returns how many standard deviations observedMs sits from the
// baseline mean. Returns 0 if there is not yet enough history (fewer than
// two samples) or the baseline has zero variance.
func (b Baseline) ZScore(observedMs float64) float64 {
	if b.SampleCount < 2 || b.VarianceMs2 <= 0 {
		return 0
	}
	return (observedMs - b.MeanDurationMs) / math.Sqrt(b.VarianceMs2)
}

// IsAnomalous reports whether observedMs diverges from the baseline by more
// than AnomalyZScoreThreshold standard deviations.
func (b Baseline) IsAnomalous(observedMs float64) bool {
	return math.Abs(b.ZScore(observedMs)) > AnomalyZScoreThreshold
}
