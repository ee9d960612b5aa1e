package perf

import "testing"

func TestBaselineFirstObservationAdopted(t *testing.T) {
	var b Baseline
	b = b.Update(100)
	if b.MeanDurationMs != 100 || b.SampleCount != 1 {
		t.Fatalf("expected first observation adopted as mean, got %+v", b)
	}
}

func TestBaselineZScoreRequiresHistory(t *testing.T) {
	var b Baseline
	b = b.Update(100)
	if z := b.ZScore(500); z != 0 {
		t.Fatalf("expected ZScore 0 with only one sample, got %f", z)
	}
}

func TestBaselineFlagsLargeDivergence(t *testing.T) {
	b := Baseline{MeanDurationMs: 100, VarianceMs2: 4, SampleCount: 10}
	if !b.IsAnomalous(130) {
		t.Fatalf("expected 130ms vs mean 100 stddev 2 to be flagged anomalous")
	}
	if b.IsAnomalous(101) {
		t.Fatalf("expected 101ms vs mean 100 stddev 2 to not be flagged anomalous")
	}
}
