package engine

import (
	"math"
	"testing"
)

func TestSamplerGreedy(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 0})
	logits := []float32{0.1, 2.5, -1, 2.4}
	if got := s.Sample(logits); got != 1 {
		t.Errorf("greedy sample = %d, want 1", got)
	}
}

func TestSamplerSeededDeterminism(t *testing.T) {
	logits := []float32{1, 2, 3, 4}

	a := NewSampler(SamplerConfig{Temperature: 0.8, Seed: 7})
	b := NewSampler(SamplerConfig{Temperature: 0.8, Seed: 7})
	for i := 0; i < 20; i++ {
		x, y := a.Sample(logits), b.Sample(logits)
		if x != y {
			t.Fatalf("draw %d diverged: %d vs %d", i, x, y)
		}
	}
}

func TestSamplerTopK(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 1.0, TopK: 2, Seed: 1})
	logits := []float32{10, 9, -100, -100}
	for i := 0; i < 50; i++ {
		got := s.Sample(logits)
		if got != 0 && got != 1 {
			t.Fatalf("top-2 sample escaped the head: %d", got)
		}
	}
}

func TestSamplerInvalidLogits(t *testing.T) {
	s := NewSampler(SamplerConfig{Temperature: 0.5})
	logits := []float32{float32(math.NaN()), 1, 2}
	got := s.Sample(logits)
	if got != 1 {
		t.Errorf("expected first valid token (1), got %d", got)
	}
}

func TestArgMax(t *testing.T) {
	tests := []struct {
		logits []float32
		want   int
	}{
		{[]float32{1}, 0},
		{[]float32{1, 2, 3}, 2},
		{[]float32{3, 2, 1}, 0},
		{[]float32{-5, -1, -3}, 1},
	}
	for _, tt := range tests {
		if got := argMax(tt.logits); got != tt.want {
			t.Errorf("argMax(%v) = %d, want %d", tt.logits, got, tt.want)
		}
	}
}
