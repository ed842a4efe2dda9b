package engine

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

type SamplerConfig struct {
	Temperature float32
	TopK        int
	Seed        int64
}

type Sampler struct {
	Config SamplerConfig
	rng    *rand.Rand
}

func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	return &Sampler{
		Config: cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

func (s *Sampler) Sample(logits []float32) int {
	if !validLogits(logits) {
		return firstValidToken(logits)
	}

	temp := s.Config.Temperature
	if temp == 0 {
		return argMax(logits)
	}

	probs := softmaxWithTemperature(logits, temp)

	type candidate struct {
		id   int
		prob float32
	}
	candidates := make([]candidate, len(probs))
	for i, p := range probs {
		candidates[i] = candidate{id: i, prob: p}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].prob > candidates[j].prob
	})

	if s.Config.TopK > 0 && s.Config.TopK < len(candidates) {
		candidates = candidates[:s.Config.TopK]
	}

	var total float32
	for _, c := range candidates {
		total += c.prob
	}
	r := s.rng.Float32() * total
	var acc float32
	for _, c := range candidates {
		acc += c.prob
		if r <= acc {
			return c.id
		}
	}
	return candidates[len(candidates)-1].id
}

func argMax(logits []float32) int {
	best := 0
	for i, v := range logits[1:] {
		if v > logits[best] {
			best = i + 1
		}
	}
	return best
}

func softmaxWithTemperature(logits []float32, temp float32) []float32 {
	out := make([]float32, len(logits))
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float32
	for i, v := range logits {
		e := float32(math.Exp(float64((v - maxv) / temp)))
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func validLogits(logits []float32) bool {
	for _, v := range logits {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return false
		}
	}
	return true
}

func firstValidToken(logits []float32) int {
	for i, v := range logits {
		if !math.IsNaN(float64(v)) && !math.IsInf(float64(v), 0) {
			return i
		}
	}
	return 0
}
