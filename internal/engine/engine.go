package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/23skdu/longbow-pipegen/internal/dist"
	"github.com/23skdu/longbow-pipegen/internal/metrics"
	"github.com/23skdu/longbow-pipegen/internal/model"
	"github.com/23skdu/longbow-pipegen/internal/tokenizer"
)

// Engine drives one pipeline stage of a partitioned model. Every rank runs
// the same Step loop: hidden states flow to the next stage over the group,
// the sampled token flows back from the last stage, so each call returns
// the same token on every rank.
type Engine struct {
	model   *model.Model
	tok     *tokenizer.Tokenizer
	group   dist.Group
	sampler *Sampler

	layers []*layerWeights
	embed  []float32
	norm   []float32
	head   []float32

	cache *kvCache
}

// New prepares an engine from a materialized, partitioned model.
func New(m *model.Model, tok *tokenizer.Tokenizer, group dist.Group, sampler *Sampler) (*Engine, error) {
	if m.Weights == nil {
		return nil, fmt.Errorf("model not materialized, call Eval first")
	}
	if sampler == nil {
		sampler = NewSampler(SamplerConfig{})
	}

	e := &Engine{
		model:   m,
		tok:     tok,
		group:   group,
		sampler: sampler,
		cache:   newKVCache(m),
	}

	start, end := m.LayerRange()
	for i := start; i < end; i++ {
		lw, err := loadLayer(m, i)
		if err != nil {
			return nil, err
		}
		e.layers = append(e.layers, lw)
	}

	if m.HasEmbed() {
		w, err := m.Weight(model.EmbedParam)
		if err != nil {
			return nil, err
		}
		e.embed = w
	}
	if m.HasHead() {
		w, err := m.Weight(model.NormParam)
		if err != nil {
			return nil, err
		}
		e.norm = w
		headName := model.HeadParam
		if m.Config.TieWordEmbeddings {
			headName = model.EmbedParam
		}
		h, err := m.Weight(headName)
		if err != nil {
			return nil, err
		}
		e.head = h
	}

	return e, nil
}

// Step advances the pipeline by one position and returns the token sampled
// from the logits at that position.
func (e *Engine) Step(ctx context.Context, token, pos int) (int, error) {
	start := time.Now()
	defer func() { metrics.GenerationStepDuration.Observe(time.Since(start).Seconds()) }()

	cfg := e.model.Config
	rank, size := e.group.Rank(), e.group.Size()

	var x []float32
	if e.model.HasEmbed() {
		if token < 0 || token >= cfg.VocabSize {
			return 0, fmt.Errorf("token %d out of vocab range", token)
		}
		x = make([]float32, cfg.Dim)
		copy(x, e.embed[token*cfg.Dim:(token+1)*cfg.Dim])
	} else {
		h, err := e.group.Recv(ctx, tensorTag(pos))
		if err != nil {
			return 0, err
		}
		if len(h) != cfg.Dim {
			return 0, fmt.Errorf("stage input has %d values, want %d", len(h), cfg.Dim)
		}
		x = h
	}

	for li, lw := range e.layers {
		x = forwardLayer(cfg, lw, e.cache.layer(li), x, pos)
	}

	if !e.model.HasHead() {
		if err := e.group.Send(ctx, rank+1, tensorTag(pos), x); err != nil {
			return 0, err
		}
		// the last stage broadcasts the sampled token back
		t, err := e.group.Recv(ctx, tokenTag(pos))
		if err != nil {
			return 0, err
		}
		return int(t[0]), nil
	}

	rmsnormInPlace(x, e.norm, cfg.Eps)
	logits := matvec(e.head, x, cfg.VocabSize, cfg.Dim)
	next := e.sampler.Sample(logits)

	for peer := 0; peer < size; peer++ {
		if peer == rank {
			continue
		}
		if err := e.group.Send(ctx, peer, tokenTag(pos), []float32{float32(next)}); err != nil {
			return 0, err
		}
	}
	return next, nil
}

// IsEOS delegates to the tokenizer's end-of-sequence set.
func (e *Engine) IsEOS(id int) bool {
	return e.tok.IsEOS(id)
}

func tensorTag(pos int) string { return fmt.Sprintf("h/%d", pos) }
func tokenTag(pos int) string  { return fmt.Sprintf("tok/%d", pos) }
