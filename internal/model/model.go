package model

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/23skdu/longbow-pipegen/internal/config"
	"github.com/23skdu/longbow-pipegen/internal/logger"
	"github.com/23skdu/longbow-pipegen/internal/safetensors"
)

// layer parameter names, in checkpoint order
var layerParams = []string{
	"self_attn.q_proj.weight",
	"self_attn.k_proj.weight",
	"self_attn.v_proj.weight",
	"self_attn.o_proj.weight",
	"mlp.gate_proj.weight",
	"mlp.up_proj.weight",
	"mlp.down_proj.weight",
	"input_layernorm.weight",
	"post_attention_layernorm.weight",
}

const (
	EmbedParam = "model.embed_tokens.weight"
	NormParam  = "model.norm.weight"
	HeadParam  = "lm_head.weight"
)

// GroupInfo is the slice of a distributed group the partitioner needs.
type GroupInfo interface {
	Rank() int
	Size() int
}

// Model is a handle on a llama-family checkpoint. It starts lazy: structure
// only, no tensor data. Pipeline prunes it to the local stage, Eval
// materializes the surviving tensors.
type Model struct {
	Config *config.Config

	// retained structure after partitioning
	layerStart int
	layerEnd   int // exclusive
	hasEmbed   bool
	hasHead    bool

	rank int
	size int

	// set by Eval
	Weights map[string][]float32
	Shapes  map[string][]int64
}

// Load builds a lazy model from a snapshot directory's config.json. No
// weight file is touched.
func Load(dir string, strict bool) (*Model, *config.Config, error) {
	cfg, err := config.Load(dir, strict)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	m := &Model{
		Config:     cfg,
		layerStart: 0,
		layerEnd:   cfg.Layers,
		hasEmbed:   true,
		hasHead:    true,
		rank:       0,
		size:       1,
	}
	return m, cfg, nil
}

// Pipeline prunes the model to the contiguous layer slab owned by this
// rank. The embedding stays on rank 0, the final norm and head on the last
// rank. Deterministic in (layers, rank, size), so applying it to a fresh
// lazy load of the same checkpoint retains the same parameters.
func (m *Model) Pipeline(g GroupInfo) {
	rank, size := g.Rank(), g.Size()
	start, end := slab(m.Config.Layers, rank, size)

	m.layerStart = start
	m.layerEnd = end
	m.hasEmbed = rank == 0
	m.hasHead = rank == size-1
	m.rank = rank
	m.size = size

	logger.Log.Debug("pipeline partition",
		"rank", rank, "size", size, "layers", fmt.Sprintf("[%d,%d)", start, end),
		"embed", m.hasEmbed, "head", m.hasHead)
}

// slab assigns contiguous layer ranges, spreading the remainder over the
// first ranks.
func slab(layers, rank, size int) (int, int) {
	base := layers / size
	extra := layers % size

	start := rank*base + min(rank, extra)
	n := base
	if rank < extra {
		n++
	}
	return start, start + n
}

// LayerRange returns the retained [start, end) layer interval.
func (m *Model) LayerRange() (int, int) { return m.layerStart, m.layerEnd }

func (m *Model) HasEmbed() bool { return m.hasEmbed }
func (m *Model) HasHead() bool  { return m.hasHead }

// Parameters returns the flattened names of every parameter this stage
// needs, sorted. This is the set the shard planner resolves to files.
func (m *Model) Parameters() []string {
	var names []string
	if m.hasEmbed {
		names = append(names, EmbedParam)
	}
	for i := m.layerStart; i < m.layerEnd; i++ {
		for _, p := range layerParams {
			names = append(names, fmt.Sprintf("model.layers.%d.%s", i, p))
		}
	}
	if m.hasHead {
		names = append(names, NormParam)
		if m.Config.TieWordEmbeddings {
			// output projection reuses the embedding matrix
			names = append(names, EmbedParam)
		} else {
			names = append(names, HeadParam)
		}
	}

	sort.Strings(names)
	// hasEmbed and tied head can both add the embedding
	return dedup(names)
}

func dedup(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}

// Eval materializes the retained parameters from the safetensors files in
// dir. This is the point the weight bytes are actually read.
func (m *Model) Eval(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.safetensors"))
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no safetensors files in %s", dir)
	}

	files := make([]*safetensors.File, 0, len(paths))
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()
	for _, p := range paths {
		f, err := safetensors.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", filepath.Base(p), err)
		}
		files = append(files, f)
	}

	m.Weights = make(map[string][]float32)
	m.Shapes = make(map[string][]int64)

	for _, name := range m.Parameters() {
		var src *safetensors.File
		for _, f := range files {
			if f.Has(name) {
				src = f
				break
			}
		}
		if src == nil {
			return fmt.Errorf("parameter %s not found in any weight file", name)
		}
		vals, err := src.Tensor(name)
		if err != nil {
			return fmt.Errorf("materialize %s: %w", name, err)
		}
		m.Weights[name] = vals
		m.Shapes[name] = src.Tensors[name].Shape
	}

	logger.Log.Info("materialized local shard",
		"rank", m.rank, "params", len(m.Weights))
	return nil
}

// Weight returns a materialized tensor by name.
func (m *Model) Weight(name string) ([]float32, error) {
	w, ok := m.Weights[name]
	if !ok {
		return nil, fmt.Errorf("weight %s not materialized", name)
	}
	return w, nil
}

// LayerWeight returns a per-layer tensor, e.g. LayerWeight(3, "mlp.up_proj.weight").
func (m *Model) LayerWeight(layer int, suffix string) ([]float32, error) {
	return m.Weight(fmt.Sprintf("model.layers.%d.%s", layer, suffix))
}
