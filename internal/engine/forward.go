package engine

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-pipegen/internal/config"
	"github.com/23skdu/longbow-pipegen/internal/model"
)

// layerWeights holds one decoder layer's materialized tensors.
type layerWeights struct {
	wq, wk, wv, wo    []float32
	wGate, wUp, wDown []float32
	attnNorm, mlpNorm []float32
}

func loadLayer(m *model.Model, layer int) (*layerWeights, error) {
	get := func(suffix string) ([]float32, error) {
		return m.LayerWeight(layer, suffix)
	}

	lw := &layerWeights{}
	var err error
	if lw.wq, err = get("self_attn.q_proj.weight"); err != nil {
		return nil, err
	}
	if lw.wk, err = get("self_attn.k_proj.weight"); err != nil {
		return nil, err
	}
	if lw.wv, err = get("self_attn.v_proj.weight"); err != nil {
		return nil, err
	}
	if lw.wo, err = get("self_attn.o_proj.weight"); err != nil {
		return nil, err
	}
	if lw.wGate, err = get("mlp.gate_proj.weight"); err != nil {
		return nil, err
	}
	if lw.wUp, err = get("mlp.up_proj.weight"); err != nil {
		return nil, err
	}
	if lw.wDown, err = get("mlp.down_proj.weight"); err != nil {
		return nil, err
	}
	if lw.attnNorm, err = get("input_layernorm.weight"); err != nil {
		return nil, err
	}
	if lw.mlpNorm, err = get("post_attention_layernorm.weight"); err != nil {
		return nil, err
	}

	cfg := m.Config
	if len(lw.wq) != cfg.Dim*cfg.Heads*cfg.HeadDim {
		return nil, fmt.Errorf("layer %d: q_proj has %d values, want %d",
			layer, len(lw.wq), cfg.Dim*cfg.Heads*cfg.HeadDim)
	}
	return lw, nil
}

// kvCache keeps per-layer key/value rows appended position by position.
type kvCache struct {
	keys [][][]float32 // [layer][pos][kvheads*headdim]
	vals [][][]float32
}

type layerCache struct {
	keys *[][]float32
	vals *[][]float32
}

func newKVCache(m *model.Model) *kvCache {
	start, end := m.LayerRange()
	n := end - start
	return &kvCache{
		keys: make([][][]float32, n),
		vals: make([][][]float32, n),
	}
}

func (c *kvCache) layer(i int) layerCache {
	return layerCache{keys: &c.keys[i], vals: &c.vals[i]}
}

// forwardLayer runs one pre-norm decoder layer for a single position.
func forwardLayer(cfg *config.Config, lw *layerWeights, cache layerCache, x []float32, pos int) []float32 {
	dim := cfg.Dim
	hd := cfg.HeadDim
	qDim := cfg.Heads * hd
	kvDim := cfg.KVHeads * hd

	// attention block
	xn := rmsnorm(x, lw.attnNorm, cfg.Eps)

	q := matvec(lw.wq, xn, qDim, dim)
	k := matvec(lw.wk, xn, kvDim, dim)
	v := matvec(lw.wv, xn, kvDim, dim)

	rope(q, cfg.Heads, hd, pos, cfg.RopeTheta)
	rope(k, cfg.KVHeads, hd, pos, cfg.RopeTheta)

	*cache.keys = append(*cache.keys, k)
	*cache.vals = append(*cache.vals, v)

	attnOut := make([]float32, qDim)
	groupSize := cfg.Heads / cfg.KVHeads
	scale := float32(1.0 / math.Sqrt(float64(hd)))
	seq := len(*cache.keys)

	scores := make([]float32, seq)
	for h := 0; h < cfg.Heads; h++ {
		kvHead := h / groupSize
		qh := q[h*hd : (h+1)*hd]

		for t := 0; t < seq; t++ {
			kh := (*cache.keys)[t][kvHead*hd : (kvHead+1)*hd]
			var dot float32
			for i := range qh {
				dot += qh[i] * kh[i]
			}
			scores[t] = dot * scale
		}
		softmaxInPlace(scores)

		out := attnOut[h*hd : (h+1)*hd]
		for t := 0; t < seq; t++ {
			vh := (*cache.vals)[t][kvHead*hd : (kvHead+1)*hd]
			w := scores[t]
			for i := range out {
				out[i] += w * vh[i]
			}
		}
	}

	proj := matvec(lw.wo, attnOut, dim, qDim)
	for i := range x {
		x[i] += proj[i]
	}

	// feed-forward block
	xn = rmsnorm(x, lw.mlpNorm, cfg.Eps)
	gate := matvec(lw.wGate, xn, cfg.HiddenDim, dim)
	up := matvec(lw.wUp, xn, cfg.HiddenDim, dim)
	for i := range gate {
		gate[i] = silu(gate[i]) * up[i]
	}
	down := matvec(lw.wDown, gate, dim, cfg.HiddenDim)
	for i := range x {
		x[i] += down[i]
	}

	return x
}

// matvec computes y = W x for a row-major [rows, cols] weight.
func matvec(w, x []float32, rows, cols int) []float32 {
	y := make([]float32, rows)
	for r := 0; r < rows; r++ {
		row := w[r*cols : (r+1)*cols]
		var sum float32
		for i, v := range x {
			sum += row[i] * v
		}
		y[r] = sum
	}
	return y
}

func rmsnorm(x, weight []float32, eps float32) []float32 {
	out := make([]float32, len(x))
	copy(out, x)
	rmsnormInPlace(out, weight, eps)
	return out
}

func rmsnormInPlace(x, weight []float32, eps float32) {
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	inv := float32(1.0 / math.Sqrt(ss/float64(len(x))+float64(eps)))
	for i := range x {
		x[i] *= inv * weight[i]
	}
}

// rope rotates q or k per head using the half-split layout huggingface
// checkpoints are trained with: element i pairs with element i+headDim/2.
func rope(x []float32, heads, headDim, pos int, theta float32) {
	half := headDim / 2
	for h := 0; h < heads; h++ {
		base := h * headDim
		for i := 0; i < half; i++ {
			freq := 1.0 / math.Pow(float64(theta), float64(2*i)/float64(headDim))
			angle := float64(pos) * freq
			sin, cos := math.Sincos(angle)

			a := x[base+i]
			b := x[base+i+half]
			x[base+i] = a*float32(cos) - b*float32(sin)
			x[base+i+half] = a*float32(sin) + b*float32(cos)
		}
	}
}

func softmaxInPlace(x []float32) {
	maxv := x[0]
	for _, v := range x[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64(v - maxv)))
		x[i] = e
		sum += e
	}
	for i := range x {
		x[i] /= sum
	}
}

func silu(v float32) float32 {
	return v / (1.0 + float32(math.Exp(float64(-v))))
}
