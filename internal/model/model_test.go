package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/23skdu/longbow-pipegen/internal/safetensors"
)

type fakeGroup struct{ rank, size int }

func (g fakeGroup) Rank() int { return g.rank }
func (g fakeGroup) Size() int { return g.size }

const testConfig = `{
	"architectures": ["LlamaForCausalLM"],
	"hidden_size": 8,
	"intermediate_size": 16,
	"num_hidden_layers": 5,
	"num_attention_heads": 2,
	"num_key_value_heads": 2,
	"vocab_size": 16,
	"max_position_embeddings": 32,
	"rms_norm_eps": 1e-6,
	"rope_theta": 10000.0
}`

func writeSnapshot(t *testing.T, cfg string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestLoadLazy(t *testing.T) {
	dir := writeSnapshot(t, testConfig)

	m, cfg, err := Load(dir, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Layers != 5 {
		t.Errorf("expected 5 layers, got %d", cfg.Layers)
	}
	if m.Weights != nil {
		t.Error("lazy load must not materialize weights")
	}

	start, end := m.LayerRange()
	if start != 0 || end != 5 {
		t.Errorf("unpartitioned model should own all layers, got [%d,%d)", start, end)
	}
	if !m.HasEmbed() || !m.HasHead() {
		t.Error("unpartitioned model should own embed and head")
	}
}

func TestSlab(t *testing.T) {
	tests := []struct {
		layers, rank, size int
		start, end         int
	}{
		{5, 0, 1, 0, 5},
		{5, 0, 2, 0, 3},
		{5, 1, 2, 3, 5},
		{6, 0, 3, 0, 2},
		{6, 1, 3, 2, 4},
		{6, 2, 3, 4, 6},
		{7, 2, 3, 5, 7},
	}
	for _, tt := range tests {
		start, end := slab(tt.layers, tt.rank, tt.size)
		if start != tt.start || end != tt.end {
			t.Errorf("slab(%d, %d, %d) = [%d,%d), want [%d,%d)",
				tt.layers, tt.rank, tt.size, start, end, tt.start, tt.end)
		}
	}
}

// every layer lands on exactly one rank, in rank order
func TestSlabCoverage(t *testing.T) {
	for _, layers := range []int{1, 5, 8, 61} {
		for _, size := range []int{1, 2, 3, 4} {
			prev := 0
			for r := 0; r < size; r++ {
				start, end := slab(layers, r, size)
				if start != prev {
					t.Errorf("layers=%d size=%d rank=%d: gap or overlap at %d", layers, size, r, start)
				}
				prev = end
			}
			if prev != layers {
				t.Errorf("layers=%d size=%d: slabs cover %d layers", layers, size, prev)
			}
		}
	}
}

func TestPipelinePlacement(t *testing.T) {
	dir := writeSnapshot(t, testConfig)

	for rank := 0; rank < 3; rank++ {
		m, _, err := Load(dir, false)
		if err != nil {
			t.Fatal(err)
		}
		m.Pipeline(fakeGroup{rank: rank, size: 3})

		if m.HasEmbed() != (rank == 0) {
			t.Errorf("rank %d: embed placement wrong", rank)
		}
		if m.HasHead() != (rank == 2) {
			t.Errorf("rank %d: head placement wrong", rank)
		}

		params := m.Parameters()
		hasEmbed := false
		hasHead := false
		for _, p := range params {
			if p == EmbedParam {
				hasEmbed = true
			}
			if p == HeadParam || p == NormParam {
				hasHead = true
			}
		}
		if hasEmbed != (rank == 0) {
			t.Errorf("rank %d: Parameters embed mismatch", rank)
		}
		if hasHead != (rank == 2) {
			t.Errorf("rank %d: Parameters head mismatch", rank)
		}
	}
}

func TestPipelineDeterministic(t *testing.T) {
	dir := writeSnapshot(t, testConfig)

	m1, _, _ := Load(dir, false)
	m1.Pipeline(fakeGroup{rank: 1, size: 2})
	m2, _, _ := Load(dir, false)
	m2.Pipeline(fakeGroup{rank: 1, size: 2})

	a, b := m1.Parameters(), m2.Parameters()
	if len(a) != len(b) {
		t.Fatalf("parameter sets differ in size: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("parameter %d differs: %s vs %s", i, a[i], b[i])
		}
	}
}

func TestParametersTiedEmbeddings(t *testing.T) {
	cfg := strings.Replace(testConfig, `"rope_theta": 10000.0`,
		`"rope_theta": 10000.0, "tie_word_embeddings": true`, 1)
	dir := writeSnapshot(t, cfg)

	m, _, err := Load(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	m.Pipeline(fakeGroup{rank: 1, size: 2})

	sawEmbed := false
	for _, p := range m.Parameters() {
		if p == HeadParam {
			t.Error("tied model must not reference lm_head.weight")
		}
		if p == EmbedParam {
			sawEmbed = true
		}
	}
	if !sawEmbed {
		t.Error("tied last stage needs the embedding matrix")
	}
}

func TestEval(t *testing.T) {
	dir := writeSnapshot(t, testConfig)

	m, cfg, err := Load(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	m.Pipeline(fakeGroup{rank: 0, size: 1})

	// craft a weight file holding every parameter the stage needs
	tensors := map[string][]float32{}
	shapes := map[string][]int64{}
	for _, name := range m.Parameters() {
		tensors[name] = make([]float32, 4)
		shapes[name] = []int64{2, 2}
	}
	if err := safetensors.Write(filepath.Join(dir, "model.safetensors"), tensors, shapes); err != nil {
		t.Fatal(err)
	}

	if err := m.Eval(dir); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}

	want := 1 + 9*cfg.Layers + 2 // embed + per-layer + norm/head
	if len(m.Weights) != want {
		t.Errorf("expected %d materialized tensors, got %d", want, len(m.Weights))
	}

	if _, err := m.LayerWeight(0, "mlp.up_proj.weight"); err != nil {
		t.Errorf("LayerWeight failed: %v", err)
	}
	if _, err := m.Weight("nonexistent"); err == nil {
		t.Error("expected error for unknown weight")
	}
}

func TestEvalMissingParameter(t *testing.T) {
	dir := writeSnapshot(t, testConfig)

	m, _, err := Load(dir, false)
	if err != nil {
		t.Fatal(err)
	}

	// file with only one of the needed tensors
	err = safetensors.Write(filepath.Join(dir, "model.safetensors"),
		map[string][]float32{EmbedParam: {1, 2}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Eval(dir); err == nil {
		t.Error("expected Eval to fail on missing parameters")
	}
}

func TestEvalNoFiles(t *testing.T) {
	dir := writeSnapshot(t, testConfig)
	m, _, err := Load(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Eval(dir); err == nil {
		t.Error("expected Eval to fail with no weight files")
	}
}

func TestParameterNaming(t *testing.T) {
	dir := writeSnapshot(t, testConfig)
	m, _, _ := Load(dir, false)
	m.Pipeline(fakeGroup{rank: 0, size: 5})

	// rank 0 of 5 with 5 layers owns exactly layer 0
	for _, p := range m.Parameters() {
		if strings.HasPrefix(p, "model.layers.") && !strings.HasPrefix(p, "model.layers.0.") {
			t.Errorf("unexpected layer parameter %s", p)
		}
	}
	want := fmt.Sprintf("model.layers.%d.self_attn.q_proj.weight", 0)
	found := false
	for _, p := range m.Parameters() {
		if p == want {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s in parameter set", want)
	}
}
