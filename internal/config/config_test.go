package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return dir
}

const validConfig = `{
	"architectures": ["LlamaForCausalLM"],
	"model_type": "llama",
	"hidden_size": 64,
	"intermediate_size": 128,
	"num_hidden_layers": 4,
	"num_attention_heads": 8,
	"num_key_value_heads": 2,
	"vocab_size": 256,
	"max_position_embeddings": 512,
	"rms_norm_eps": 1e-6,
	"rope_theta": 10000.0,
	"eos_token_id": 2,
	"some_future_key": {"nested": true}
}`

func TestLoadPermissive(t *testing.T) {
	dir := writeConfig(t, validConfig)

	c, err := Load(dir, false)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Dim != 64 {
		t.Errorf("expected hidden_size 64, got %d", c.Dim)
	}
	if c.Layers != 4 {
		t.Errorf("expected 4 layers, got %d", c.Layers)
	}
	if c.KVHeads != 2 {
		t.Errorf("expected 2 kv heads, got %d", c.KVHeads)
	}
	if c.HeadDim != 8 {
		t.Errorf("expected head_dim 8, got %d", c.HeadDim)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadStrictUnknownArchitecture(t *testing.T) {
	dir := writeConfig(t, `{"architectures": ["SomethingElse"], "hidden_size": 64}`)

	if _, err := Load(dir, true); err == nil {
		t.Error("expected strict load to reject unknown architecture")
	}
	if _, err := Load(dir, false); err != nil {
		t.Errorf("permissive load should tolerate unknown architecture: %v", err)
	}
}

func TestEOSTokenIDs(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []int
	}{
		{"scalar", `{"eos_token_id": 2}`, []int{2}},
		{"list", `{"eos_token_id": [2, 151643]}`, []int{2, 151643}},
		{"absent", `{}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfig(t, tt.body)
			c, err := Load(dir, false)
			if err != nil {
				t.Fatal(err)
			}
			got := c.EOSTokenIDs()
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestDefaultKVHeads(t *testing.T) {
	dir := writeConfig(t, `{"hidden_size": 32, "num_attention_heads": 4}`)
	c, err := Load(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	if c.KVHeads != 4 {
		t.Errorf("expected kv heads to default to heads (4), got %d", c.KVHeads)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Dim: 64, HiddenDim: 128, Layers: 4, Heads: 8, KVHeads: 2,
			VocabSize: 256, SeqLen: 512, Eps: 1e-6, RopeTheta: 10000.0,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero dim", func(c *Config) { c.Dim = 0 }, true},
		{"zero layers", func(c *Config) { c.Layers = 0 }, true},
		{"kv heads exceed heads", func(c *Config) { c.KVHeads = 16 }, true},
		{"heads not divisible", func(c *Config) { c.KVHeads = 3 }, true},
		{"dim not divisible by heads", func(c *Config) { c.Dim = 60 }, true},
		{"zero vocab", func(c *Config) { c.VocabSize = 0 }, true},
		{"zero eps", func(c *Config) { c.Eps = 0 }, true},
		{"zero rope theta", func(c *Config) { c.RopeTheta = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(t.TempDir(), false); err == nil {
		t.Error("expected error for missing config.json")
	}
}
