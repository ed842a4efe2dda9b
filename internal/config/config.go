package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigFile is the expected name inside a model snapshot directory.
const ConfigFile = "config.json"

// Config holds the model hyper-parameters read from config.json.
// JSON tags follow the on-disk keys used by llama-family checkpoints.
type Config struct {
	Architectures     []string `json:"architectures"`
	ModelType         string   `json:"model_type"`
	Dim               int      `json:"hidden_size"`
	HiddenDim         int      `json:"intermediate_size"`
	Layers            int      `json:"num_hidden_layers"`
	Heads             int      `json:"num_attention_heads"`
	KVHeads           int      `json:"num_key_value_heads"`
	VocabSize         int      `json:"vocab_size"`
	SeqLen            int      `json:"max_position_embeddings"`
	Eps               float32  `json:"rms_norm_eps"`
	RopeTheta         float32  `json:"rope_theta"`
	TieWordEmbeddings bool     `json:"tie_word_embeddings"`

	// eos_token_id is an int in some checkpoints and a list in others
	RawEOSTokenID json.RawMessage `json:"eos_token_id"`

	HeadDim int `json:"-"`
}

var supportedArchitectures = map[string]bool{
	"llamaforcausallm":   true,
	"mistralforcausallm": true,
	"qwen2forcausallm":   true,
}

// Load reads config.json from a snapshot directory. Unknown keys are always
// tolerated; strict additionally rejects architectures we have no layer
// naming for.
func Load(dir string, strict bool) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(dir, ConfigFile))
	if err != nil {
		return nil, err
	}

	c := Default()
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ConfigFile, err)
	}

	// GQA fields are optional; default to MHA
	if c.KVHeads == 0 {
		c.KVHeads = c.Heads
	}
	if c.Heads > 0 {
		c.HeadDim = c.Dim / c.Heads
	}

	if strict {
		known := false
		for _, a := range c.Architectures {
			if supportedArchitectures[strings.ToLower(a)] {
				known = true
			}
		}
		if !known {
			return nil, fmt.Errorf("unsupported architectures %v", c.Architectures)
		}
	}

	return &c, nil
}

// EOSTokenIDs normalizes eos_token_id to a list. Returns nil when the
// checkpoint does not declare one.
func (c *Config) EOSTokenIDs() []int {
	if len(c.RawEOSTokenID) == 0 {
		return nil
	}
	var single int
	if err := json.Unmarshal(c.RawEOSTokenID, &single); err == nil {
		return []int{single}
	}
	var many []int
	if err := json.Unmarshal(c.RawEOSTokenID, &many); err == nil {
		return many
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("invalid hidden_size: %d (must be positive)", c.Dim)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid num_hidden_layers: %d (must be positive)", c.Layers)
	}
	if c.Heads <= 0 {
		return fmt.Errorf("invalid num_attention_heads: %d (must be positive)", c.Heads)
	}
	if c.KVHeads <= 0 {
		return fmt.Errorf("invalid num_key_value_heads: %d (must be positive)", c.KVHeads)
	}
	if c.KVHeads > c.Heads {
		return fmt.Errorf("invalid num_key_value_heads: %d (must be <= heads: %d)", c.KVHeads, c.Heads)
	}
	if c.Heads%c.KVHeads != 0 {
		return fmt.Errorf("heads (%d) not divisible by kv heads (%d)", c.Heads, c.KVHeads)
	}
	if c.Dim%c.Heads != 0 {
		return fmt.Errorf("hidden_size (%d) not divisible by heads (%d)", c.Dim, c.Heads)
	}
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", c.VocabSize)
	}
	if c.SeqLen <= 0 {
		return fmt.Errorf("invalid max_position_embeddings: %d (must be positive)", c.SeqLen)
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid rms_norm_eps: %f (must be positive)", c.Eps)
	}
	if c.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if c.HiddenDim <= 0 {
		return fmt.Errorf("invalid intermediate_size: %d (must be positive)", c.HiddenDim)
	}
	return nil
}

func Default() Config {
	return Config{
		SeqLen:    2048,
		Eps:       1e-5,
		RopeTheta: 10000.0,
	}
}
