package tokenizer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/23skdu/longbow-pipegen/internal/logger"
)

const (
	VocabFile  = "tokenizer.json"
	ConfigFile = "tokenizer_config.json"
)

// Byte-level BPE vocabularies store a space as Ġ and a newline as Ċ.
const (
	spaceMarker   = "Ġ"
	newlineMarker = "Ċ"
)

type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int

	eos     map[int]bool
	maxTok  int // longest token length in bytes, bounds the encode scan
	special specialConfig
}

// tokenizer.json subset we consume
type vocabFile struct {
	Model struct {
		Vocab map[string]int `json:"vocab"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
}

type specialConfig struct {
	BOSToken string
	EOSToken string
}

// tokenizer_config.json stores special tokens either as plain strings or as
// {"content": ...} objects depending on the exporter.
type flexToken string

func (f *flexToken) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexToken(s)
		return nil
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*f = flexToken(obj.Content)
	return nil
}

type tokenizerConfig struct {
	BOSToken flexToken `json:"bos_token"`
	EOSToken flexToken `json:"eos_token"`
}

// Load reads the tokenizer assets from a snapshot directory. eosIDs, when
// non-nil, overrides the tokenizer's own end-of-sequence ids with the ones
// the model config declares.
func Load(dir string, eosIDs []int) (*Tokenizer, error) {
	data, err := os.ReadFile(filepath.Join(dir, VocabFile))
	if err != nil {
		return nil, err
	}
	var vf vocabFile
	if err := json.Unmarshal(data, &vf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", VocabFile, err)
	}
	if len(vf.Model.Vocab) == 0 {
		return nil, fmt.Errorf("%s has no vocab", VocabFile)
	}

	maxID := 0
	for _, id := range vf.Model.Vocab {
		if id > maxID {
			maxID = id
		}
	}
	for _, at := range vf.AddedTokens {
		if at.ID > maxID {
			maxID = at.ID
		}
	}

	t := &Tokenizer{
		Tokens: make([]string, maxID+1),
		Vocab:  make(map[string]int, len(vf.Model.Vocab)+len(vf.AddedTokens)),
		eos:    make(map[int]bool),
	}
	for tok, id := range vf.Model.Vocab {
		t.Tokens[id] = tok
		t.Vocab[tok] = id
		if len(tok) > t.maxTok {
			t.maxTok = len(tok)
		}
	}
	for _, at := range vf.AddedTokens {
		t.Tokens[at.ID] = at.Content
		t.Vocab[at.Content] = at.ID
		if len(at.Content) > t.maxTok {
			t.maxTok = len(at.Content)
		}
	}

	// tokenizer_config.json is optional
	if data, err := os.ReadFile(filepath.Join(dir, ConfigFile)); err == nil {
		var tc tokenizerConfig
		if err := json.Unmarshal(data, &tc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", ConfigFile, err)
		}
		t.special.BOSToken = string(tc.BOSToken)
		t.special.EOSToken = string(tc.EOSToken)
	}

	switch {
	case len(eosIDs) > 0:
		for _, id := range eosIDs {
			t.eos[id] = true
		}
	case t.special.EOSToken != "":
		if id, ok := t.Vocab[t.special.EOSToken]; ok {
			t.eos[id] = true
		}
	}

	return t, nil
}

// Encode maps text to token ids by greedy longest-match against the vocab
// after byte-level marker substitution. Not a faithful BPE merge walk, but
// exact for vocabularies whose merges are all present as entries.
func (t *Tokenizer) Encode(text string) []int {
	s := strings.ReplaceAll(text, " ", spaceMarker)
	s = strings.ReplaceAll(s, "\n", newlineMarker)

	var ids []int
	for len(s) > 0 {
		end := len(s)
		if end > t.maxTok {
			end = t.maxTok
		}
		matched := false
		for l := end; l > 0; l-- {
			if id, ok := t.Vocab[s[:l]]; ok {
				ids = append(ids, id)
				s = s[l:]
				matched = true
				break
			}
		}
		if !matched {
			// no vocab entry covers this byte; skip it
			logger.Log.Warn("no token for input byte", "byte", fmt.Sprintf("%#x", s[0]))
			s = s[1:]
		}
	}
	return ids
}

func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) {
			continue
		}
		sb.WriteString(t.Tokens[id])
	}
	s := strings.ReplaceAll(sb.String(), spaceMarker, " ")
	return strings.ReplaceAll(s, newlineMarker, "\n")
}

// IsEOS reports whether id terminates generation.
func (t *Tokenizer) IsEOS(id int) bool {
	return t.eos[id]
}

// EOSIDs returns the configured end-of-sequence ids.
func (t *Tokenizer) EOSIDs() []int {
	var ids []int
	for id := range t.eos {
		ids = append(ids, id)
	}
	return ids
}
