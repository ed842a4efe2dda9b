package shard

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// IndexFile is the weight-index manifest emitted alongside sharded
// checkpoints: parameter name -> containing shard file.
const IndexFile = "model.safetensors.index.json"

var ErrParamNotIndexed = errors.New("parameter missing from weight index")

// WeightIndex maps flattened parameter names to shard filenames.
type WeightIndex map[string]string

type indexFile struct {
	WeightMap map[string]string `json:"weight_map"`
}

// LoadWeightIndex reads the manifest from a snapshot directory.
func LoadWeightIndex(dir string) (WeightIndex, error) {
	data, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if err != nil {
		return nil, err
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse %s: %w", IndexFile, err)
	}
	return idx.WeightMap, nil
}

// LocalFiles resolves a parameter-name set to the set of shard files holding
// them: {index[p] for p in params}, deduplicated and sorted. A parameter
// absent from the index is fatal.
func LocalFiles(index WeightIndex, params []string) ([]string, error) {
	seen := make(map[string]bool)
	var files []string
	for _, p := range params {
		file, ok := index[p]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrParamNotIndexed, p)
		}
		if !seen[file] {
			seen[file] = true
			files = append(files, file)
		}
	}
	sort.Strings(files)
	return files, nil
}
