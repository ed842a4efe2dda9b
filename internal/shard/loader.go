package shard

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/23skdu/longbow-pipegen/internal/dist"
	"github.com/23skdu/longbow-pipegen/internal/hub"
	"github.com/23skdu/longbow-pipegen/internal/logger"
	"github.com/23skdu/longbow-pipegen/internal/metrics"
	"github.com/23skdu/longbow-pipegen/internal/model"
	"github.com/23skdu/longbow-pipegen/internal/tokenizer"
)

// Everything except the weight shards: config, tokenizer assets, modeling
// code shipped with the checkpoint.
var metadataPatterns = []string{"*.json", "*.py", "tokenizer.model", "*.tiktoken", "*.txt"}

// Load produces a ready-to-generate model and tokenizer for this rank's
// pipeline stage, downloading only the weight files the stage needs.
//
// Two-phase: a metadata-only lazy load is partitioned first purely to learn
// which parameters this rank owns; the weight-bearing load afterwards
// repeats the same deterministic partition and materializes it.
func Load(ctx context.Context, client *hub.Client, repo string, group dist.Group) (*model.Model, *tokenizer.Tokenizer, error) {
	dir, err := client.Snapshot(ctx, repo, metadataPatterns)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot metadata: %w", err)
	}

	probe, cfg, err := model.Load(dir, false)
	if err != nil {
		return nil, nil, err
	}
	probe.Pipeline(group)

	params := probe.Parameters()
	metrics.ShardParamsLocal.Set(float64(len(params)))

	files, err := planFiles(dir, params)
	if err != nil {
		return nil, nil, err
	}
	metrics.ShardFilesLocal.Set(float64(len(files)))
	logger.Log.Info("shard plan",
		"rank", group.Rank(), "params", len(params), "files", len(files))

	if _, err := client.Snapshot(ctx, repo, files); err != nil {
		return nil, nil, fmt.Errorf("snapshot weights: %w", err)
	}

	tok, err := tokenizer.Load(dir, cfg.EOSTokenIDs())
	if err != nil {
		return nil, nil, fmt.Errorf("tokenizer: %w", err)
	}

	// The probe's state is discarded: reload lazily, partition again, and
	// only now pay for the tensor bytes.
	m, _, err := model.Load(dir, false)
	if err != nil {
		return nil, nil, err
	}
	m.Pipeline(group)
	if err := m.Eval(dir); err != nil {
		return nil, nil, err
	}

	// Synchronize before generation. On a cold cache the slowest rank may
	// still be downloading; entering the pipelined forward without it would
	// strand the others in a receive that never completes.
	if _, err := group.AllSum(ctx, 1); err != nil {
		return nil, nil, fmt.Errorf("post-download sync: %w", err)
	}

	return m, tok, nil
}

// planFiles maps this stage's parameters to weight files via the manifest.
// Single-file checkpoints ship no index; fall back to the one file.
func planFiles(dir string, params []string) ([]string, error) {
	index, err := LoadWeightIndex(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{"model.safetensors"}, nil
		}
		return nil, err
	}
	return LocalFiles(index, params)
}
