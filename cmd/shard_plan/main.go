// Prints which weight files each pipeline rank would download for a
// checkpoint, without fetching any weights. Useful for sizing a cluster
// before committing to a multi-hour cold-cache download.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/23skdu/longbow-pipegen/internal/hub"
	"github.com/23skdu/longbow-pipegen/internal/logger"
	"github.com/23skdu/longbow-pipegen/internal/model"
	"github.com/23skdu/longbow-pipegen/internal/shard"
)

var (
	repo = flag.String("model", "", "HF repo or path to local model")
	size = flag.Int("size", 2, "Pipeline world size to plan for")
)

type plannedRank struct {
	rank, size int
}

func (p plannedRank) Rank() int { return p.rank }
func (p plannedRank) Size() int { return p.size }

func main() {
	flag.Parse()
	logger.Setup("warn", "console")

	if *repo == "" {
		fmt.Println("Error: -model flag is required")
		flag.Usage()
		os.Exit(1)
	}

	client := hub.NewClient()
	dir, err := client.Snapshot(context.Background(), *repo, []string{"*.json"})
	if err != nil {
		logger.Log.Fatal("snapshot metadata", "err", err)
	}

	index, err := shard.LoadWeightIndex(dir)
	if err != nil {
		logger.Log.Fatal("load weight index", "err", err)
	}

	for rank := 0; rank < *size; rank++ {
		m, _, err := model.Load(dir, false)
		if err != nil {
			logger.Log.Fatal("load model", "err", err)
		}
		m.Pipeline(plannedRank{rank: rank, size: *size})

		files, err := shard.LocalFiles(index, m.Parameters())
		if err != nil {
			logger.Log.Fatal("plan files", "rank", rank, "err", err)
		}

		start, end := m.LayerRange()
		fmt.Printf("rank %d: layers [%d,%d), %d params, %d files\n",
			rank, start, end, len(m.Parameters()), len(files))
		for _, f := range files {
			fmt.Printf("  %s\n", f)
		}
	}
}
