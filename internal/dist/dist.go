package dist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Group membership comes from the process launcher, not from flags: the
// launcher exports rank, world size and a hostfile listing one host:port per
// rank (rank = index).
const (
	EnvRank      = "PIPEGEN_RANK"
	EnvWorldSize = "PIPEGEN_WORLD_SIZE"
	EnvHostfile  = "PIPEGEN_HOSTFILE"
)

// Group is a fixed set of cooperating processes. All collective operations
// block until every participant has entered them; there is no local timeout,
// so a stuck peer stalls the group (cancel the context to bail out).
type Group interface {
	Rank() int
	Size() int

	// AllSum reduces one float64 across the group and returns the total to
	// every rank.
	AllSum(ctx context.Context, v float64) (float64, error)

	// Barrier blocks until every rank has reached it.
	Barrier(ctx context.Context) error

	// Send delivers a float32 tensor to peer's mailbox under tag.
	Send(ctx context.Context, peer int, tag string, vals []float32) error

	// Recv blocks until a tensor arrives in the local mailbox under tag.
	Recv(ctx context.Context, tag string) ([]float32, error)

	Close() error
}

// Init bootstraps the group from the environment. With no launcher vars set
// (or world size 1) the process runs alone and gets a no-op group.
func Init(ctx context.Context) (Group, error) {
	size := 1
	if v := os.Getenv(EnvWorldSize); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("bad %s: %w", EnvWorldSize, err)
		}
		size = n
	}
	if size <= 1 {
		return NullGroup(), nil
	}

	rank, err := strconv.Atoi(os.Getenv(EnvRank))
	if err != nil {
		return nil, fmt.Errorf("bad %s: %w", EnvRank, err)
	}

	hostfile := os.Getenv(EnvHostfile)
	if hostfile == "" {
		return nil, fmt.Errorf("%s required for world size %d", EnvHostfile, size)
	}
	data, err := os.ReadFile(hostfile)
	if err != nil {
		return nil, err
	}
	var hosts []string
	if err := json.Unmarshal(data, &hosts); err != nil {
		return nil, fmt.Errorf("parse hostfile: %w", err)
	}
	if len(hosts) != size {
		return nil, fmt.Errorf("hostfile has %d entries, world size is %d", len(hosts), size)
	}
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("rank %d out of range for world size %d", rank, size)
	}

	node, err := Listen(hosts[rank])
	if err != nil {
		return nil, err
	}
	return NewGroup(node, rank, hosts)
}
