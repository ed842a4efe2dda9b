package dist

import (
	"context"
	"errors"
)

var errNoPeers = errors.New("single-process group has no peers")

// nullGroup is the degenerate single-process group: collectives are no-ops
// and point-to-point transfers are errors (a one-stage pipeline never sends).
type nullGroup struct{}

// NullGroup returns a group of size 1 with rank 0.
func NullGroup() Group {
	return nullGroup{}
}

func (nullGroup) Rank() int { return 0 }
func (nullGroup) Size() int { return 1 }

func (nullGroup) AllSum(_ context.Context, v float64) (float64, error) { return v, nil }
func (nullGroup) Barrier(context.Context) error                       { return nil }

func (nullGroup) Send(context.Context, int, string, []float32) error { return errNoPeers }
func (nullGroup) Recv(context.Context, string) ([]float32, error)    { return nil, errNoPeers }

func (nullGroup) Close() error { return nil }
