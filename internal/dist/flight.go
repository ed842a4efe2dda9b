package dist

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-pipegen/internal/logger"
	"github.com/23skdu/longbow-pipegen/internal/metrics"
)

// Tensors move between ranks as single-column Arrow record batches over
// Flight DoPut; the scalar reduction rides DoAction against rank 0.

const actionAllSum = "allsum"

var tensorSchema = arrow.NewSchema([]arrow.Field{
	{Name: "data", Type: arrow.PrimitiveTypes.Float32},
}, nil)

// Node is this process's Flight endpoint: a mailbox server peers push
// tensors into, plus the reduction state when this node is rank 0.
type Node struct {
	server flight.Server

	mu     sync.Mutex
	boxes  map[string]chan []float32
	rounds map[uint64]*reduceRound

	// set by NewGroup; 0 until then
	reduceNeed int
}

type reduceRound struct {
	sum  float64
	got  int
	done chan struct{}
}

// Listen starts the local Flight server. The address may use port 0; the
// bound address is available via Addr.
func Listen(addr string) (*Node, error) {
	n := &Node{
		boxes:  make(map[string]chan []float32),
		rounds: make(map[uint64]*reduceRound),
	}

	srv := flight.NewServerWithMiddleware(nil)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("flight listen %s: %w", addr, err)
	}
	srv.RegisterFlightService(&mailboxService{node: n})
	n.server = srv

	go func() {
		if err := srv.Serve(); err != nil {
			logger.Log.Error("flight server stopped", "err", err)
		}
	}()

	return n, nil
}

func (n *Node) Addr() string {
	return n.server.Addr().String()
}

func (n *Node) shutdown() {
	n.server.Shutdown()
}

func (n *Node) box(tag string) chan []float32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.boxes[tag]
	if !ok {
		ch = make(chan []float32, 8)
		n.boxes[tag] = ch
	}
	return ch
}

// contribute adds one rank's value to the round identified by seq and blocks
// until all ranks have contributed. Collectives are issued in the same order
// on every rank, so seq numbers line up across the group.
func (n *Node) contribute(seq uint64, v float64) float64 {
	n.mu.Lock()
	rd, ok := n.rounds[seq]
	if !ok {
		rd = &reduceRound{done: make(chan struct{})}
		n.rounds[seq] = rd
	}
	rd.sum += v
	rd.got++
	if rd.got == n.reduceNeed {
		close(rd.done)
		delete(n.rounds, seq)
	}
	n.mu.Unlock()

	<-rd.done
	return rd.sum
}

// mailboxService is the Flight handler backing a Node.
type mailboxService struct {
	flight.BaseFlightServer
	node *Node
}

func (s *mailboxService) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || len(desc.Path) == 0 {
		return status.Error(codes.InvalidArgument, "missing tensor tag")
	}
	tag := strings.Join(desc.Path, "/")

	for rdr.Next() {
		rec := rdr.Record()
		col, ok := rec.Column(0).(*array.Float32)
		if !ok {
			return status.Error(codes.InvalidArgument, "tensor column must be float32")
		}
		vals := make([]float32, col.Len())
		copy(vals, col.Float32Values())
		s.node.box(tag) <- vals
	}
	if err := rdr.Err(); err != nil && err != io.EOF {
		return err
	}
	return stream.Send(&flight.PutResult{})
}

func (s *mailboxService) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	if action.Type != actionAllSum {
		return status.Errorf(codes.Unimplemented, "action %s", action.Type)
	}
	if len(action.Body) != 16 {
		return status.Error(codes.InvalidArgument, "allsum body must be seq+value")
	}

	seq := binary.LittleEndian.Uint64(action.Body[:8])
	v := math.Float64frombits(binary.LittleEndian.Uint64(action.Body[8:]))

	sum := s.node.contribute(seq, v)

	var out [8]byte
	binary.LittleEndian.PutUint64(out[:], math.Float64bits(sum))
	return stream.Send(&flight.Result{Body: out[:]})
}

// flightGroup is a Group whose members talk Arrow Flight to each other.
// Rank 0 doubles as the reduction hub.
type flightGroup struct {
	node  *Node
	rank  int
	addrs []string

	mu      sync.Mutex
	clients map[int]flight.Client
	seq     uint64
}

// NewGroup wires a listening node into a group. addrs holds one Flight
// address per rank, this node's own at index rank.
func NewGroup(node *Node, rank int, addrs []string) (Group, error) {
	if rank < 0 || rank >= len(addrs) {
		return nil, fmt.Errorf("rank %d out of range for %d addrs", rank, len(addrs))
	}
	node.reduceNeed = len(addrs)
	return &flightGroup{
		node:    node,
		rank:    rank,
		addrs:   addrs,
		clients: make(map[int]flight.Client),
	}, nil
}

func (g *flightGroup) Rank() int { return g.rank }
func (g *flightGroup) Size() int { return len(g.addrs) }

func (g *flightGroup) peer(rank int) (flight.Client, error) {
	if rank == g.rank {
		return nil, fmt.Errorf("rank %d dialing itself", rank)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if cl, ok := g.clients[rank]; ok {
		return cl, nil
	}
	// WaitForReady keeps the first RPC blocked until the peer's server is
	// up, so ranks may start in any order.
	cl, err := flight.NewClientWithMiddleware(g.addrs[rank], nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.WaitForReady(true)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial rank %d at %s: %w", rank, g.addrs[rank], err)
	}
	g.clients[rank] = cl
	return cl, nil
}

func (g *flightGroup) nextSeq() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return g.seq
}

func (g *flightGroup) AllSum(ctx context.Context, v float64) (float64, error) {
	start := time.Now()
	defer func() { metrics.RecordCollective("allsum", time.Since(start)) }()

	seq := g.nextSeq()
	if g.rank == 0 {
		return g.node.contribute(seq, v), nil
	}

	cl, err := g.peer(0)
	if err != nil {
		return 0, err
	}

	body := make([]byte, 16)
	binary.LittleEndian.PutUint64(body[:8], seq)
	binary.LittleEndian.PutUint64(body[8:], math.Float64bits(v))

	stream, err := cl.DoAction(ctx, &flight.Action{Type: actionAllSum, Body: body})
	if err != nil {
		return 0, err
	}
	res, err := stream.Recv()
	if err != nil {
		return 0, err
	}
	if len(res.Body) != 8 {
		return 0, fmt.Errorf("short allsum reply: %d bytes", len(res.Body))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(res.Body)), nil
}

func (g *flightGroup) Barrier(ctx context.Context) error {
	start := time.Now()
	defer func() { metrics.RecordCollective("barrier", time.Since(start)) }()

	_, err := g.AllSum(ctx, 1)
	return err
}

func (g *flightGroup) Send(ctx context.Context, peer int, tag string, vals []float32) error {
	start := time.Now()
	defer func() { metrics.RecordCollective("send", time.Since(start)) }()

	cl, err := g.peer(peer)
	if err != nil {
		return err
	}

	b := array.NewFloat32Builder(memory.DefaultAllocator)
	defer b.Release()
	b.AppendValues(vals, nil)
	arr := b.NewFloat32Array()
	defer arr.Release()
	rec := array.NewRecord(tensorSchema, []arrow.Array{arr}, int64(len(vals)))
	defer rec.Release()

	stream, err := cl.DoPut(ctx)
	if err != nil {
		return err
	}
	wr := flight.NewRecordWriter(stream, ipc.WithSchema(tensorSchema))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{tag},
	})
	if err := wr.Write(rec); err != nil {
		return err
	}
	if err := wr.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	// wait for the ack so the tensor is in the peer's mailbox when we return
	for {
		if _, err := stream.Recv(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (g *flightGroup) Recv(ctx context.Context, tag string) ([]float32, error) {
	start := time.Now()
	defer func() { metrics.RecordCollective("recv", time.Since(start)) }()

	select {
	case vals := <-g.node.box(tag):
		return vals, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *flightGroup) Close() error {
	g.mu.Lock()
	for _, cl := range g.clients {
		_ = cl.Close()
	}
	g.clients = make(map[int]flight.Client)
	g.mu.Unlock()
	g.node.shutdown()
	return nil
}
