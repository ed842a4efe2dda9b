package dist

import (
	"context"
	"sync"
	"testing"
	"time"
)

// startGroup brings up n in-process members on loopback.
func startGroup(t *testing.T, n int) []Group {
	t.Helper()

	nodes := make([]*Node, n)
	addrs := make([]string, n)
	for i := 0; i < n; i++ {
		node, err := Listen("127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen rank %d: %v", i, err)
		}
		nodes[i] = node
		addrs[i] = node.Addr()
	}

	groups := make([]Group, n)
	for i := 0; i < n; i++ {
		g, err := NewGroup(nodes[i], i, addrs)
		if err != nil {
			t.Fatalf("group rank %d: %v", i, err)
		}
		groups[i] = g
		t.Cleanup(func() { g.Close() })
	}
	return groups
}

func TestNullGroup(t *testing.T) {
	g := NullGroup()
	if g.Rank() != 0 || g.Size() != 1 {
		t.Errorf("expected rank 0 size 1, got %d/%d", g.Rank(), g.Size())
	}
	sum, err := g.AllSum(context.Background(), 3.5)
	if err != nil || sum != 3.5 {
		t.Errorf("AllSum = %v, %v", sum, err)
	}
	if err := g.Barrier(context.Background()); err != nil {
		t.Errorf("Barrier failed: %v", err)
	}
	if err := g.Send(context.Background(), 0, "x", nil); err == nil {
		t.Error("expected Send to fail on single-process group")
	}
}

func TestAllSum(t *testing.T) {
	groups := startGroup(t, 3)

	results := make([]float64, 3)
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g Group) {
			defer wg.Done()
			sum, err := g.AllSum(context.Background(), float64(i+1))
			if err != nil {
				t.Errorf("rank %d AllSum: %v", i, err)
				return
			}
			results[i] = sum
		}(i, g)
	}
	wg.Wait()

	for i, sum := range results {
		if sum != 6 {
			t.Errorf("rank %d got %f, want 6", i, sum)
		}
	}
}

func TestAllSumSequencing(t *testing.T) {
	groups := startGroup(t, 2)

	// two back-to-back collectives must not bleed into each other
	var wg sync.WaitGroup
	got := make([][2]float64, 2)
	for i, g := range groups {
		wg.Add(1)
		go func(i int, g Group) {
			defer wg.Done()
			a, err := g.AllSum(context.Background(), 1)
			if err != nil {
				t.Errorf("rank %d first AllSum: %v", i, err)
				return
			}
			b, err := g.AllSum(context.Background(), 10)
			if err != nil {
				t.Errorf("rank %d second AllSum: %v", i, err)
				return
			}
			got[i] = [2]float64{a, b}
		}(i, g)
	}
	wg.Wait()

	for i := range got {
		if got[i][0] != 2 || got[i][1] != 20 {
			t.Errorf("rank %d got %v, want [2 20]", i, got[i])
		}
	}
}

func TestSendRecv(t *testing.T) {
	groups := startGroup(t, 2)

	want := []float32{1.5, -2, 0, 42}
	errc := make(chan error, 1)
	go func() {
		errc <- groups[0].Send(context.Background(), 1, "h/0", want)
	}()

	got, err := groups[1].Recv(context.Background(), "h/0")
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d: expected %f, got %f", i, want[i], got[i])
		}
	}
}

func TestSendRecvTagsIndependent(t *testing.T) {
	groups := startGroup(t, 2)

	go groups[0].Send(context.Background(), 1, "h/1", []float32{2})
	go groups[0].Send(context.Background(), 1, "h/0", []float32{1})

	first, err := groups[1].Recv(context.Background(), "h/0")
	if err != nil {
		t.Fatal(err)
	}
	second, err := groups[1].Recv(context.Background(), "h/1")
	if err != nil {
		t.Fatal(err)
	}
	if first[0] != 1 || second[0] != 2 {
		t.Errorf("tags crossed: got %v and %v", first, second)
	}
}

// A barrier with a member missing must block, not silently proceed.
func TestBarrierBlocksOnMissingMember(t *testing.T) {
	groups := startGroup(t, 3)

	done := make(chan int, 2)
	for _, i := range []int{0, 1} {
		go func(i int) {
			groups[i].Barrier(context.Background())
			done <- i
		}(i)
	}

	select {
	case i := <-done:
		t.Fatalf("rank %d passed the barrier without rank 2", i)
	case <-time.After(300 * time.Millisecond):
		// still blocked: correct
	}

	// the straggler arrives and everyone is released
	go groups[2].Barrier(context.Background())
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("barrier did not release after last rank arrived")
		}
	}
}

func TestRecvContextCancel(t *testing.T) {
	groups := startGroup(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if _, err := groups[1].Recv(ctx, "never"); err == nil {
		t.Error("expected Recv to fail after cancel")
	}
}
