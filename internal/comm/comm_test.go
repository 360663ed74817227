package comm

import (
	"errors"
	"sync"
	"testing"
	"time"

	"gorgonia.org/tensor"
)

func denseOf(vals ...float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(len(vals)), tensor.WithBacking(vals))
}

func TestNullIsIdentity(t *testing.T) {
	d := denseOf(1, 2, 3)
	if err := (Null{}).AllReduce([]*tensor.Dense{d}, false); err != nil {
		t.Fatalf("AllReduce: %v", err)
	}
	got := d.Data().([]float32)
	if got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("null communicator modified buffer: %v", got)
	}
}

func TestLocalGroupSums(t *testing.T) {
	group := NewLocalGroup(2)
	a := denseOf(1, 2)
	b := denseOf(10, 20)

	var wg sync.WaitGroup
	for rank, buf := range []*tensor.Dense{a, b} {
		wg.Add(1)
		go func(rank int, buf *tensor.Dense) {
			defer wg.Done()
			if err := group.Communicator(rank).AllReduce([]*tensor.Dense{buf}, false); err != nil {
				t.Errorf("rank %d: %v", rank, err)
			}
		}(rank, buf)
	}
	wg.Wait()

	for _, buf := range []*tensor.Dense{a, b} {
		got := buf.Data().([]float32)
		if got[0] != 11 || got[1] != 22 {
			t.Fatalf("unexpected reduction: %v", got)
		}
	}
}

func TestLocalGroupAbortUnblocksPeers(t *testing.T) {
	group := NewLocalGroup(2)

	result := make(chan error, 1)
	go func() {
		result <- group.Communicator(0).AllReduce([]*tensor.Dense{denseOf(1)}, false)
	}()

	// Replica 1 never arrives; abort in its place.
	cause := errors.New("replica quit")
	time.Sleep(10 * time.Millisecond)
	group.Abort(cause)

	select {
	case err := <-result:
		if !errors.Is(err, cause) {
			t.Fatalf("expected abort cause, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AllReduce still blocked after abort")
	}

	// The failure is sticky for late arrivals too.
	if err := group.Communicator(1).AllReduce([]*tensor.Dense{denseOf(1)}, false); !errors.Is(err, cause) {
		t.Fatalf("expected sticky abort cause, got %v", err)
	}
}

func TestLocalGroupAverage(t *testing.T) {
	group := NewLocalGroup(2)
	a := denseOf(4)
	b := denseOf(2)

	var wg sync.WaitGroup
	for rank, buf := range []*tensor.Dense{a, b} {
		wg.Add(1)
		go func(rank int, buf *tensor.Dense) {
			defer wg.Done()
			if err := group.Communicator(rank).AllReduce([]*tensor.Dense{buf}, true); err != nil {
				t.Errorf("rank %d: %v", rank, err)
			}
		}(rank, buf)
	}
	wg.Wait()

	if got := a.Data().([]float32)[0]; got != 3 {
		t.Fatalf("expected mean 3, got %v", got)
	}
}
