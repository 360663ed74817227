// Package comm abstracts gradient exchange between data-parallel workers.
// Heavy-duty transport belongs to an external communicator; this package
// only defines the seam the trainer calls through, a single-process
// implementation, and an in-process group used by multi-replica tests.
package comm

import (
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Communicator synchronizes tensors across workers.
type Communicator interface {
	Rank() int
	Size() int
	// AllReduce sums the tensors elementwise across all workers and
	// writes the result back into every worker's buffers. With average
	// set, the sum is divided by Size().
	AllReduce(bufs []*tensor.Dense, average bool) error
}

// Null is the single-process communicator.
type Null struct{}

func (Null) Rank() int { return 0 }
func (Null) Size() int { return 1 }

func (Null) AllReduce(bufs []*tensor.Dense, average bool) error { return nil }

// LocalGroup couples n in-process replicas. Each replica obtains its own
// Communicator and calls AllReduce from its own goroutine; the call blocks
// until every replica of the group has arrived.
type LocalGroup struct {
	n          int
	mu         sync.Mutex
	cond       *sync.Cond
	pending    [][]*tensor.Dense
	average    bool
	arrived    int
	generation uint64
	err        error
	failed     error
}

// NewLocalGroup builds a group of n replicas.
func NewLocalGroup(n int) *LocalGroup {
	g := &LocalGroup{n: n, pending: make([][]*tensor.Dense, n)}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Communicator returns the handle for one replica.
func (g *LocalGroup) Communicator(rank int) Communicator {
	return &localComm{group: g, rank: rank}
}

// Abort marks the group failed and wakes every replica blocked in
// AllReduce. A replica that exits early must abort the group, or its
// peers would wait for it forever. The failure is sticky: all later
// AllReduce calls return it.
func (g *LocalGroup) Abort(err error) {
	if err == nil {
		err = errors.New("comm: group aborted")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failed == nil {
		g.failed = err
	}
	g.cond.Broadcast()
}

type localComm struct {
	group *LocalGroup
	rank  int
}

func (c *localComm) Rank() int { return c.rank }
func (c *localComm) Size() int { return c.group.n }

func (c *localComm) AllReduce(bufs []*tensor.Dense, average bool) error {
	return c.group.allReduce(c.rank, bufs, average)
}

func (g *LocalGroup) allReduce(rank int, bufs []*tensor.Dense, average bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failed != nil {
		return g.failed
	}
	g.pending[rank] = bufs
	g.average = average
	g.arrived++
	gen := g.generation

	if g.arrived == g.n {
		g.err = g.reduceLocked()
		g.arrived = 0
		g.generation++
		g.cond.Broadcast()
		return g.err
	}
	for g.generation == gen && g.failed == nil {
		g.cond.Wait()
	}
	if g.failed != nil {
		return g.failed
	}
	return g.err
}

// reduceLocked sums replica buffers index by index and copies the result
// back into every replica.
func (g *LocalGroup) reduceLocked() error {
	width := len(g.pending[0])
	for rank := 1; rank < g.n; rank++ {
		if len(g.pending[rank]) != width {
			return errors.Errorf("comm: replica %d reduced %d tensors, replica 0 reduced %d",
				rank, len(g.pending[rank]), width)
		}
	}
	for i := 0; i < width; i++ {
		first, ok := g.pending[0][i].Data().([]float32)
		if !ok {
			return errors.Errorf("comm: tensor %d is not float32", i)
		}
		sum := make([]float32, len(first))
		copy(sum, first)
		for rank := 1; rank < g.n; rank++ {
			data, ok := g.pending[rank][i].Data().([]float32)
			if !ok || len(data) != len(sum) {
				return errors.Errorf("comm: replica %d tensor %d layout mismatch", rank, i)
			}
			for j, v := range data {
				sum[j] += v
			}
		}
		if g.average {
			inv := float32(1) / float32(g.n)
			for j := range sum {
				sum[j] *= inv
			}
		}
		for rank := 0; rank < g.n; rank++ {
			copy(g.pending[rank][i].Data().([]float32), sum)
		}
	}
	return nil
}
