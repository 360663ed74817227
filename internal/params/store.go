// Package params keeps every learnable tensor of a training run in one
// named registry. Graphs for the generator and discriminator steps are
// built separately but share the same backing tensors, so a solver update
// made while running one graph is visible to the other.
package params

import (
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// InstanceNormSegment marks scale/bias tensors belonging to instance
// normalization. Those are excluded from solver parameter sets.
const InstanceNormSegment = "instnorm"

// Store is a registry of named parameter tensors.
type Store struct {
	mu     sync.Mutex
	rng    *rand.Rand
	order  []string
	values map[string]*tensor.Dense
}

// NewStore builds an empty store seeded for deterministic initialization.
func NewStore(seed int64) *Store {
	return &Store{
		rng:    rand.New(rand.NewSource(seed)),
		values: make(map[string]*tensor.Dense),
	}
}

// Dense returns the named tensor, creating it with init when absent.
func (s *Store) Dense(name string, shape tensor.Shape, init func(rng *rand.Rand, data []float32)) *tensor.Dense {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.values[name]; ok {
		return d
	}
	data := make([]float32, shape.TotalSize())
	if init != nil {
		init(s.rng, data)
	}
	d := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data))
	s.values[name] = d
	s.order = append(s.order, name)
	return d
}

// Get returns the named tensor if registered.
func (s *Store) Get(name string) (*tensor.Dense, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.values[name]
	return d, ok
}

// Set copies src into the named tensor. Unknown names are registered as-is
// so checkpoints may carry tensors the current graph does not use yet.
func (s *Store) Set(name string, src *tensor.Dense) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dst, ok := s.values[name]
	if !ok {
		s.values[name] = src
		s.order = append(s.order, name)
		return nil
	}
	if !dst.Shape().Eq(src.Shape()) {
		return errors.Errorf("params: %s shape mismatch: have %v, checkpoint %v", name, dst.Shape(), src.Shape())
	}
	dstData, ok := dst.Data().([]float32)
	if !ok {
		return errors.Errorf("params: %s is not float32", name)
	}
	srcData, ok := src.Data().([]float32)
	if !ok {
		return errors.Errorf("params: checkpoint tensor %s is not float32", name)
	}
	copy(dstData, srcData)
	return nil
}

// Names returns registration order.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Filtered returns the names under prefix, sorted. When ignoreInstanceNorm
// is set, instance normalization scale/bias tensors are skipped; loading
// them from a checkpoint must not mark them trainable.
func (s *Store) Filtered(prefix string, ignoreInstanceNorm bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, name := range s.order {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if ignoreInstanceNorm && isInstanceNorm(name) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func isInstanceNorm(name string) bool {
	parts := strings.Split(name, "/")
	return len(parts) >= 2 && parts[len(parts)-2] == InstanceNormSegment
}

// GlorotN initializes with a normal distribution scaled by fan-in/fan-out.
func GlorotN(gain float64, shape tensor.Shape) func(*rand.Rand, []float32) {
	fanIn, fanOut := fans(shape)
	std := gain * math.Sqrt(2.0/float64(fanIn+fanOut))
	return func(rng *rand.Rand, data []float32) {
		for i := range data {
			data[i] = float32(rng.NormFloat64() * std)
		}
	}
}

// Zeros leaves the tensor at its zero value.
func Zeros() func(*rand.Rand, []float32) { return nil }

// Ones fills the tensor with ones.
func Ones() func(*rand.Rand, []float32) {
	return func(_ *rand.Rand, data []float32) {
		for i := range data {
			data[i] = 1
		}
	}
}

func fans(shape tensor.Shape) (fanIn, fanOut int) {
	switch len(shape) {
	case 0:
		return 1, 1
	case 1:
		return shape[0], shape[0]
	case 2:
		return shape[1], shape[0]
	default:
		receptive := 1
		for _, d := range shape[2:] {
			receptive *= d
		}
		return shape[1] * receptive, shape[0] * receptive
	}
}

// Scope materializes store tensors as nodes of one graph, creating each
// node at most once and prefixing names the way nnabla-style parameter
// scopes do ("generator/local/...").
type Scope struct {
	store  *Store
	g      *gorgonia.ExprGraph
	prefix string
	nodes  map[string]*gorgonia.Node
}

// Scope roots a node scope on graph g.
func (s *Store) Scope(g *gorgonia.ExprGraph) *Scope {
	return &Scope{store: s, g: g, nodes: make(map[string]*gorgonia.Node)}
}

// Sub returns a child scope with name appended to the prefix.
func (sc *Scope) Sub(name string) *Scope {
	return &Scope{store: sc.store, g: sc.g, prefix: sc.join(name), nodes: sc.nodes}
}

func (sc *Scope) join(name string) string {
	if sc.prefix == "" {
		return name
	}
	return sc.prefix + "/" + name
}

// Param returns the node for a named tensor, registering the tensor on
// first use.
func (sc *Scope) Param(name string, shape tensor.Shape, init func(*rand.Rand, []float32)) *gorgonia.Node {
	full := sc.join(name)
	if n, ok := sc.nodes[full]; ok {
		return n
	}
	d := sc.store.Dense(full, shape, init)
	n := gorgonia.NodeFromAny(sc.g, d, gorgonia.WithName(full))
	sc.nodes[full] = n
	return n
}

// Weight registers a Glorot-initialized parameter.
func (sc *Scope) Weight(name string, shape ...int) *gorgonia.Node {
	return sc.Param(name, tensor.Shape(shape), GlorotN(1.0, tensor.Shape(shape)))
}

// Bias registers a zero-initialized parameter.
func (sc *Scope) Bias(name string, shape ...int) *gorgonia.Node {
	return sc.Param(name, tensor.Shape(shape), Zeros())
}

// Nodes resolves registered names to nodes of this scope's graph. Names
// never materialized in this graph are skipped: a parameter loaded from a
// checkpoint but unused by the current architecture has no node.
func (sc *Scope) Nodes(names []string) gorgonia.Nodes {
	var out gorgonia.Nodes
	for _, name := range names {
		if n, ok := sc.nodes[name]; ok {
			out = append(out, n)
		}
	}
	return out
}
