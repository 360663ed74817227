// Package solver wraps gorgonia's Adam solver with the knobs the training
// loops need: per-epoch learning rate changes and swapping the trainable
// parameter set mid-run.
package solver

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Config holds Adam hyperparameters. Beta1 defaults to 0.9; GAN trainers
// pass 0.5.
type Config struct {
	LearnRate float64
	Beta1     float64
	Beta2     float64
	Epsilon   float64
	Clip      float64
	L2        float64
}

func (c Config) withDefaults() Config {
	if c.Beta1 == 0 {
		c.Beta1 = 0.9
	}
	if c.Beta2 == 0 {
		c.Beta2 = 0.999
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-8
	}
	return c
}

// Adam owns one optimization side (generator or discriminator).
type Adam struct {
	cfg   Config
	nodes gorgonia.Nodes
	inner *gorgonia.AdamSolver
}

// NewAdam builds a solver over the given parameter nodes.
func NewAdam(cfg Config, nodes gorgonia.Nodes) *Adam {
	a := &Adam{cfg: cfg.withDefaults(), nodes: nodes}
	a.rebuild()
	return a
}

// gorgonia solvers fix their rate at construction; changing it means a
// fresh solver, which also drops the moment estimates. Schedules call
// this once per epoch, so the drop lands on epoch boundaries.
func (a *Adam) rebuild() {
	opts := []gorgonia.SolverOpt{
		gorgonia.WithLearnRate(a.cfg.LearnRate),
		gorgonia.WithBeta1(a.cfg.Beta1),
		gorgonia.WithBeta2(a.cfg.Beta2),
		gorgonia.WithEps(a.cfg.Epsilon),
	}
	if a.cfg.Clip > 0 {
		opts = append(opts, gorgonia.WithClip(a.cfg.Clip))
	}
	if a.cfg.L2 > 0 {
		opts = append(opts, gorgonia.WithL2Reg(a.cfg.L2))
	}
	a.inner = gorgonia.NewAdamSolver(opts...)
}

// SetLearningRate applies a new rate, keeping the solver untouched when
// the rate is unchanged.
func (a *Adam) SetLearningRate(lr float64) {
	if lr == a.cfg.LearnRate {
		return
	}
	a.cfg.LearnRate = lr
	a.rebuild()
}

// SetParams replaces the trainable set, e.g. widening a generator solver
// from the local enhancer to all generator parameters.
func (a *Adam) SetParams(nodes gorgonia.Nodes) {
	a.nodes = nodes
	a.rebuild()
}

// Params returns the current trainable set.
func (a *Adam) Params() gorgonia.Nodes { return a.nodes }

// Step applies one update from the accumulated gradients.
func (a *Adam) Step() error {
	return a.inner.Step(gorgonia.NodesToValueGrads(a.nodes))
}

// Grads exposes the gradient tensors for cross-worker reduction.
func (a *Adam) Grads() ([]*tensor.Dense, error) {
	out := make([]*tensor.Dense, 0, len(a.nodes))
	for _, n := range a.nodes {
		v, err := n.Grad()
		if err != nil {
			return nil, errors.Wrapf(err, "solver: grad of %s", n.Name())
		}
		d, ok := v.(*tensor.Dense)
		if !ok {
			return nil, errors.Errorf("solver: grad of %s is not dense", n.Name())
		}
		out = append(out, d)
	}
	return out, nil
}

// ZeroGrad clears accumulated gradients before the next backward run.
func (a *Adam) ZeroGrad() {
	for _, n := range a.nodes {
		v, err := n.Grad()
		if err != nil {
			continue
		}
		if d, ok := v.(*tensor.Dense); ok {
			d.Zero()
		}
	}
}
