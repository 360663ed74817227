// Package sched provides per-epoch learning rate schedules.
package sched

import "sort"

// Schedule maps an epoch to a learning rate.
type Schedule interface {
	Rate(epoch int) float64
	Name() string
}

// Constant keeps the base rate for the whole run.
type Constant struct {
	Base float64
}

func (c Constant) Rate(int) float64 { return c.Base }
func (c Constant) Name() string     { return "constant" }

// LinearDecay holds Base until StartEpoch, then decays linearly to Final
// at EndEpoch.
type LinearDecay struct {
	Base       float64
	Final      float64
	StartEpoch int
	EndEpoch   int
}

func (l LinearDecay) Rate(epoch int) float64 {
	if epoch <= l.StartEpoch {
		return l.Base
	}
	if epoch >= l.EndEpoch || l.EndEpoch <= l.StartEpoch {
		return l.Final
	}
	frac := float64(epoch-l.StartEpoch) / float64(l.EndEpoch-l.StartEpoch)
	return l.Base + (l.Final-l.Base)*frac
}

func (l LinearDecay) Name() string { return "linear_decay" }

// StepAnneal multiplies the rate by Factor at each listed epoch.
type StepAnneal struct {
	Base   float64
	Factor float64
	Steps  []int
}

// NewStepAnneal sorts the anneal epochs ascending.
func NewStepAnneal(base, factor float64, steps []int) StepAnneal {
	sorted := append([]int(nil), steps...)
	sort.Ints(sorted)
	return StepAnneal{Base: base, Factor: factor, Steps: sorted}
}

func (s StepAnneal) Rate(epoch int) float64 {
	rate := s.Base
	for _, at := range s.Steps {
		if epoch < at {
			break
		}
		rate *= s.Factor
	}
	return rate
}

func (s StepAnneal) Name() string { return "step_anneal" }
