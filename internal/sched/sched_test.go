package sched

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinearDecay(t *testing.T) {
	s := LinearDecay{Base: 0.2, Final: 0, StartEpoch: 100, EndEpoch: 200}
	assert.Equal(t, 0.2, s.Rate(0))
	assert.Equal(t, 0.2, s.Rate(100))
	assert.InDelta(t, 0.1, s.Rate(150), 1e-12)
	assert.Equal(t, 0.0, s.Rate(200))
	assert.Equal(t, 0.0, s.Rate(500))
}

func TestLinearDecayDegenerateWindow(t *testing.T) {
	s := LinearDecay{Base: 0.1, Final: 0.01, StartEpoch: 10, EndEpoch: 10}
	assert.Equal(t, 0.1, s.Rate(9))
	assert.Equal(t, 0.01, s.Rate(11))
}

func TestStepAnnealSortsSteps(t *testing.T) {
	s := NewStepAnneal(1e-4, 0.1, []int{500, 300})
	assert.Equal(t, []int{300, 500}, s.Steps)
	assert.InDelta(t, 1e-4, s.Rate(299), 1e-18)
	assert.InDelta(t, 1e-5, s.Rate(300), 1e-18)
	assert.InDelta(t, 1e-6, s.Rate(501), 1e-18)
}

func TestStepAnnealNoSteps(t *testing.T) {
	s := NewStepAnneal(1e-4, 0.1, nil)
	for _, epoch := range []int{0, 10, 1000} {
		if math.Abs(s.Rate(epoch)-1e-4) > 1e-18 {
			t.Fatalf("rate changed without anneal steps at epoch %d", epoch)
		}
	}
}
