package metrics

import "time"

// Window accumulates timing and loss stats across training steps.
type Window struct {
	samples   int
	data      time.Duration
	compute   time.Duration
	steps     int
	lossSums  map[string]float64
	lossSteps int
}

// Record adds a new measurement to the window.
func (w *Window) Record(batchSize int, dataTime, computeTime time.Duration, losses map[string]float64) {
	w.samples += batchSize
	w.data += dataTime
	w.compute += computeTime
	w.steps++
	if len(losses) > 0 {
		if w.lossSums == nil {
			w.lossSums = make(map[string]float64, len(losses))
		}
		for name, v := range losses {
			w.lossSums[name] += v
		}
		w.lossSteps++
	}
}

// Snapshot returns aggregated metrics and resets the window.
func (w *Window) Snapshot() Snapshot {
	snap := Snapshot{}
	total := w.data + w.compute
	if total > 0 {
		snap.ImagesPerSec = float64(w.samples) / total.Seconds()
	}
	if w.steps > 0 {
		snap.AvgDataMS = (w.data.Seconds() * 1000) / float64(w.steps)
		snap.AvgComputeMS = (w.compute.Seconds() * 1000) / float64(w.steps)
	}
	if w.lossSteps > 0 {
		snap.Losses = make(map[string]float64, len(w.lossSums))
		for name, sum := range w.lossSums {
			snap.Losses[name] = sum / float64(w.lossSteps)
		}
	}

	w.samples = 0
	w.data = 0
	w.compute = 0
	w.steps = 0
	w.lossSums = nil
	w.lossSteps = 0
	return snap
}

// Snapshot represents loggable metrics.
type Snapshot struct {
	ImagesPerSec float64
	AvgDataMS    float64
	AvgComputeMS float64
	Losses       map[string]float64
}
