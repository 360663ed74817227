// Package trainer drives adversarial training: alternating generator and
// discriminator updates, learning-rate schedules, gradient exchange
// between data-parallel workers and periodic checkpoints.
package trainer

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
	"k8s.io/klog/v2"

	"synthforge/internal/checkpoint"
	"synthforge/internal/colorize"
	"synthforge/internal/comm"
	"synthforge/internal/params"
	"synthforge/internal/pix2pix"
	"synthforge/internal/report"
	"synthforge/internal/sched"
	"synthforge/internal/solver"
)

// BatchSource produces conditioning/target batch pairs.
type BatchSource interface {
	Next(ctx context.Context) (input, real *tensor.Dense, err error)
}

// GANOptions captures the knobs of one adversarial run.
type GANOptions struct {
	Epochs             int
	IterationsPerEpoch int
	BatchSize          int

	// FixGlobalEpochs freezes the coarse generator for the first N
	// epochs, training only the enhancer. Zero trains everything from
	// the start.
	FixGlobalEpochs int

	// NumLabels, when set, marks the leading conditioning channels as a
	// one-hot label map so epoch reports can render it.
	NumLabels int

	EpochsPerCheckpoint int
	CheckpointDir       string

	GenSolver  solver.Config
	DiscSolver solver.Config
	GenSched   sched.Schedule
	DiscSched  sched.Schedule
}

// GAN holds the compiled step graphs and their optimization state.
type GAN struct {
	opts  GANOptions
	store *params.Store
	comm  comm.Communicator

	gen  *pix2pix.GenStep
	disc *pix2pix.DiscStep

	genVM  gorgonia.VM
	discVM gorgonia.VM

	genNodes  gorgonia.Nodes // every trainable generator parameter
	discNodes gorgonia.Nodes

	genSolver  *solver.Adam
	discSolver *solver.Adam

	lastFake  *tensor.Dense
	lastReal  *tensor.Dense
	lastInput *tensor.Dense
}

// NewGAN compiles both step graphs into tape machines. Gradients are
// always taken over the full generator parameter set, so widening the
// solver after the freeze period needs no graph rebuild.
func NewGAN(store *params.Store, c comm.Communicator, gen *pix2pix.GenStep, disc *pix2pix.DiscStep, opts GANOptions) (*GAN, error) {
	if opts.Epochs <= 0 {
		return nil, errors.New("trainer: epochs must be > 0")
	}
	if opts.IterationsPerEpoch <= 0 {
		return nil, errors.New("trainer: iterations per epoch must be > 0")
	}
	if opts.GenSched == nil {
		opts.GenSched = sched.Constant{Base: opts.GenSolver.LearnRate}
	}
	if opts.DiscSched == nil {
		opts.DiscSched = sched.Constant{Base: opts.DiscSolver.LearnRate}
	}

	genNodes := gen.Scope.Nodes(store.Filtered("generator", true))
	if len(genNodes) == 0 {
		return nil, errors.New("trainer: generator has no trainable parameters")
	}
	if _, err := gorgonia.Grad(gen.Loss, genNodes...); err != nil {
		return nil, errors.Wrap(err, "trainer: generator gradients")
	}

	discNodes := disc.Scope.Nodes(store.Filtered("discriminator", true))
	if len(discNodes) == 0 {
		return nil, errors.New("trainer: discriminator has no trainable parameters")
	}
	if _, err := gorgonia.Grad(disc.Loss, discNodes...); err != nil {
		return nil, errors.Wrap(err, "trainer: discriminator gradients")
	}

	t := &GAN{
		opts:      opts,
		store:     store,
		comm:      c,
		gen:       gen,
		disc:      disc,
		genVM:     gorgonia.NewTapeMachine(gen.Graph, gorgonia.BindDualValues(genNodes...)),
		discVM:    gorgonia.NewTapeMachine(disc.Graph, gorgonia.BindDualValues(discNodes...)),
		genNodes:  genNodes,
		discNodes: discNodes,
	}

	genTrainable := genNodes
	if opts.FixGlobalEpochs > 0 {
		local := gen.Scope.Nodes(store.Filtered("generator/local", true))
		if len(local) > 0 {
			genTrainable = local
		}
	}
	t.genSolver = solver.NewAdam(opts.GenSolver, genTrainable)
	t.discSolver = solver.NewAdam(opts.DiscSolver, discNodes)
	return t, nil
}

// Close releases both tape machines.
func (t *GAN) Close() {
	t.genVM.Close()
	t.discVM.Close()
}

// StartEpoch applies the schedules and, once the freeze period ends,
// widens the generator solver to the full parameter set.
func (t *GAN) StartEpoch(epoch int) {
	if t.opts.FixGlobalEpochs > 0 && epoch == t.opts.FixGlobalEpochs {
		t.genSolver.SetParams(t.genNodes)
		klog.Infof("epoch=%d coarse generator unfrozen, training %d parameters", epoch, len(t.genNodes))
	}
	t.genSolver.SetLearningRate(t.opts.GenSched.Rate(epoch))
	t.discSolver.SetLearningRate(t.opts.DiscSched.Rate(epoch))
}

// Step runs one iteration. The generator pass synthesizes the image and
// records the generator gradients; the discriminator then updates on the
// detached image before the generator solver steps, so the discriminator
// always moves first within the iteration.
func (t *GAN) Step(input, real *tensor.Dense) (map[string]float64, error) {
	losses := make(map[string]float64)

	t.genSolver.ZeroGrad()
	if err := gorgonia.Let(t.gen.Input, input); err != nil {
		return nil, errors.Wrap(err, "trainer: bind generator input")
	}
	if err := gorgonia.Let(t.gen.Real, real); err != nil {
		return nil, errors.Wrap(err, "trainer: bind generator target")
	}
	if err := t.genVM.RunAll(); err != nil {
		return nil, errors.Wrap(err, "trainer: generator forward/backward")
	}
	fake, ok := t.gen.Fake.Value().(*tensor.Dense)
	if !ok {
		return nil, errors.New("trainer: synthesized image is not dense")
	}
	fake = fake.Clone().(*tensor.Dense)
	for name, n := range t.gen.Terms {
		losses[name] = scalarValue(n)
	}

	t.discSolver.ZeroGrad()
	if err := gorgonia.Let(t.disc.Input, input); err != nil {
		return nil, errors.Wrap(err, "trainer: bind discriminator input")
	}
	if err := gorgonia.Let(t.disc.Real, real); err != nil {
		return nil, errors.Wrap(err, "trainer: bind discriminator target")
	}
	if err := gorgonia.Let(t.disc.Fake, fake); err != nil {
		return nil, errors.Wrap(err, "trainer: bind discriminator fake")
	}
	if err := t.discVM.RunAll(); err != nil {
		return nil, errors.Wrap(err, "trainer: discriminator forward/backward")
	}
	for name, n := range t.disc.Terms {
		losses[name] = scalarValue(n)
	}
	if err := t.applyStep(t.discSolver); err != nil {
		return nil, errors.Wrap(err, "trainer: discriminator step")
	}
	t.discVM.Reset()

	if err := t.applyStep(t.genSolver); err != nil {
		return nil, errors.Wrap(err, "trainer: generator step")
	}
	t.genVM.Reset()

	t.lastFake = fake
	t.lastReal = real
	t.lastInput = input
	return losses, nil
}

// applyStep exchanges gradients across workers, then updates. Gradients
// are summed, not averaged: every replica computed a full batch, so the
// effective batch grows with the group.
func (t *GAN) applyStep(s *solver.Adam) error {
	if t.comm.Size() > 1 {
		grads, err := s.Grads()
		if err != nil {
			return err
		}
		if err := t.comm.AllReduce(grads, false); err != nil {
			return errors.Wrap(err, "all-reduce gradients")
		}
	}
	return s.Step()
}

// Run executes the configured number of epochs.
func (t *GAN) Run(ctx context.Context, src BatchSource, rep *report.Reporter) error {
	for epoch := 0; epoch < t.opts.Epochs; epoch++ {
		t.StartEpoch(epoch)
		rep.EpochStart(epoch, t.opts.IterationsPerEpoch)

		for iter := 0; iter < t.opts.IterationsPerEpoch; iter++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			startData := time.Now()
			input, real, err := src.Next(ctx)
			if err != nil {
				return errors.Wrap(err, "trainer: next batch")
			}
			dataTime := time.Since(startData)

			startCompute := time.Now()
			losses, err := t.Step(input, real)
			if err != nil {
				return err
			}
			computeTime := time.Since(startCompute)

			if err := rep.Step(losses, t.opts.BatchSize, dataTime, computeTime); err != nil {
				return err
			}
		}

		if err := rep.EpochEnd(epoch, t.sampleImages()); err != nil {
			return err
		}
		if t.shouldCheckpoint(epoch) {
			if err := checkpoint.Save(checkpoint.EpochPath(t.opts.CheckpointDir, epoch), t.store); err != nil {
				return err
			}
		}
	}

	if t.opts.CheckpointDir != "" && t.comm.Rank() == 0 {
		return checkpoint.Save(checkpoint.FinalPath(t.opts.CheckpointDir), t.store)
	}
	return nil
}

func (t *GAN) shouldCheckpoint(epoch int) bool {
	return t.opts.CheckpointDir != "" &&
		t.opts.EpochsPerCheckpoint > 0 &&
		epoch%t.opts.EpochsPerCheckpoint == 0 &&
		t.comm.Rank() == 0
}

// sampleImages collects renderable tensors from the last iteration.
func (t *GAN) sampleImages() map[string]*tensor.Dense {
	out := make(map[string]*tensor.Dense)
	if t.lastFake != nil {
		out["GeneratedImage"] = t.lastFake
	}
	if t.lastReal != nil {
		out["RealImage"] = t.lastReal
	}
	if t.lastInput != nil {
		switch {
		case t.opts.NumLabels > 0:
			if lm, err := labelMapTensor(t.lastInput, t.opts.NumLabels); err == nil {
				out["LabelMap"] = lm
			}
		case t.lastInput.Shape()[1] == 3:
			out["Reference"] = t.lastInput
		}
	}
	return out
}

// labelMapTensor renders sample 0's one-hot conditioning planes as an
// RGB tensor in the same value range as the image batches.
func labelMapTensor(input *tensor.Dense, numLabels int) (*tensor.Dense, error) {
	shape := input.Shape()
	if len(shape) != 4 || shape[1] < numLabels {
		return nil, errors.Errorf("trainer: conditioning %v cannot hold %d label planes", shape, numLabels)
	}
	h, w := shape[2], shape[3]
	data, ok := input.Data().([]float32)
	if !ok {
		return nil, errors.New("trainer: conditioning is not float32")
	}

	plane := h * w
	labels := make([]int, plane)
	for i := 0; i < plane; i++ {
		best, bestV := 0, data[i]
		for ch := 1; ch < numLabels; ch++ {
			if v := data[ch*plane+i]; v > bestV {
				best, bestV = ch, v
			}
		}
		labels[i] = best
	}

	img, err := colorize.NewPalette(numLabels).Image(labels, w, h)
	if err != nil {
		return nil, err
	}
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := img.PixOffset(x, y)
			idx := y*w + x
			out[idx] = float32(img.Pix[i])/127.5 - 1
			out[plane+idx] = float32(img.Pix[i+1])/127.5 - 1
			out[2*plane+idx] = float32(img.Pix[i+2])/127.5 - 1
		}
	}
	return tensor.New(tensor.WithShape(1, 3, h, w), tensor.WithBacking(out)), nil
}

func scalarValue(n *gorgonia.Node) float64 {
	v := n.Value()
	if v == nil {
		return math.NaN()
	}
	switch x := v.Data().(type) {
	case float32:
		return float64(x)
	case float64:
		return x
	case []float32:
		if len(x) == 1 {
			return float64(x[0])
		}
	}
	return math.NaN()
}
