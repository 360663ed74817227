package trainer

import (
	"context"
	"math"
	"math/rand"
	"os"
	"testing"

	"gorgonia.org/tensor"

	"synthforge/internal/checkpoint"
	"synthforge/internal/comm"
	"synthforge/internal/params"
	"synthforge/internal/pix2pix"
	"synthforge/internal/report"
	"synthforge/internal/sched"
	"synthforge/internal/solver"
)

func tinySpec() pix2pix.Spec {
	return pix2pix.Spec{
		Batch:      1,
		InChannels: 3,
		Height:     32,
		Width:      32,
		Gen: pix2pix.GeneratorConfig{
			Scales:          2,
			GlobalChannels:  8,
			LocalChannels:   4,
			GlobalResBlocks: 1,
			LocalResBlocks:  1,
			Downsamples:     1,
		},
		Disc:       pix2pix.DiscriminatorConfig{Scales: 1, Layers: 1, BaseChannels: 4},
		LambdaFeat: 10,
	}
}

type randomSource struct {
	rng  *rand.Rand
	spec pix2pix.Spec
}

func (s *randomSource) Next(context.Context) (*tensor.Dense, *tensor.Dense, error) {
	return s.batch(), s.batch(), nil
}

func (s *randomSource) batch() *tensor.Dense {
	n := s.spec.Batch * 3 * s.spec.Height * s.spec.Width
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(s.rng.Float64()*2 - 1)
	}
	return tensor.New(
		tensor.WithShape(s.spec.Batch, 3, s.spec.Height, s.spec.Width),
		tensor.WithBacking(data))
}

func buildGAN(t *testing.T, opts GANOptions) (*GAN, *params.Store) {
	t.Helper()
	spec := tinySpec()
	store := params.NewStore(1)
	gen := pix2pix.BuildGenStep(store, spec)
	disc := pix2pix.BuildDiscStep(store, spec)

	gan, err := NewGAN(store, comm.Null{}, gen, disc, opts)
	if err != nil {
		t.Fatalf("NewGAN: %v", err)
	}
	t.Cleanup(gan.Close)
	return gan, store
}

func TestStepProducesFiniteLosses(t *testing.T) {
	gan, _ := buildGAN(t, GANOptions{
		Epochs:             1,
		IterationsPerEpoch: 1,
		BatchSize:          1,
		GenSolver:          solver.Config{LearnRate: 2e-4, Beta1: 0.5},
		DiscSolver:         solver.Config{LearnRate: 2e-4, Beta1: 0.5},
	})

	src := &randomSource{rng: rand.New(rand.NewSource(3)), spec: tinySpec()}
	input, real, _ := src.Next(context.Background())

	losses, err := gan.Step(input, real)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	for _, name := range []string{"g_gan", "g_feat", "d_real", "d_fake"} {
		v, ok := losses[name]
		if !ok {
			t.Fatalf("missing loss term %s", name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("loss %s = %f", name, v)
		}
	}
}

func TestFixGlobalWidensSolver(t *testing.T) {
	gan, store := buildGAN(t, GANOptions{
		Epochs:             10,
		IterationsPerEpoch: 1,
		BatchSize:          1,
		FixGlobalEpochs:    5,
		GenSolver:          solver.Config{LearnRate: 2e-4, Beta1: 0.5},
		DiscSolver:         solver.Config{LearnRate: 2e-4, Beta1: 0.5},
	})

	local := len(store.Filtered("generator/local", true))
	all := len(store.Filtered("generator", true))
	if local == 0 || local >= all {
		t.Fatalf("expected a strict local subset, local=%d all=%d", local, all)
	}

	if got := len(gan.genSolver.Params()); got != local {
		t.Fatalf("frozen solver trains %d params, want %d", got, local)
	}
	gan.StartEpoch(4)
	if got := len(gan.genSolver.Params()); got != local {
		t.Fatalf("solver widened too early: %d params", got)
	}
	gan.StartEpoch(5)
	if got := len(gan.genSolver.Params()); got != all {
		t.Fatalf("solver not widened: %d params, want %d", got, all)
	}
}

func TestRunWritesFinalCheckpoint(t *testing.T) {
	dir := t.TempDir()
	gan, _ := buildGAN(t, GANOptions{
		Epochs:              1,
		IterationsPerEpoch:  2,
		BatchSize:           1,
		EpochsPerCheckpoint: 1,
		CheckpointDir:       dir,
		GenSolver:           solver.Config{LearnRate: 2e-4, Beta1: 0.5},
		DiscSolver:          solver.Config{LearnRate: 2e-4, Beta1: 0.5},
		GenSched:            sched.Constant{Base: 2e-4},
		DiscSched:           sched.Constant{Base: 2e-4},
	})

	rep, err := report.New(comm.Null{}, t.TempDir(), 1)
	if err != nil {
		t.Fatalf("report.New: %v", err)
	}
	src := &randomSource{rng: rand.New(rand.NewSource(7)), spec: tinySpec()}

	if err := gan.Run(context.Background(), src, rep); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, path := range []string{
		checkpoint.EpochPath(dir, 0),
		checkpoint.FinalPath(dir),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("missing checkpoint %s: %v", path, err)
		}
	}
}

// orderComm records the size of every gradient exchange so a test can
// observe which solver stepped first.
type orderComm struct {
	calls []int
}

func (c *orderComm) Rank() int { return 0 }
func (c *orderComm) Size() int { return 2 }

func (c *orderComm) AllReduce(bufs []*tensor.Dense, average bool) error {
	c.calls = append(c.calls, len(bufs))
	return nil
}

func TestStepUpdatesDiscriminatorFirst(t *testing.T) {
	spec := tinySpec()
	store := params.NewStore(1)
	gen := pix2pix.BuildGenStep(store, spec)
	disc := pix2pix.BuildDiscStep(store, spec)

	rec := &orderComm{}
	gan, err := NewGAN(store, rec, gen, disc, GANOptions{
		Epochs:             1,
		IterationsPerEpoch: 1,
		BatchSize:          1,
		GenSolver:          solver.Config{LearnRate: 2e-4, Beta1: 0.5},
		DiscSolver:         solver.Config{LearnRate: 2e-4, Beta1: 0.5},
	})
	if err != nil {
		t.Fatalf("NewGAN: %v", err)
	}
	t.Cleanup(gan.Close)

	src := &randomSource{rng: rand.New(rand.NewSource(11)), spec: spec}
	input, real, _ := src.Next(context.Background())
	if _, err := gan.Step(input, real); err != nil {
		t.Fatalf("Step: %v", err)
	}

	discParams := len(store.Filtered("discriminator", true))
	genParams := len(store.Filtered("generator", true))
	if len(rec.calls) != 2 {
		t.Fatalf("expected 2 gradient exchanges, got %d", len(rec.calls))
	}
	if rec.calls[0] != discParams {
		t.Fatalf("first exchange carried %d tensors, want discriminator's %d", rec.calls[0], discParams)
	}
	if rec.calls[1] != genParams {
		t.Fatalf("second exchange carried %d tensors, want generator's %d", rec.calls[1], genParams)
	}
}

func TestCheckpointCadence(t *testing.T) {
	gan, _ := buildGAN(t, GANOptions{
		Epochs:              100,
		IterationsPerEpoch:  1,
		BatchSize:           1,
		EpochsPerCheckpoint: 10,
		CheckpointDir:       t.TempDir(),
		GenSolver:           solver.Config{LearnRate: 2e-4, Beta1: 0.5},
		DiscSolver:          solver.Config{LearnRate: 2e-4, Beta1: 0.5},
	})

	for epoch, want := range map[int]bool{0: true, 1: false, 9: false, 10: true, 20: true} {
		if got := gan.shouldCheckpoint(epoch); got != want {
			t.Fatalf("shouldCheckpoint(%d) = %v, want %v", epoch, got, want)
		}
	}
}

func TestRunHonorsContextCancel(t *testing.T) {
	gan, _ := buildGAN(t, GANOptions{
		Epochs:             100,
		IterationsPerEpoch: 100,
		BatchSize:          1,
		GenSolver:          solver.Config{LearnRate: 2e-4, Beta1: 0.5},
		DiscSolver:         solver.Config{LearnRate: 2e-4, Beta1: 0.5},
	})

	rep, err := report.New(comm.Null{}, t.TempDir(), 1)
	if err != nil {
		t.Fatalf("report.New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src := &randomSource{rng: rand.New(rand.NewSource(7)), spec: tinySpec()}
	if err := gan.Run(ctx, src, rep); err == nil {
		t.Fatal("expected context error")
	}
}
