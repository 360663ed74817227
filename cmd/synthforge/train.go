package main

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"synthforge/internal/checkpoint"
	"synthforge/internal/comm"
	"synthforge/internal/config"
	"synthforge/internal/dataset"
	"synthforge/internal/params"
	"synthforge/internal/pix2pix"
	"synthforge/internal/report"
	"synthforge/internal/sched"
	"synthforge/internal/solver"
	"synthforge/internal/trainer"
)

// ganRun bundles everything a subcommand decides about a run: graph
// shapes, conditioning layout, solver setup and schedules.
type ganRun struct {
	spec      pix2pix.Spec
	loader    dataset.LoaderOptions
	fixGlobal int
	numLabels int
	adam      solver.Config
	genSched  sched.Schedule
	discSched sched.Schedule

	// build assembles the step graphs; nil uses the plain translation
	// builders.
	build func(store *params.Store, spec pix2pix.Spec) (*pix2pix.GenStep, *pix2pix.DiscStep)
}

// runGAN discovers shards and fans the run out over the configured
// replicas. With one replica everything runs on the calling goroutine.
func runGAN(ctx context.Context, cfg *config.Config, run ganRun) error {
	if cfg.DataRoot == "" {
		return errors.New("data_root must be set")
	}
	shards, err := dataset.DiscoverShards(cfg.DataRoot)
	if err != nil {
		return err
	}
	if len(shards) == 0 {
		return errors.Errorf("no shards discovered under %s", cfg.DataRoot)
	}
	klog.Infof("discovered %d shards under %s", len(shards), cfg.DataRoot)

	if cfg.Replicas == 1 {
		return runReplica(ctx, comm.Null{}, cfg, run, shards)
	}

	group := comm.NewLocalGroup(cfg.Replicas)
	results := make(chan error, cfg.Replicas)
	var wg sync.WaitGroup
	for rank := 0; rank < cfg.Replicas; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			err := runReplica(ctx, group.Communicator(rank), cfg, run, shards)
			if err != nil {
				// Unblock peers waiting in AllReduce for this replica.
				group.Abort(errors.Wrapf(err, "replica %d", rank))
			}
			results <- err
		}(rank)
	}
	wg.Wait()
	close(results)
	for err := range results {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

func runReplica(ctx context.Context, c comm.Communicator, cfg *config.Config, run ganRun, shards []string) error {
	shards = dataset.SliceForWorker(shards, c.Rank(), c.Size())
	if len(shards) == 0 {
		return errors.Errorf("rank %d has no shards; need at least %d", c.Rank(), c.Size())
	}

	samples, sampleErrs, err := dataset.StartSampler(ctx, dataset.SamplerOptions{
		Shards:     shards,
		Roles:      run.loader.Roles(),
		Seed:       cfg.Seed + int64(c.Rank()),
		NumWorkers: cfg.NumWorkers,
	})
	if err != nil {
		return err
	}
	loader, err := dataset.NewLoader(samples, sampleErrs, run.loader)
	if err != nil {
		return err
	}

	// Replicas share the seed so every worker starts from identical
	// weights; only the data order differs.
	store := params.NewStore(cfg.Seed)
	build := run.build
	if build == nil {
		build = func(store *params.Store, spec pix2pix.Spec) (*pix2pix.GenStep, *pix2pix.DiscStep) {
			return pix2pix.BuildGenStep(store, spec), pix2pix.BuildDiscStep(store, spec)
		}
	}
	gen, disc := build(store, run.spec)

	rep, err := report.New(c, cfg.SaveDir, cfg.PrintEvery)
	if err != nil {
		return err
	}

	gan, err := trainer.NewGAN(store, c, gen, disc, trainer.GANOptions{
		Epochs:              cfg.Epochs,
		IterationsPerEpoch:  cfg.ItersPerEpoch,
		BatchSize:           cfg.BatchSize,
		FixGlobalEpochs:     run.fixGlobal,
		NumLabels:           run.numLabels,
		EpochsPerCheckpoint: cfg.EpochsPerCheckpoint,
		CheckpointDir:       filepath.Join(rep.Dir(), "checkpoints"),
		GenSolver:           run.adam,
		DiscSolver:          run.adam,
		GenSched:            run.genSched,
		DiscSched:           run.discSched,
	})
	if err != nil {
		return err
	}
	defer gan.Close()

	if err := checkpoint.LoadIfExists(cfg.LoadPath, store); err != nil {
		return err
	}

	return gan.Run(ctx, loader, rep)
}
