package main

import (
	goflag "flag"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"synthforge/internal/config"
)

var rootFlags struct {
	configPath string
	overrides  config.Overrides
}

var rootCmd = &cobra.Command{
	Use:          "synthforge",
	Short:        "Training loops for conditional image synthesis models",
	SilenceUsage: true,
}

func init() {
	klogFlags := goflag.NewFlagSet("klog", goflag.ContinueOnError)
	klog.InitFlags(klogFlags)

	pf := rootCmd.PersistentFlags()
	pf.AddGoFlagSet(klogFlags)
	pf.StringVar(&rootFlags.configPath, "config", "", "path to YAML config")
	pf.StringVar(&rootFlags.overrides.DataRoot, "data-root", "", "directory holding shard TARs")
	pf.StringVar(&rootFlags.overrides.SaveDir, "save-dir", "", "run output directory")
	pf.StringVar(&rootFlags.overrides.LoadPath, "load-path", "", "checkpoint to resume from")
	pf.IntVar(&rootFlags.overrides.BatchSize, "batch-size", 0, "batch size")
	pf.IntVar(&rootFlags.overrides.Epochs, "epochs", 0, "number of epochs")
	pf.IntVar(&rootFlags.overrides.NumWorkers, "num-workers", 0, "shard reader workers")
	pf.IntVar(&rootFlags.overrides.Replicas, "replicas", 0, "in-process data-parallel replicas")
	pf.Int64Var(&rootFlags.overrides.Seed, "seed", 0, "PRNG seed")
	pf.IntVar(&rootFlags.overrides.PrintEvery, "print-every", 0, "log every N iterations")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(rootFlags.overrides)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
