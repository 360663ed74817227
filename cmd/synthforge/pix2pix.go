package main

import (
	"github.com/spf13/cobra"

	"synthforge/internal/dataset"
	"synthforge/internal/pix2pix"
	"synthforge/internal/sched"
	"synthforge/internal/solver"
)

var pix2pixCmd = &cobra.Command{
	Use:   "pix2pix",
	Short: "Train the coarse-to-fine image translation GAN",
	Long: `Trains the two-scale translation generator against a multi-scale
patch discriminator. Conditioning comes from a reference image (role "b")
or, when num_labels is set, from one-hot label maps with an optional
instance boundary plane.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		p := cfg.Pix2Pix

		loaderOpts := dataset.LoaderOptions{
			BatchSize: cfg.BatchSize,
			Height:    cfg.ImageSize,
			Width:     cfg.ImageSize,
			Flip:      cfg.Flip,
			Seed:      cfg.Seed,
		}
		if p.NumLabels > 0 {
			loaderOpts.NumLabels = p.NumLabels
			loaderOpts.UseInstanceMaps = p.UseInstanceMaps
		} else {
			loaderOpts.RefRoles = []string{"b"}
		}

		spec := pix2pix.Spec{
			Batch:      cfg.BatchSize,
			InChannels: loaderOpts.InChannels(),
			Height:     cfg.ImageSize,
			Width:      cfg.ImageSize,
			Gen: pix2pix.GeneratorConfig{
				Scales:          p.GenScales,
				GlobalResBlocks: p.GlobalResBlocks,
				LocalResBlocks:  p.LocalResBlocks,
				Downsamples:     p.Downsamples,
			},
			Disc:             pix2pix.DiscriminatorConfig{Scales: p.DiscScales},
			LambdaFeat:       p.LambdaFeat,
			LambdaPerceptual: p.LambdaPerceptual,
			UsePerceptual:    p.UsePerceptual,
		}

		decay := sched.LinearDecay{
			Base:       p.LearnRate,
			StartEpoch: p.DecayStartEpoch,
			EndEpoch:   cfg.Epochs,
		}
		return runGAN(cmd.Context(), cfg, ganRun{
			spec:      spec,
			loader:    loaderOpts,
			fixGlobal: p.FixGlobalEpochs,
			numLabels: p.NumLabels,
			adam:      solver.Config{LearnRate: p.LearnRate, Beta1: p.Beta1, Beta2: p.Beta2},
			genSched:  decay,
			discSched: decay,
		})
	},
}

func init() {
	rootCmd.AddCommand(pix2pixCmd)
}
