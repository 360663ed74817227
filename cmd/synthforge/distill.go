package main

import (
	"github.com/spf13/cobra"

	"synthforge/internal/dataset"
	"synthforge/internal/distill"
	"synthforge/internal/params"
	"synthforge/internal/pix2pix"
	"synthforge/internal/sched"
	"synthforge/internal/solver"
)

var distillFaceMorph bool

var distillCmd = &cobra.Command{
	Use:   "distill",
	Short: "Distill a teacher synthesis model into a translation network",
	Long: `Trains the translation network on teacher-generated pairs: role "b"
is the teacher's input rendering, role "a" the teacher's output. The
face-morph variant conditions on two stacked references (roles "b" and
"c") for content and style.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		d := cfg.Distill
		task := distill.Task{FaceMorph: distillFaceMorph || d.FaceMorph}

		refRoles := []string{"b"}
		if task.FaceMorph {
			refRoles = []string{"b", "c"}
		}
		loaderOpts := dataset.LoaderOptions{
			BatchSize: cfg.BatchSize,
			Height:    cfg.ImageSize,
			Width:     cfg.ImageSize,
			Flip:      cfg.Flip,
			Seed:      cfg.Seed,
			RefRoles:  refRoles,
		}

		spec := pix2pix.Spec{
			Batch:      cfg.BatchSize,
			Height:     cfg.ImageSize,
			Width:      cfg.ImageSize,
			LambdaFeat: cfg.Pix2Pix.LambdaFeat,
		}

		return runGAN(cmd.Context(), cfg, ganRun{
			spec:      spec,
			loader:    loaderOpts,
			adam:      solver.Config{LearnRate: d.LearnRate, Beta1: d.Beta1, Beta2: d.Beta2},
			genSched:  sched.Constant{Base: d.LearnRate},
			discSched: sched.Constant{Base: d.LearnRate},
			build: func(store *params.Store, spec pix2pix.Spec) (*pix2pix.GenStep, *pix2pix.DiscStep) {
				steps := distill.Build(store, task, spec)
				return steps.Gen, steps.Disc
			},
		})
	},
}

func init() {
	distillCmd.Flags().BoolVar(&distillFaceMorph, "face-morph", false,
		"condition on stacked content and style references")
	rootCmd.AddCommand(distillCmd)
}
