package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"synthforge/internal/fastspeech2"
	"synthforge/internal/params"
)

var fastspeech2Cmd = &cobra.Command{
	Use:   "fastspeech2",
	Short: "Summarize the mel decoder the current config builds",
	Long: `Builds the mel decoder graph from the fastspeech2 config section and
prints its output shape and parameter counts, without running anything.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		f := cfg.FastSpeech2

		store := params.NewStore(cfg.Seed)
		g := gorgonia.NewGraph()
		sc := store.Scope(g)
		x := gorgonia.NewTensor(g, tensor.Float32, 3,
			gorgonia.WithShape(1, f.MaxMelLen, f.Hidden),
			gorgonia.WithName("embeddings"))
		mask := gorgonia.NewTensor(g, tensor.Float32, 3,
			gorgonia.WithShape(1, f.MaxMelLen, 1),
			gorgonia.WithName("mask"))

		out := fastspeech2.Decoder(sc, fastspeech2.DecoderConfig{
			Layers:         f.Layers,
			Heads:          f.Heads,
			Hidden:         f.Hidden,
			ConvFilterSize: f.ConvFilterSize,
			ConvKernelSize: f.ConvKernelSize,
			Dropout:        f.Dropout,
			MaxMelLen:      f.MaxMelLen,
		}, x, mask)

		var values int
		names := store.Names()
		for _, name := range names {
			if d, ok := store.Get(name); ok {
				values += d.Shape().TotalSize()
			}
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "decoder output: %v\n", out.Shape())
		fmt.Fprintf(w, "layers=%d heads=%d hidden=%d filter=%d kernel=%d\n",
			f.Layers, f.Heads, f.Hidden, f.ConvFilterSize, f.ConvKernelSize)
		fmt.Fprintf(w, "parameters: %d tensors, %d values\n", len(names), values)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fastspeech2Cmd)
}
