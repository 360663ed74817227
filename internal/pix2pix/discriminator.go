package pix2pix

import (
	"fmt"

	"gorgonia.org/gorgonia"

	"synthforge/internal/nn"
	"synthforge/internal/params"
)

// DiscriminatorConfig sizes the multi-scale patch discriminator.
type DiscriminatorConfig struct {
	Scales       int
	Layers       int
	BaseChannels int
}

func (c DiscriminatorConfig) withDefaults() DiscriminatorConfig {
	if c.Scales <= 0 {
		c.Scales = 2
	}
	if c.Layers <= 0 {
		c.Layers = 3
	}
	if c.BaseChannels <= 0 {
		c.BaseChannels = 64
	}
	return c
}

// DiscOutput carries one scale's patch map and its intermediate features
// for feature matching.
type DiscOutput struct {
	Patch *gorgonia.Node
	Feats []*gorgonia.Node
}

// Discriminator runs every scale of the patch discriminator on x, which
// is the channel concatenation of the image under judgement and its
// conditioning input. Scale i sees x downsampled i times.
func Discriminator(sc *params.Scope, cfg DiscriminatorConfig, x *gorgonia.Node) []DiscOutput {
	cfg = cfg.withDefaults()
	disc := sc.Sub("discriminator")

	outs := make([]DiscOutput, 0, cfg.Scales)
	level := x
	for i := 0; i < cfg.Scales; i++ {
		if i > 0 {
			level = nn.AvgPool2x(level)
		}
		outs = append(outs, patchGAN(disc.Sub(fmt.Sprintf("scale%d", i)), cfg, level))
	}
	return outs
}

// patchGAN is one 70x70-style patch classifier: strided 4x4 convolutions
// with leaky ReLU, instance norm everywhere except the first layer, and
// a single-channel patch head.
func patchGAN(sc *params.Scope, cfg DiscriminatorConfig, x *gorgonia.Node) DiscOutput {
	var feats []*gorgonia.Node

	ch := cfg.BaseChannels
	h := nn.Conv2d(sc, "l0", x, ch, 4, 2, 2)
	h = nn.LeakyRelu(h)
	feats = append(feats, h)

	for l := 1; l < cfg.Layers; l++ {
		ch *= 2
		name := fmt.Sprintf("l%d", l)
		h = nn.Conv2d(sc, name, h, ch, 4, 2, 2)
		h = nn.LeakyRelu(nn.InstanceNorm(sc, name, h))
		feats = append(feats, h)
	}

	h = nn.Conv2d(sc, "pre", h, ch, 4, 1, 2)
	h = nn.LeakyRelu(nn.InstanceNorm(sc, "pre", h))
	feats = append(feats, h)

	patch := nn.Conv2d(sc, "head", h, 1, 4, 1, 2)
	return DiscOutput{Patch: patch, Feats: feats}
}
