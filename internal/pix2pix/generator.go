// Package pix2pix assembles conditional-GAN translation graphs: a
// coarse-to-fine generator, a multi-scale patch discriminator and the
// LSGAN / feature-matching / perceptual losses, plus the paired step
// graphs the trainer alternates between.
package pix2pix

import (
	"fmt"

	"gorgonia.org/gorgonia"

	"synthforge/internal/nn"
	"synthforge/internal/params"
)

// GeneratorConfig sizes the coarse-to-fine generator. Scales of 1 runs
// the global network alone at full resolution.
type GeneratorConfig struct {
	Scales          int
	GlobalChannels  int
	LocalChannels   int
	GlobalResBlocks int
	LocalResBlocks  int
	Downsamples     int
	OutChannels     int
}

func (c GeneratorConfig) withDefaults() GeneratorConfig {
	if c.Scales <= 0 {
		c.Scales = 1
	}
	if c.GlobalChannels <= 0 {
		c.GlobalChannels = 64
	}
	if c.LocalChannels <= 0 {
		c.LocalChannels = 32
	}
	if c.GlobalResBlocks <= 0 {
		c.GlobalResBlocks = 9
	}
	if c.LocalResBlocks <= 0 {
		c.LocalResBlocks = 3
	}
	if c.Downsamples <= 0 {
		c.Downsamples = 3
	}
	if c.OutChannels <= 0 {
		c.OutChannels = 3
	}
	return c
}

// Generator builds the translation network under scope "generator" and
// returns the synthesized image in [-1, 1].
func Generator(sc *params.Scope, cfg GeneratorConfig, x *gorgonia.Node) *gorgonia.Node {
	cfg = cfg.withDefaults()
	gen := sc.Sub("generator")

	// Input pyramid: the global network sees the coarsest level.
	levels := []*gorgonia.Node{x}
	for i := 1; i < cfg.Scales; i++ {
		levels = append(levels, nn.AvgPool2x(levels[i-1]))
	}

	feat := globalFeatures(gen.Sub("global"), cfg, levels[cfg.Scales-1])
	if cfg.Scales == 1 {
		return imageHead(gen.Sub("global"), cfg, feat)
	}

	local := gen.Sub("local")
	for i := cfg.Scales - 2; i >= 0; i-- {
		enhancer := local.Sub(fmt.Sprintf("enhancer%d", i))
		front := frontEnd(enhancer, cfg.LocalChannels, levels[i])
		feat = gorgonia.Must(gorgonia.Add(front, feat))
		for r := 0; r < cfg.LocalResBlocks; r++ {
			feat = residualBlock(enhancer, fmt.Sprintf("res%d", r), feat)
		}
		feat = upBlock(enhancer, "up", feat, cfg.LocalChannels)
		if i == 0 {
			return imageHead(enhancer, cfg, feat)
		}
	}
	return feat // unreachable
}

// globalFeatures is the global network without its image head: a 7x7
// stem, strided downsampling, residual blocks and mirrored upsampling.
func globalFeatures(sc *params.Scope, cfg GeneratorConfig, x *gorgonia.Node) *gorgonia.Node {
	ch := cfg.GlobalChannels
	h := nn.Conv2d(sc, "stem", x, ch, 7, 1, 3)
	h = gorgonia.Must(gorgonia.Rectify(nn.InstanceNorm(sc, "stem", h)))

	for i := 0; i < cfg.Downsamples; i++ {
		ch *= 2
		h = nn.Conv2d(sc, fmt.Sprintf("down%d", i), h, ch, 3, 2, 1)
		h = gorgonia.Must(gorgonia.Rectify(nn.InstanceNorm(sc, fmt.Sprintf("down%d", i), h)))
	}
	for r := 0; r < cfg.GlobalResBlocks; r++ {
		h = residualBlock(sc, fmt.Sprintf("res%d", r), h)
	}
	for i := cfg.Downsamples - 1; i >= 0; i-- {
		ch /= 2
		h = upConv(sc, fmt.Sprintf("up%d", i), h, ch)
	}
	// Features leave at LocalChannels so enhancer sums line up.
	if cfg.Scales > 1 && ch != cfg.LocalChannels {
		h = nn.Conv2d(sc, "bridge", h, cfg.LocalChannels, 3, 1, 1)
		h = gorgonia.Must(gorgonia.Rectify(nn.InstanceNorm(sc, "bridge", h)))
	}
	return h
}

// frontEnd downsamples one enhancer level to meet the coarser features.
func frontEnd(sc *params.Scope, ch int, x *gorgonia.Node) *gorgonia.Node {
	h := nn.Conv2d(sc, "stem", x, ch, 7, 1, 3)
	h = gorgonia.Must(gorgonia.Rectify(nn.InstanceNorm(sc, "stem", h)))
	h = nn.Conv2d(sc, "down", h, ch, 3, 2, 1)
	return gorgonia.Must(gorgonia.Rectify(nn.InstanceNorm(sc, "down", h)))
}

func upBlock(sc *params.Scope, name string, x *gorgonia.Node, ch int) *gorgonia.Node {
	return upConv(sc, name, x, ch)
}

func upConv(sc *params.Scope, name string, x *gorgonia.Node, ch int) *gorgonia.Node {
	h := nn.Upsample2x(x)
	h = nn.Conv2d(sc, name, h, ch, 3, 1, 1)
	return gorgonia.Must(gorgonia.Rectify(nn.InstanceNorm(sc, name, h)))
}

func residualBlock(sc *params.Scope, name string, x *gorgonia.Node) *gorgonia.Node {
	ch := x.Shape()[1]
	block := sc.Sub(name)
	h := nn.Conv2d(block, "c0", x, ch, 3, 1, 1)
	h = gorgonia.Must(gorgonia.Rectify(nn.InstanceNorm(block, "c0", h)))
	h = nn.Conv2d(block, "c1", h, ch, 3, 1, 1)
	h = nn.InstanceNorm(block, "c1", h)
	return gorgonia.Must(gorgonia.Add(x, h))
}

func imageHead(sc *params.Scope, cfg GeneratorConfig, feat *gorgonia.Node) *gorgonia.Node {
	out := nn.Conv2d(sc, "head", feat, cfg.OutChannels, 7, 1, 3)
	return gorgonia.Must(gorgonia.Tanh(out))
}
