package pix2pix

import (
	"fmt"

	"gorgonia.org/gorgonia"

	"synthforge/internal/nn"
	"synthforge/internal/params"
)

// PerceptualScope prefixes the fixed feature network used by the
// perceptual loss. Its parameters are never handed to a solver; they are
// populated from a checkpoint when one is available.
const PerceptualScope = "perceptual"

func one() *gorgonia.Node  { return gorgonia.NewConstant(float32(1)) }
func half() *gorgonia.Node { return gorgonia.NewConstant(float32(0.5)) }

// lsReal is mean((d-1)^2), averaged over scales.
func lsReal(outs []DiscOutput) *gorgonia.Node {
	return meanOverScales(outs, func(patch *gorgonia.Node) *gorgonia.Node {
		diff := gorgonia.Must(gorgonia.Sub(patch, one()))
		return gorgonia.Must(gorgonia.Mean(gorgonia.Must(gorgonia.Square(diff))))
	})
}

// lsFake is mean(d^2), averaged over scales.
func lsFake(outs []DiscOutput) *gorgonia.Node {
	return meanOverScales(outs, func(patch *gorgonia.Node) *gorgonia.Node {
		return gorgonia.Must(gorgonia.Mean(gorgonia.Must(gorgonia.Square(patch))))
	})
}

func meanOverScales(outs []DiscOutput, term func(*gorgonia.Node) *gorgonia.Node) *gorgonia.Node {
	var total *gorgonia.Node
	for _, out := range outs {
		t := term(out.Patch)
		if total == nil {
			total = t
			continue
		}
		total = gorgonia.Must(gorgonia.Add(total, t))
	}
	scale := gorgonia.NewConstant(float32(1) / float32(len(outs)))
	return gorgonia.Must(gorgonia.Mul(total, scale))
}

// featureMatching is the mean L1 distance between real and fake
// discriminator features, over every scale and tap, scaled by lambda.
func featureMatching(real, fake []DiscOutput, lambda float64) *gorgonia.Node {
	var total *gorgonia.Node
	count := 0
	for s := range real {
		for l := range real[s].Feats {
			diff := gorgonia.Must(gorgonia.Sub(fake[s].Feats[l], real[s].Feats[l]))
			t := gorgonia.Must(gorgonia.Mean(gorgonia.Must(gorgonia.Abs(diff))))
			if total == nil {
				total = t
			} else {
				total = gorgonia.Must(gorgonia.Add(total, t))
			}
			count++
		}
	}
	scale := gorgonia.NewConstant(float32(lambda) / float32(count))
	return gorgonia.Must(gorgonia.Mul(total, scale))
}

// perceptualFeatures runs the fixed feature network and returns its taps.
func perceptualFeatures(sc *params.Scope, x *gorgonia.Node) []*gorgonia.Node {
	net := sc.Sub(PerceptualScope)
	channels := []int{16, 32, 64}
	var taps []*gorgonia.Node
	h := x
	for i, ch := range channels {
		h = nn.Conv2d(net, fmt.Sprintf("c%d", i), h, ch, 3, 2, 1)
		h = gorgonia.Must(gorgonia.Rectify(h))
		taps = append(taps, h)
	}
	return taps
}

// perceptualLoss compares feature-net taps of real and fake, weighting
// deeper taps less.
func perceptualLoss(sc *params.Scope, real, fake *gorgonia.Node, lambda float64) *gorgonia.Node {
	realTaps := perceptualFeatures(sc, real)
	fakeTaps := perceptualFeatures(sc, fake)

	var total *gorgonia.Node
	weight := float32(1)
	for i := range realTaps {
		diff := gorgonia.Must(gorgonia.Sub(fakeTaps[i], realTaps[i]))
		t := gorgonia.Must(gorgonia.Mean(gorgonia.Must(gorgonia.Abs(diff))))
		t = gorgonia.Must(gorgonia.Mul(t, gorgonia.NewConstant(weight)))
		if total == nil {
			total = t
		} else {
			total = gorgonia.Must(gorgonia.Add(total, t))
		}
		weight *= 0.5
	}
	return gorgonia.Must(gorgonia.Mul(total, gorgonia.NewConstant(float32(lambda))))
}
