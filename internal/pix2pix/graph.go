package pix2pix

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"synthforge/internal/params"
)

// Spec fixes the shapes and loss weights of one translation problem.
type Spec struct {
	Batch         int
	InChannels    int
	Height, Width int

	Gen  GeneratorConfig
	Disc DiscriminatorConfig

	LambdaFeat       float64
	LambdaPerceptual float64
	UsePerceptual    bool
}

// GenStep is the generator-side graph: conditioning input and real image
// in, synthesized image and generator loss out. Discriminator parameters
// appear in this graph through shared storage but are never stepped here.
type GenStep struct {
	Graph *gorgonia.ExprGraph
	Scope *params.Scope

	Input *gorgonia.Node
	Real  *gorgonia.Node
	Fake  *gorgonia.Node

	Loss  *gorgonia.Node
	Terms map[string]*gorgonia.Node
}

// DiscStep is the discriminator-side graph. The synthesized image enters
// as a plain input, so no gradient can reach the generator from here.
type DiscStep struct {
	Graph *gorgonia.ExprGraph
	Scope *params.Scope

	Input *gorgonia.Node
	Real  *gorgonia.Node
	Fake  *gorgonia.Node

	Loss  *gorgonia.Node
	Terms map[string]*gorgonia.Node
}

// BuildGenStep assembles the generator optimization graph on store.
func BuildGenStep(store *params.Store, spec Spec) *GenStep {
	g := gorgonia.NewGraph()
	sc := store.Scope(g)

	x := gorgonia.NewTensor(g, tensor.Float32, 4,
		gorgonia.WithShape(spec.Batch, spec.InChannels, spec.Height, spec.Width),
		gorgonia.WithName("input"))
	real := gorgonia.NewTensor(g, tensor.Float32, 4,
		gorgonia.WithShape(spec.Batch, spec.Gen.withDefaults().OutChannels, spec.Height, spec.Width),
		gorgonia.WithName("real"))

	fake := Generator(sc, spec.Gen, x)

	dFake := Discriminator(sc, spec.Disc, gorgonia.Must(gorgonia.Concat(1, fake, x)))
	dReal := Discriminator(sc, spec.Disc, gorgonia.Must(gorgonia.Concat(1, real, x)))

	terms := map[string]*gorgonia.Node{
		"g_gan":  lsReal(dFake),
		"g_feat": featureMatching(dReal, dFake, spec.LambdaFeat),
	}
	loss := gorgonia.Must(gorgonia.Add(terms["g_gan"], terms["g_feat"]))
	if spec.UsePerceptual {
		terms["g_perceptual"] = perceptualLoss(sc, real, fake, spec.LambdaPerceptual)
		loss = gorgonia.Must(gorgonia.Add(loss, terms["g_perceptual"]))
	}

	return &GenStep{
		Graph: g, Scope: sc,
		Input: x, Real: real, Fake: fake,
		Loss: loss, Terms: terms,
	}
}

// BuildDiscStep assembles the discriminator optimization graph on store.
func BuildDiscStep(store *params.Store, spec Spec) *DiscStep {
	g := gorgonia.NewGraph()
	sc := store.Scope(g)

	outCh := spec.Gen.withDefaults().OutChannels
	x := gorgonia.NewTensor(g, tensor.Float32, 4,
		gorgonia.WithShape(spec.Batch, spec.InChannels, spec.Height, spec.Width),
		gorgonia.WithName("input"))
	real := gorgonia.NewTensor(g, tensor.Float32, 4,
		gorgonia.WithShape(spec.Batch, outCh, spec.Height, spec.Width),
		gorgonia.WithName("real"))
	fake := gorgonia.NewTensor(g, tensor.Float32, 4,
		gorgonia.WithShape(spec.Batch, outCh, spec.Height, spec.Width),
		gorgonia.WithName("fake"))

	dReal := Discriminator(sc, spec.Disc, gorgonia.Must(gorgonia.Concat(1, real, x)))
	dFake := Discriminator(sc, spec.Disc, gorgonia.Must(gorgonia.Concat(1, fake, x)))

	terms := map[string]*gorgonia.Node{
		"d_real": lsReal(dReal),
		"d_fake": lsFake(dFake),
	}
	loss := gorgonia.Must(gorgonia.Mul(
		gorgonia.Must(gorgonia.Add(terms["d_real"], terms["d_fake"])), half()))

	return &DiscStep{
		Graph: g, Scope: sc,
		Input: x, Real: real, Fake: fake,
		Loss: loss, Terms: terms,
	}
}
