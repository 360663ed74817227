package nn

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"synthforge/internal/params"
)

const normEps = 1e-5

// InstanceNorm normalizes each (channel, sample) plane of a (B, C, H, W)
// tensor and applies learnable per-channel scale and bias. The scale and
// bias tensors sit under the instnorm scope segment so parameter filters
// can exclude them from solvers.
func InstanceNorm(sc *params.Scope, name string, x *gorgonia.Node) *gorgonia.Node {
	shape := x.Shape()
	bsz, c := shape[0], shape[1]

	block := sc.Sub(name).Sub(params.InstanceNormSegment)
	scale := block.Param("scale", tensor.Shape{c}, params.Ones())
	bias := block.Param("bias", tensor.Shape{c}, params.Zeros())

	mean := gorgonia.Must(gorgonia.Mean(x, 2, 3))
	mean4 := gorgonia.Must(gorgonia.Reshape(mean, tensor.Shape{bsz, c, 1, 1}))
	centered := gorgonia.Must(gorgonia.BroadcastSub(x, mean4, nil, []byte{2, 3}))

	variance := gorgonia.Must(gorgonia.Mean(gorgonia.Must(gorgonia.Square(centered)), 2, 3))
	variance4 := gorgonia.Must(gorgonia.Reshape(variance, tensor.Shape{bsz, c, 1, 1}))
	std := gorgonia.Must(gorgonia.Sqrt(gorgonia.Must(gorgonia.Add(variance4, eps()))))

	normed := gorgonia.Must(gorgonia.BroadcastHadamardDiv(centered, std, nil, []byte{2, 3}))

	scale4 := gorgonia.Must(gorgonia.Reshape(scale, tensor.Shape{1, c, 1, 1}))
	bias4 := gorgonia.Must(gorgonia.Reshape(bias, tensor.Shape{1, c, 1, 1}))
	normed = gorgonia.Must(gorgonia.BroadcastHadamardProd(normed, scale4, nil, []byte{0, 2, 3}))
	return gorgonia.Must(gorgonia.BroadcastAdd(normed, bias4, nil, []byte{0, 2, 3}))
}

// LayerNorm normalizes the trailing feature axis of a (B, T, H) tensor.
func LayerNorm(sc *params.Scope, name string, x *gorgonia.Node) *gorgonia.Node {
	shape := x.Shape()
	bsz, steps, dim := shape[0], shape[1], shape[2]

	block := sc.Sub(name)
	scale := block.Param("scale", tensor.Shape{dim}, params.Ones())
	bias := block.Param("bias", tensor.Shape{dim}, params.Zeros())

	mean := gorgonia.Must(gorgonia.Mean(x, 2))
	mean3 := gorgonia.Must(gorgonia.Reshape(mean, tensor.Shape{bsz, steps, 1}))
	centered := gorgonia.Must(gorgonia.BroadcastSub(x, mean3, nil, []byte{2}))

	variance := gorgonia.Must(gorgonia.Mean(gorgonia.Must(gorgonia.Square(centered)), 2))
	variance3 := gorgonia.Must(gorgonia.Reshape(variance, tensor.Shape{bsz, steps, 1}))
	std := gorgonia.Must(gorgonia.Sqrt(gorgonia.Must(gorgonia.Add(variance3, eps()))))

	normed := gorgonia.Must(gorgonia.BroadcastHadamardDiv(centered, std, nil, []byte{2}))

	scale3 := gorgonia.Must(gorgonia.Reshape(scale, tensor.Shape{1, 1, dim}))
	bias3 := gorgonia.Must(gorgonia.Reshape(bias, tensor.Shape{1, 1, dim}))
	normed = gorgonia.Must(gorgonia.BroadcastHadamardProd(normed, scale3, nil, []byte{0, 1}))
	return gorgonia.Must(gorgonia.BroadcastAdd(normed, bias3, nil, []byte{0, 1}))
}

func eps() *gorgonia.Node {
	return gorgonia.NewConstant(float32(normEps))
}
