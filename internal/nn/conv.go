// Package nn builds network pieces by composing gorgonia operators.
// Builders panic (via gorgonia.Must) on shape mismatch: graph assembly
// happens once at setup time and a mismatch is a configuration bug, not
// a runtime condition.
package nn

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"synthforge/internal/params"
)

// Conv2d applies a square convolution with bias. Weights live under
// scope name as "w" (outC, inC, k, k) and "b" (outC).
func Conv2d(sc *params.Scope, name string, x *gorgonia.Node, outC, kernel, stride, pad int) *gorgonia.Node {
	inC := x.Shape()[1]
	block := sc.Sub(name)
	w := block.Weight("w", outC, inC, kernel, kernel)
	b := block.Bias("b", outC)

	y := gorgonia.Must(gorgonia.Conv2d(x, w,
		tensor.Shape{kernel, kernel},
		[]int{pad, pad}, []int{stride, stride}, []int{1, 1}))
	return addChannelBias(y, b)
}

// Conv1d applies a 1-D convolution over (B, C, T) input by routing
// through Conv2d with a unit height.
func Conv1d(sc *params.Scope, name string, x *gorgonia.Node, outC, kernel, pad int) *gorgonia.Node {
	shape := x.Shape()
	bsz, inC, steps := shape[0], shape[1], shape[2]

	block := sc.Sub(name)
	w := block.Weight("w", outC, inC, 1, kernel)
	b := block.Bias("b", outC)

	x4 := gorgonia.Must(gorgonia.Reshape(x, tensor.Shape{bsz, inC, 1, steps}))
	y := gorgonia.Must(gorgonia.Conv2d(x4, w,
		tensor.Shape{1, kernel},
		[]int{0, pad}, []int{1, 1}, []int{1, 1}))
	y = addChannelBias(y, b)
	return gorgonia.Must(gorgonia.Reshape(y, tensor.Shape{bsz, outC, steps}))
}

func addChannelBias(x, bias *gorgonia.Node) *gorgonia.Node {
	c := bias.Shape()[0]
	shaped := make(tensor.Shape, len(x.Shape()))
	axes := make([]byte, 0, len(x.Shape())-1)
	for i := range shaped {
		shaped[i] = 1
		if i != 1 {
			axes = append(axes, byte(i))
		}
	}
	shaped[1] = c
	b := gorgonia.Must(gorgonia.Reshape(bias, shaped))
	return gorgonia.Must(gorgonia.BroadcastAdd(x, b, nil, axes))
}

// Upsample2x doubles spatial resolution by nearest-neighbour repetition.
func Upsample2x(x *gorgonia.Node) *gorgonia.Node {
	return gorgonia.Must(gorgonia.Upsample2D(x, 2))
}

// AvgPool2x halves spatial resolution with a 3x3 stride-2 mean filter
// applied per channel, the pyramid downsampling used between
// discriminator scales. The filter is a constant, so no gradient flows
// into it.
func AvgPool2x(x *gorgonia.Node) *gorgonia.Node {
	shape := x.Shape()
	bsz, c, h, w := shape[0], shape[1], shape[2], shape[3]

	kernel := make([]float32, 9)
	for i := range kernel {
		kernel[i] = 1.0 / 9.0
	}
	k := gorgonia.NewConstant(
		tensor.New(tensor.WithShape(1, 1, 3, 3), tensor.WithBacking(kernel)),
		gorgonia.In(x.Graph()))

	flat := gorgonia.Must(gorgonia.Reshape(x, tensor.Shape{bsz * c, 1, h, w}))
	pooled := gorgonia.Must(gorgonia.Conv2d(flat, k,
		tensor.Shape{3, 3}, []int{1, 1}, []int{2, 2}, []int{1, 1}))
	ph, pw := pooled.Shape()[2], pooled.Shape()[3]
	return gorgonia.Must(gorgonia.Reshape(pooled, tensor.Shape{bsz, c, ph, pw}))
}

// LeakyRelu is the activation used throughout the discriminators.
func LeakyRelu(x *gorgonia.Node) *gorgonia.Node {
	return gorgonia.Must(gorgonia.LeakyRelu(x, 0.2))
}
