package nn

import (
	"math"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"synthforge/internal/params"
)

// maskPenalty is added to attention scores at padded key positions.
const maskPenalty = 1e9

// PositionalEncoding returns the usual sinusoidal table as a (1, maxLen,
// dim) graph constant.
func PositionalEncoding(maxLen, dim int) *gorgonia.Node {
	data := make([]float32, maxLen*dim)
	for pos := 0; pos < maxLen; pos++ {
		for i := 0; i < dim; i++ {
			angle := float64(pos) / math.Pow(10000, float64(2*(i/2))/float64(dim))
			if i%2 == 0 {
				data[pos*dim+i] = float32(math.Sin(angle))
			} else {
				data[pos*dim+i] = float32(math.Cos(angle))
			}
		}
	}
	return gorgonia.NewConstant(
		tensor.New(tensor.WithShape(1, maxLen, dim), tensor.WithBacking(data)),
		gorgonia.WithName("positional_encoding"))
}

// AddPositionalEncoding adds pe (1, T, H) across the batch axis of x.
func AddPositionalEncoding(x, pe *gorgonia.Node) *gorgonia.Node {
	if pe.Graph() == nil {
		gorgonia.In(x.Graph())(pe)
	}
	return gorgonia.Must(gorgonia.BroadcastAdd(x, pe, nil, []byte{0}))
}

// Linear applies a learned affine map to the trailing axis of (B, T, H).
func Linear(sc *params.Scope, name string, x *gorgonia.Node, out int) *gorgonia.Node {
	shape := x.Shape()
	bsz, steps, dim := shape[0], shape[1], shape[2]

	block := sc.Sub(name)
	w := block.Weight("w", dim, out)
	b := block.Bias("b", out)

	flat := gorgonia.Must(gorgonia.Reshape(x, tensor.Shape{bsz * steps, dim}))
	y := gorgonia.Must(gorgonia.Mul(flat, w))
	b2 := gorgonia.Must(gorgonia.Reshape(b, tensor.Shape{1, out}))
	y = gorgonia.Must(gorgonia.BroadcastAdd(y, b2, nil, []byte{0}))
	return gorgonia.Must(gorgonia.Reshape(y, tensor.Shape{bsz, steps, out}))
}

// KeyMask reshapes a (B, T, 1) binary mask (1 = keep) into the additive
// (B, 1, 1, T) form consumed by SelfAttention.
func KeyMask(mask *gorgonia.Node) *gorgonia.Node {
	shape := mask.Shape()
	bsz, steps := shape[0], shape[1]
	m := gorgonia.Must(gorgonia.Reshape(mask, tensor.Shape{bsz, 1, 1, steps}))
	shifted := gorgonia.Must(gorgonia.Sub(m, gorgonia.NewConstant(float32(1))))
	return gorgonia.Must(gorgonia.Mul(shifted, gorgonia.NewConstant(float32(maskPenalty))))
}

// SelfAttention is scaled dot-product multi-head attention over (B, T, H).
// keyMask may be nil; otherwise it is the additive mask from KeyMask.
func SelfAttention(sc *params.Scope, name string, x *gorgonia.Node, heads int, keyMask *gorgonia.Node) *gorgonia.Node {
	shape := x.Shape()
	bsz, steps, dim := shape[0], shape[1], shape[2]
	dk := dim / heads

	block := sc.Sub(name)
	q := splitHeads(Linear(block, "q", x, dim), heads)
	k := splitHeads(Linear(block, "k", x, dim), heads)
	v := splitHeads(Linear(block, "v", x, dim), heads)

	kT := gorgonia.Must(gorgonia.Transpose(k, 0, 2, 1))
	scores := gorgonia.Must(gorgonia.BatchedMatMul(q, kT))
	scores = gorgonia.Must(gorgonia.Mul(scores,
		gorgonia.NewConstant(float32(1/math.Sqrt(float64(dk))))))

	if keyMask != nil {
		scores4 := gorgonia.Must(gorgonia.Reshape(scores, tensor.Shape{bsz, heads, steps, steps}))
		scores4 = gorgonia.Must(gorgonia.BroadcastAdd(scores4, keyMask, nil, []byte{1, 2}))
		scores = gorgonia.Must(gorgonia.Reshape(scores4, tensor.Shape{bsz * heads, steps, steps}))
	}

	weights := gorgonia.Must(gorgonia.SoftMax(scores, 2))
	ctx := gorgonia.Must(gorgonia.BatchedMatMul(weights, v))
	merged := mergeHeads(ctx, bsz, heads, steps, dk)
	return Linear(block, "out", merged, dim)
}

func splitHeads(x *gorgonia.Node, heads int) *gorgonia.Node {
	shape := x.Shape()
	bsz, steps, dim := shape[0], shape[1], shape[2]
	dk := dim / heads
	split := gorgonia.Must(gorgonia.Reshape(x, tensor.Shape{bsz, steps, heads, dk}))
	split = gorgonia.Must(gorgonia.Transpose(split, 0, 2, 1, 3))
	return gorgonia.Must(gorgonia.Reshape(split, tensor.Shape{bsz * heads, steps, dk}))
}

func mergeHeads(x *gorgonia.Node, bsz, heads, steps, dk int) *gorgonia.Node {
	merged := gorgonia.Must(gorgonia.Reshape(x, tensor.Shape{bsz, heads, steps, dk}))
	merged = gorgonia.Must(gorgonia.Transpose(merged, 0, 2, 1, 3))
	return gorgonia.Must(gorgonia.Reshape(merged, tensor.Shape{bsz, steps, heads * dk}))
}

// FFTConfig sizes one feed-forward transformer block.
type FFTConfig struct {
	Heads      int
	FilterSize int
	KernelSize int
	Dropout    float64
}

// FFTBlock is the FastSpeech building block: self-attention with residual
// and layer norm, then a two-layer 1-D convolutional feed-forward with
// residual and layer norm.
func FFTBlock(sc *params.Scope, name string, x *gorgonia.Node, keyMask *gorgonia.Node, cfg FFTConfig) *gorgonia.Node {
	block := sc.Sub(name)
	dim := x.Shape()[2]

	attn := SelfAttention(block, "attn", x, cfg.Heads, keyMask)
	attn = maybeDropout(attn, cfg.Dropout)
	x = LayerNorm(block, "attn_norm", gorgonia.Must(gorgonia.Add(x, attn)))

	pad := (cfg.KernelSize - 1) / 2
	ff := gorgonia.Must(gorgonia.Transpose(x, 0, 2, 1))
	ff = Conv1d(block, "ff0", ff, cfg.FilterSize, cfg.KernelSize, pad)
	ff = gorgonia.Must(gorgonia.Rectify(ff))
	ff = Conv1d(block, "ff1", ff, dim, cfg.KernelSize, pad)
	ff = gorgonia.Must(gorgonia.Transpose(ff, 0, 2, 1))
	ff = maybeDropout(ff, cfg.Dropout)
	return LayerNorm(block, "ff_norm", gorgonia.Must(gorgonia.Add(x, ff)))
}

// ApplyMask zeroes padded positions: mask is (B, T, 1) with 1 = keep.
func ApplyMask(x, mask *gorgonia.Node) *gorgonia.Node {
	return gorgonia.Must(gorgonia.BroadcastHadamardProd(x, mask, nil, []byte{2}))
}

func maybeDropout(x *gorgonia.Node, p float64) *gorgonia.Node {
	if p <= 0 {
		return x
	}
	return gorgonia.Must(gorgonia.Dropout(x, p))
}
