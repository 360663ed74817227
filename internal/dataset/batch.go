package dataset

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// FlipDecisions draws one horizontal-flip decision per sample.
func FlipDecisions(rng *rand.Rand, n int, enabled bool) []bool {
	out := make([]bool, n)
	if !enabled {
		return out
	}
	for i := range out {
		out[i] = rng.Intn(2) == 1
	}
	return out
}

// ImageBatch decodes one role of every sample into a (B, 3, H, W)
// float32 batch scaled to [-1, 1]. Images are resized to the target
// shape by nearest neighbour, and flipped samples are mirrored.
func ImageBatch(samples []Sample, role string, flips []bool, h, w int) (*tensor.Dense, error) {
	bsz := len(samples)
	data := make([]float32, bsz*3*h*w)
	plane := h * w
	for i, sample := range samples {
		img, err := decodePart(sample, role)
		if err != nil {
			return nil, err
		}
		base := i * 3 * plane
		forEachPixel(img, flips[i], h, w, func(x, y int, r, g, b uint8) {
			idx := y*w + x
			data[base+idx] = scale(r)
			data[base+plane+idx] = scale(g)
			data[base+2*plane+idx] = scale(b)
		})
	}
	return tensor.New(tensor.WithShape(bsz, 3, h, w), tensor.WithBacking(data)), nil
}

// LabelOneHot decodes a label-id map role into a (B, nIDs, H, W)
// one-hot batch. Ids above nIDs-1 are clamped.
func LabelOneHot(samples []Sample, role string, flips []bool, nIDs, h, w int) (*tensor.Dense, error) {
	bsz := len(samples)
	data := make([]float32, bsz*nIDs*h*w)
	plane := h * w
	for i, sample := range samples {
		img, err := decodePart(sample, role)
		if err != nil {
			return nil, err
		}
		base := i * nIDs * plane
		forEachPixel(img, flips[i], h, w, func(x, y int, r, _, _ uint8) {
			id := int(r)
			if id >= nIDs {
				id = nIDs - 1
			}
			data[base+id*plane+y*w+x] = 1
		})
	}
	return tensor.New(tensor.WithShape(bsz, nIDs, h, w), tensor.WithBacking(data)), nil
}

// BoundaryMap decodes an instance-id map role into a (B, 1, H, W) edge
// mask: a pixel is 1 where its id differs from the pixel above or to
// the left.
func BoundaryMap(samples []Sample, role string, flips []bool, h, w int) (*tensor.Dense, error) {
	bsz := len(samples)
	data := make([]float32, bsz*h*w)
	ids := make([]uint8, h*w)
	for i, sample := range samples {
		img, err := decodePart(sample, role)
		if err != nil {
			return nil, err
		}
		forEachPixel(img, flips[i], h, w, func(x, y int, r, _, _ uint8) {
			ids[y*w+x] = r
		})
		base := i * h * w
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				idx := y*w + x
				if (x > 0 && ids[idx] != ids[idx-1]) || (y > 0 && ids[idx] != ids[idx-w]) {
					data[base+idx] = 1
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(bsz, 1, h, w), tensor.WithBacking(data)), nil
}

// ConcatChannels joins batches along the channel axis.
func ConcatChannels(batches ...*tensor.Dense) (*tensor.Dense, error) {
	if len(batches) == 1 {
		return batches[0], nil
	}
	rest := make([]tensor.Tensor, len(batches)-1)
	for i, b := range batches[1:] {
		rest[i] = b
	}
	joined, err := tensor.Concat(1, batches[0], rest...)
	if err != nil {
		return nil, errors.Wrap(err, "concat channels")
	}
	return joined.(*tensor.Dense), nil
}

func decodePart(sample Sample, role string) (image.Image, error) {
	raw, ok := sample.Parts[role]
	if !ok {
		return nil, errors.Errorf("sample %s has no %q part", sample.Key, role)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s.%s", sample.Key, role)
	}
	return img, nil
}

// forEachPixel walks the target grid, sampling the source image by
// nearest neighbour and applying the horizontal flip.
func forEachPixel(img image.Image, flip bool, h, w int, fn func(x, y int, r, g, b uint8)) {
	bounds := img.Bounds()
	sw, sh := bounds.Dx(), bounds.Dy()
	for y := 0; y < h; y++ {
		sy := bounds.Min.Y + y*sh/h
		for x := 0; x < w; x++ {
			tx := x
			if flip {
				tx = w - 1 - x
			}
			sx := bounds.Min.X + x*sw/w
			r, g, b, _ := img.At(sx, sy).RGBA()
			fn(tx, y, uint8(r>>8), uint8(g>>8), uint8(b>>8))
		}
	}
}

func scale(v uint8) float32 {
	return float32(v)/127.5 - 1
}
