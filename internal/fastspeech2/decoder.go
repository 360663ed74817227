// Package fastspeech2 holds the acoustic-model pieces of the TTS stack.
// Only the mel decoder lives here: a stack of feed-forward transformer
// blocks applied to length-regulated phoneme embeddings.
package fastspeech2

import (
	"fmt"

	"gorgonia.org/gorgonia"

	"synthforge/internal/nn"
	"synthforge/internal/params"
)

// DecoderConfig mirrors the decoder hyperparameters.
type DecoderConfig struct {
	Layers         int
	Heads          int
	Hidden         int
	ConvFilterSize int
	ConvKernelSize int
	Dropout        float64
	MaxMelLen      int
}

func (c DecoderConfig) withDefaults() DecoderConfig {
	if c.Layers <= 0 {
		c.Layers = 4
	}
	if c.Heads <= 0 {
		c.Heads = 2
	}
	if c.Hidden <= 0 {
		c.Hidden = 256
	}
	if c.ConvFilterSize <= 0 {
		c.ConvFilterSize = 1024
	}
	if c.ConvKernelSize <= 0 {
		c.ConvKernelSize = 9
	}
	return c
}

// Decoder turns embeddings (B, MaxMelLen, Hidden) into mel-scale frames
// of the same shape. mask is (B, MaxMelLen, 1) with 1 on valid frames and
// may be nil; masked positions come out as zeros.
func Decoder(sc *params.Scope, cfg DecoderConfig, x, mask *gorgonia.Node) *gorgonia.Node {
	cfg = cfg.withDefaults()
	dec := sc.Sub("decoder")

	pe := nn.PositionalEncoding(cfg.MaxMelLen, cfg.Hidden)
	h := nn.AddPositionalEncoding(x, pe)

	var keyMask *gorgonia.Node
	if mask != nil {
		keyMask = nn.KeyMask(mask)
	}
	for i := 0; i < cfg.Layers; i++ {
		h = nn.FFTBlock(dec, fmt.Sprintf("fft%d", i), h, keyMask, nn.FFTConfig{
			Heads:      cfg.Heads,
			FilterSize: cfg.ConvFilterSize,
			KernelSize: cfg.ConvKernelSize,
			Dropout:    cfg.Dropout,
		})
	}
	if mask != nil {
		h = nn.ApplyMask(h, mask)
	}
	return h
}
