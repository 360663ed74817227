package fastspeech2

import (
	"testing"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"synthforge/internal/params"
)

func TestDecoderShape(t *testing.T) {
	store := params.NewStore(1)
	g := gorgonia.NewGraph()
	sc := store.Scope(g)

	cfg := DecoderConfig{
		Layers: 2, Heads: 2, Hidden: 16,
		ConvFilterSize: 32, ConvKernelSize: 3, MaxMelLen: 8,
	}
	x := gorgonia.NewTensor(g, tensor.Float32, 3,
		gorgonia.WithShape(2, cfg.MaxMelLen, cfg.Hidden), gorgonia.WithName("emb"))
	mask := gorgonia.NewTensor(g, tensor.Float32, 3,
		gorgonia.WithShape(2, cfg.MaxMelLen, 1), gorgonia.WithName("mask"))

	y := Decoder(sc, cfg, x, mask)
	want := tensor.Shape{2, cfg.MaxMelLen, cfg.Hidden}
	if !y.Shape().Eq(want) {
		t.Fatalf("decoder output shape %v, want %v", y.Shape(), want)
	}
}

func TestDecoderMaskZeroesPaddedFrames(t *testing.T) {
	store := params.NewStore(1)
	g := gorgonia.NewGraph()
	sc := store.Scope(g)

	cfg := DecoderConfig{
		Layers: 1, Heads: 1, Hidden: 4,
		ConvFilterSize: 8, ConvKernelSize: 3, MaxMelLen: 4,
	}
	x := gorgonia.NewTensor(g, tensor.Float32, 3,
		gorgonia.WithShape(1, 4, 4), gorgonia.WithName("emb"))
	mask := gorgonia.NewTensor(g, tensor.Float32, 3,
		gorgonia.WithShape(1, 4, 1), gorgonia.WithName("mask"))
	y := Decoder(sc, cfg, x, mask)

	xT := tensor.New(tensor.WithShape(1, 4, 4), tensor.WithBacking(make([]float32, 16)))
	for i := range xT.Data().([]float32) {
		xT.Data().([]float32)[i] = float32(i) * 0.1
	}
	// last frame padded
	maskT := tensor.New(tensor.WithShape(1, 4, 1), tensor.WithBacking([]float32{1, 1, 1, 0}))

	if err := gorgonia.Let(x, xT); err != nil {
		t.Fatalf("Let x: %v", err)
	}
	if err := gorgonia.Let(mask, maskT); err != nil {
		t.Fatalf("Let mask: %v", err)
	}
	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	out := y.Value().Data().([]float32)
	for i := 12; i < 16; i++ {
		if out[i] != 0 {
			t.Fatalf("padded frame leaked value %v at %d", out[i], i)
		}
	}
}
