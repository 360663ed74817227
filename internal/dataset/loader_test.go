package dataset

import (
	"context"
	"image"
	"reflect"
	"testing"

	"gorgonia.org/tensor"
)

func TestLoaderOptionsRoles(t *testing.T) {
	opts := LoaderOptions{RefRoles: []string{"b"}, NumLabels: 4, UseInstanceMaps: true}
	if got, want := opts.Roles(), []string{"a", "b", "id", "inst"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Roles() = %v, want %v", got, want)
	}
	if got := opts.InChannels(); got != 3+4+1 {
		t.Fatalf("InChannels() = %d", got)
	}
}

func TestLoaderNextShapes(t *testing.T) {
	samples := make(chan Sample, 4)
	errs := make(chan error)
	for i := 0; i < 4; i++ {
		samples <- pngSample(t, "k", map[string]image.Image{
			"a": gradientImage(8, 8),
			"b": gradientImage(8, 8),
		})
	}

	loader, err := NewLoader(samples, errs, LoaderOptions{
		BatchSize: 2,
		Height:    8,
		Width:     8,
		RefRoles:  []string{"b"},
	})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	input, real, err := loader.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !input.Shape().Eq(tensor.Shape{2, 3, 8, 8}) {
		t.Fatalf("input shape %v", input.Shape())
	}
	if !real.Shape().Eq(tensor.Shape{2, 3, 8, 8}) {
		t.Fatalf("real shape %v", real.Shape())
	}
}

func TestLoaderSemanticConditioning(t *testing.T) {
	samples := make(chan Sample, 2)
	errs := make(chan error)
	idMap := idImage([][]uint8{{0, 1}, {1, 1}})
	for i := 0; i < 2; i++ {
		samples <- pngSample(t, "k", map[string]image.Image{
			"a":    gradientImage(2, 2),
			"id":   idMap,
			"inst": idMap,
		})
	}

	loader, err := NewLoader(samples, errs, LoaderOptions{
		BatchSize:       1,
		Height:          2,
		Width:           2,
		NumLabels:       3,
		UseInstanceMaps: true,
	})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}

	input, _, err := loader.Next(context.Background())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !input.Shape().Eq(tensor.Shape{1, 4, 2, 2}) {
		t.Fatalf("input shape %v, want one-hot planes plus boundary", input.Shape())
	}
}

func TestLoaderRejectsBareOptions(t *testing.T) {
	if _, err := NewLoader(nil, nil, LoaderOptions{BatchSize: 1, Height: 4, Width: 4}); err == nil {
		t.Fatal("expected error when no conditioning is configured")
	}
	if _, err := NewLoader(nil, nil, LoaderOptions{Height: 4, Width: 4, RefRoles: []string{"b"}}); err == nil {
		t.Fatal("expected error for zero batch size")
	}
}

func TestLoaderCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loader, err := NewLoader(make(chan Sample), make(chan error), LoaderOptions{
		BatchSize: 1, Height: 4, Width: 4, RefRoles: []string{"b"},
	})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if _, _, err := loader.Next(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
