package report

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"synthforge/internal/comm"
)

func TestReporterWritesCSVAndImages(t *testing.T) {
	dir := t.TempDir()
	r, err := New(comm.Null{}, dir, 1)
	require.NoError(t, err)

	r.EpochStart(0, 2)
	for i := 0; i < 2; i++ {
		err := r.Step(map[string]float64{"g_gan": 0.5, "d_real": 0.25},
			4, time.Millisecond, time.Millisecond)
		require.NoError(t, err)
	}

	backing := make([]float32, 1*3*4*4)
	fake := tensor.New(tensor.WithShape(1, 3, 4, 4), tensor.WithBacking(backing))
	require.NoError(t, r.EpochEnd(0, map[string]*tensor.Dense{"GeneratedImage": fake}))

	f, err := os.Open(filepath.Join(r.Dir(), "losses.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Equal(t, []string{"epoch", "d_real", "g_gan"}, rows[0])
	require.Len(t, rows, 2)

	_, err = os.Stat(filepath.Join(r.Dir(), "images", "GeneratedImage_000.png"))
	require.NoError(t, err)
}

func TestEpochMeanSpansLogWindows(t *testing.T) {
	dir := t.TempDir()
	// printEvery=1 resets the periodic window on every step; the epoch
	// series must still average the whole epoch.
	r, err := New(comm.Null{}, dir, 1)
	require.NoError(t, err)

	r.EpochStart(0, 4)
	for _, v := range []float64{1, 2, 3, 6} {
		require.NoError(t, r.Step(map[string]float64{"g_gan": v},
			1, time.Millisecond, time.Millisecond))
	}
	require.NoError(t, r.EpochEnd(0, nil))

	f, err := os.Open(filepath.Join(r.Dir(), "losses.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	got, err := strconv.ParseFloat(rows[1][1], 64)
	require.NoError(t, err)
	require.InDelta(t, 3.0, got, 1e-9)
}

func TestTensorImageRange(t *testing.T) {
	backing := []float32{-1, 0, 1, 2} // 1x1x2x2
	d := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking(backing))
	img, err := TensorImage(d, 0)
	require.NoError(t, err)

	r0, _, _, _ := img.At(0, 0).RGBA()
	require.Zero(t, r0>>8)
	r3, _, _, _ := img.At(1, 1).RGBA()
	require.EqualValues(t, 255, r3>>8) // clamped

	_, err = TensorImage(d, 1)
	require.Error(t, err)
}

func TestStepAveragesAcrossReplicas(t *testing.T) {
	group := comm.NewLocalGroup(2)
	dir := t.TempDir()

	done := make(chan error, 2)
	for rank := 0; rank < 2; rank++ {
		go func(rank int) {
			r, err := New(group.Communicator(rank), dir, 100)
			if err != nil {
				done <- err
				return
			}
			r.EpochStart(0, 1)
			done <- r.Step(map[string]float64{"loss": float64(rank * 2)},
				1, time.Millisecond, time.Millisecond)
		}(rank)
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)
}
