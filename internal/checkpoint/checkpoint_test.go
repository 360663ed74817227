package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"synthforge/internal/params"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := EpochPath(dir, 7)

	src := params.NewStore(1)
	src.Dense("generator/global/stem/w", tensor.Shape{2, 3}, params.GlorotN(1.0, tensor.Shape{2, 3}))
	src.Dense("discriminator/scale0/l0/b", tensor.Shape{4}, params.Ones())
	require.NoError(t, Save(path, src))

	dst := params.NewStore(2)
	// pre-register one tensor so Load copies in place
	existing := dst.Dense("discriminator/scale0/l0/b", tensor.Shape{4}, params.Zeros())
	require.NoError(t, Load(path, dst))

	require.ElementsMatch(t,
		[]string{"generator/global/stem/w", "discriminator/scale0/l0/b"},
		dst.Names())

	got := existing.Data().([]float32)
	for _, v := range got {
		require.Equal(t, float32(1), v)
	}

	srcW, _ := src.Get("generator/global/stem/w")
	dstW, _ := dst.Get("generator/global/stem/w")
	require.Equal(t, srcW.Data().([]float32), dstW.Data().([]float32))
}

func TestLoadIfExistsMissingPath(t *testing.T) {
	store := params.NewStore(1)
	err := LoadIfExists(filepath.Join(t.TempDir(), "nope.safetensors"), store)
	require.NoError(t, err)
	require.Empty(t, store.Names())
}

func TestLoadIfExistsEmptyPath(t *testing.T) {
	require.NoError(t, LoadIfExists("", params.NewStore(1)))
}

func TestEpochNaming(t *testing.T) {
	require.Equal(t, filepath.Join("out", "param_010.safetensors"), EpochPath("out", 10))
	require.Equal(t, filepath.Join("out", "param_final.safetensors"), FinalPath("out"))
}
