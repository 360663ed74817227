package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 1, cfg.BatchSize)
	require.Equal(t, 200, cfg.Epochs)
	require.Equal(t, 512, cfg.ImageSize)
	require.Equal(t, 2e-4, cfg.Pix2Pix.LearnRate)
	require.Equal(t, 0.5, cfg.Pix2Pix.Beta1)
	require.Equal(t, 100, cfg.Pix2Pix.DecayStartEpoch)
	require.Equal(t, 22050, cfg.WaveGlow.SampleRate)
	require.Equal(t, 12, cfg.WaveGlow.NFlows)
	require.Equal(t, 8000, cfg.WaveGlow.SegmentLength)
	require.EqualValues(t, 123456, cfg.WaveGlow.Seed)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
batch_size: 8
image_size: 256
pix2pix:
  learn_rate: 0.001
  fix_global_epochs: 10
waveglow:
  anneal_steps: [500, 1000]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 8, cfg.BatchSize)
	require.Equal(t, 256, cfg.ImageSize)
	require.Equal(t, 0.001, cfg.Pix2Pix.LearnRate)
	require.Equal(t, 10, cfg.Pix2Pix.FixGlobalEpochs)
	require.Equal(t, []int{500, 1000}, cfg.WaveGlow.AnnealSteps)
	// untouched sections keep their defaults
	require.Equal(t, 0.999, cfg.Pix2Pix.Beta2)
	require.Equal(t, 4, cfg.FastSpeech2.Layers)
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := writeConfig(t, "batch_size: 0\n")
	_, err := Load(path)
	require.Error(t, err)

	path = writeConfig(t, "image_size: 100\n")
	_, err = Load(path)
	require.Error(t, err)

	path = writeConfig(t, `
waveglow:
  n_groups: 8
  n_early_size: 3
`)
	_, err = Load(path)
	require.Error(t, err)
}

func TestApplyOverrides(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.ApplyOverrides(Overrides{
		DataRoot:  "/data/shards",
		BatchSize: 16,
		Seed:      7,
	})
	require.Equal(t, "/data/shards", cfg.DataRoot)
	require.Equal(t, 16, cfg.BatchSize)
	require.EqualValues(t, 7, cfg.Seed)
	// zero values leave the config alone
	require.Equal(t, 200, cfg.Epochs)
}

func TestDecayStartClampedToEpochs(t *testing.T) {
	path := writeConfig(t, `
epochs: 50
pix2pix:
  decay_start_epoch: 80
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 25, cfg.Pix2Pix.DecayStartEpoch)
}
