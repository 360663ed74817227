// Package config loads and validates run configuration. Values come
// from a YAML file layered over built-in defaults, with CLI overrides
// applied last.
package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	DataRoot            string `mapstructure:"data_root"`
	SaveDir             string `mapstructure:"save_dir"`
	LoadPath            string `mapstructure:"load_path"`
	BatchSize           int    `mapstructure:"batch_size"`
	Epochs              int    `mapstructure:"epochs"`
	ItersPerEpoch       int    `mapstructure:"iters_per_epoch"`
	NumWorkers          int    `mapstructure:"num_workers"`
	Replicas            int    `mapstructure:"replicas"`
	Seed                int64  `mapstructure:"seed"`
	PrintEvery          int    `mapstructure:"print_every"`
	EpochsPerCheckpoint int    `mapstructure:"epochs_per_checkpoint"`
	ImageSize           int    `mapstructure:"image_size"`
	Flip                bool   `mapstructure:"flip"`

	Pix2Pix     Pix2PixConfig     `mapstructure:"pix2pix"`
	Distill     DistillConfig     `mapstructure:"distill"`
	FastSpeech2 FastSpeech2Config `mapstructure:"fastspeech2"`
	WaveGlow    WaveGlowConfig    `mapstructure:"waveglow"`
}

// Pix2PixConfig tunes the translation GAN.
type Pix2PixConfig struct {
	LearnRate        float64 `mapstructure:"learn_rate"`
	Beta1            float64 `mapstructure:"beta1"`
	Beta2            float64 `mapstructure:"beta2"`
	LambdaFeat       float64 `mapstructure:"lambda_feat"`
	LambdaPerceptual float64 `mapstructure:"lambda_perceptual"`
	UsePerceptual    bool    `mapstructure:"use_perceptual"`
	GenScales        int     `mapstructure:"gen_scales"`
	DiscScales       int     `mapstructure:"disc_scales"`
	GlobalResBlocks  int     `mapstructure:"global_res_blocks"`
	LocalResBlocks   int     `mapstructure:"local_res_blocks"`
	Downsamples      int     `mapstructure:"downsamples"`
	NumLabels        int     `mapstructure:"num_labels"`
	UseInstanceMaps  bool    `mapstructure:"use_instance_maps"`
	FixGlobalEpochs  int     `mapstructure:"fix_global_epochs"`
	DecayStartEpoch  int     `mapstructure:"decay_start_epoch"`
}

// DistillConfig tunes teacher-to-student GAN distillation.
type DistillConfig struct {
	FaceMorph bool    `mapstructure:"face_morph"`
	LearnRate float64 `mapstructure:"learn_rate"`
	Beta1     float64 `mapstructure:"beta1"`
	Beta2     float64 `mapstructure:"beta2"`
}

// FastSpeech2Config shapes the mel-spectrogram decoder.
type FastSpeech2Config struct {
	Layers         int     `mapstructure:"layers"`
	Heads          int     `mapstructure:"heads"`
	Hidden         int     `mapstructure:"hidden"`
	ConvFilterSize int     `mapstructure:"conv_filter_size"`
	ConvKernelSize int     `mapstructure:"conv_kernel_size"`
	Dropout        float64 `mapstructure:"dropout"`
	MaxMelLen      int     `mapstructure:"max_mel_len"`
}

// WaveGlowConfig holds vocoder training hyperparameters.
type WaveGlowConfig struct {
	SampleRate    int     `mapstructure:"sample_rate"`
	NFFT          int     `mapstructure:"n_fft"`
	NMels         int     `mapstructure:"n_mels"`
	MelFmin       float64 `mapstructure:"mel_fmin"`
	MelFmax       float64 `mapstructure:"mel_fmax"`
	HopLength     int     `mapstructure:"hop_length"`
	WinLength     int     `mapstructure:"win_length"`
	NFlows        int     `mapstructure:"n_flows"`
	NGroups       int     `mapstructure:"n_groups"`
	NEarlyEvery   int     `mapstructure:"n_early_every"`
	NEarlySize    int     `mapstructure:"n_early_size"`
	Sigma         float64 `mapstructure:"sigma"`
	SegmentLength int     `mapstructure:"segment_length"`
	WNLayers      int     `mapstructure:"wn_layers"`
	WNKernelSize  int     `mapstructure:"wn_kernel_size"`
	WNChannels    int     `mapstructure:"wn_channels"`
	Seed          int64   `mapstructure:"seed"`
	BatchSize     int     `mapstructure:"batch_size"`
	Epochs        int     `mapstructure:"epochs"`
	LearnRate     float64 `mapstructure:"learn_rate"`
	WeightDecay   float64 `mapstructure:"weight_decay"`
	GradClip      float64 `mapstructure:"grad_clip"`
	AnnealFactor  float64 `mapstructure:"anneal_factor"`
	AnnealSteps   []int   `mapstructure:"anneal_steps"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	DataRoot   string
	SaveDir    string
	LoadPath   string
	BatchSize  int
	Epochs     int
	NumWorkers int
	Replicas   int
	Seed       int64
	PrintEvery int
}

// Load reads and validates a Config. An empty path yields defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "read config")
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("save_dir", "runs")
	v.SetDefault("batch_size", 1)
	v.SetDefault("epochs", 200)
	v.SetDefault("iters_per_epoch", 1000)
	v.SetDefault("num_workers", 2)
	v.SetDefault("replicas", 1)
	v.SetDefault("seed", 42)
	v.SetDefault("print_every", 20)
	v.SetDefault("epochs_per_checkpoint", 50)
	v.SetDefault("image_size", 512)
	v.SetDefault("flip", true)

	v.SetDefault("pix2pix.learn_rate", 2e-4)
	v.SetDefault("pix2pix.beta1", 0.5)
	v.SetDefault("pix2pix.beta2", 0.999)
	v.SetDefault("pix2pix.lambda_feat", 10.0)
	v.SetDefault("pix2pix.lambda_perceptual", 10.0)
	v.SetDefault("pix2pix.gen_scales", 2)
	v.SetDefault("pix2pix.disc_scales", 2)
	v.SetDefault("pix2pix.global_res_blocks", 9)
	v.SetDefault("pix2pix.local_res_blocks", 3)
	v.SetDefault("pix2pix.downsamples", 3)
	v.SetDefault("pix2pix.num_labels", 0)
	v.SetDefault("pix2pix.fix_global_epochs", 0)
	v.SetDefault("pix2pix.decay_start_epoch", 100)

	v.SetDefault("distill.learn_rate", 2e-4)
	v.SetDefault("distill.beta1", 0.5)
	v.SetDefault("distill.beta2", 0.999)

	v.SetDefault("fastspeech2.layers", 4)
	v.SetDefault("fastspeech2.heads", 2)
	v.SetDefault("fastspeech2.hidden", 256)
	v.SetDefault("fastspeech2.conv_filter_size", 1024)
	v.SetDefault("fastspeech2.conv_kernel_size", 9)
	v.SetDefault("fastspeech2.dropout", 0.2)
	v.SetDefault("fastspeech2.max_mel_len", 1000)

	v.SetDefault("waveglow.sample_rate", 22050)
	v.SetDefault("waveglow.n_fft", 1024)
	v.SetDefault("waveglow.n_mels", 80)
	v.SetDefault("waveglow.mel_fmin", 0.0)
	v.SetDefault("waveglow.mel_fmax", 8000.0)
	v.SetDefault("waveglow.hop_length", 256)
	v.SetDefault("waveglow.win_length", 1024)
	v.SetDefault("waveglow.n_flows", 12)
	v.SetDefault("waveglow.n_groups", 8)
	v.SetDefault("waveglow.n_early_every", 4)
	v.SetDefault("waveglow.n_early_size", 2)
	v.SetDefault("waveglow.sigma", 1.0)
	v.SetDefault("waveglow.segment_length", 8000)
	v.SetDefault("waveglow.wn_layers", 8)
	v.SetDefault("waveglow.wn_kernel_size", 3)
	v.SetDefault("waveglow.wn_channels", 256)
	v.SetDefault("waveglow.seed", 123456)
	v.SetDefault("waveglow.batch_size", 4)
	v.SetDefault("waveglow.epochs", 1001)
	v.SetDefault("waveglow.learn_rate", 1e-4)
	v.SetDefault("waveglow.weight_decay", 0.0)
	v.SetDefault("waveglow.grad_clip", 0.0)
	v.SetDefault("waveglow.anneal_factor", 0.1)
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.DataRoot != "" {
		c.DataRoot = o.DataRoot
	}
	if o.SaveDir != "" {
		c.SaveDir = o.SaveDir
	}
	if o.LoadPath != "" {
		c.LoadPath = o.LoadPath
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Replicas > 0 {
		c.Replicas = o.Replicas
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.PrintEvery > 0 {
		c.PrintEvery = o.PrintEvery
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.BatchSize <= 0 {
		return errors.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.Epochs <= 0 {
		return errors.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.ItersPerEpoch <= 0 {
		return errors.Errorf("iters_per_epoch must be > 0 (got %d)", c.ItersPerEpoch)
	}
	if c.NumWorkers <= 0 {
		return errors.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.Replicas <= 0 {
		return errors.Errorf("replicas must be > 0 (got %d)", c.Replicas)
	}
	if c.ImageSize <= 0 || c.ImageSize%16 != 0 {
		return errors.Errorf("image_size must be a positive multiple of 16 (got %d)", c.ImageSize)
	}
	if c.PrintEvery <= 0 {
		c.PrintEvery = 20
	}
	if c.Pix2Pix.FixGlobalEpochs < 0 {
		c.Pix2Pix.FixGlobalEpochs = 0
	}
	if c.Pix2Pix.DecayStartEpoch <= 0 || c.Pix2Pix.DecayStartEpoch > c.Epochs {
		c.Pix2Pix.DecayStartEpoch = c.Epochs / 2
	}
	if w := c.WaveGlow; w.NEarlySize > 0 && w.NGroups%w.NEarlySize != 0 {
		return errors.Errorf("waveglow n_groups (%d) must be divisible by n_early_size (%d)",
			w.NGroups, w.NEarlySize)
	}
	return nil
}
