package theseus

import (
	"math/rand"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ReplacementConfig selects the module replacement policy of the Theseus phase.
type ReplacementConfig struct {
	// Kind is "constant" or "linear".
	Kind  string  `yaml:"kind"`
	Rate  float64 `yaml:"rate"`
	Base  float64 `yaml:"base"`
	Slope float64 `yaml:"slope"`
}

// Config is everything a pipeline run reads. It is passed explicitly; nothing
// in the package keeps configuration in globals.
type Config struct {
	BatchSize           int     `yaml:"batch_size"`
	LearningRate        float32 `yaml:"learning_rate"`
	Epochs              int     `yaml:"epochs"`
	LRDecayGamma        float32 `yaml:"lr_decay_gamma"`
	LogEveryNSteps      int     `yaml:"log_every_n_steps"`
	WeightDecay         float32 `yaml:"weight_decay"`
	Seed                int64   `yaml:"seed"`
	Device              string  `yaml:"device"`
	ClassificationLayer string  `yaml:"classification_layer"`

	Label2IdxPath string `yaml:"label2idx_path"`
	TrainDataPath string `yaml:"train_data_path"`
	DevDataPath   string `yaml:"dev_data_path"`
	TestDataPath  string `yaml:"test_data_path"`

	Predecessor         EncoderConfig     `yaml:"predecessor"`
	Successor           EncoderConfig     `yaml:"successor"`
	PretrainedModelPath string            `yaml:"pretrained_model_path"`
	Replacement         ReplacementConfig `yaml:"replacement"`

	BestPredecessorModelPath string `yaml:"best_predecessor_model_path"`
	BestTheseusModelPath     string `yaml:"best_theseus_model_path"`
	BestSuccessorModelPath   string `yaml:"best_successor_model_path"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize:           16,
		LearningRate:        5e-5,
		Epochs:              3,
		LRDecayGamma:        0.95,
		LogEveryNSteps:      100,
		Seed:                42,
		Device:              string(CPU),
		ClassificationLayer: HeadLinear.String(),
		Label2IdxPath:       "data/label2idx.json",
		TrainDataPath:       "data/train.bin",
		DevDataPath:         "data/dev.bin",
		TestDataPath:        "data/test.bin",
		Predecessor: EncoderConfig{
			MaxSeqLen:     128,
			VocabSize:     8192,
			TypeVocabSize: 2,
			NumLayers:     6,
			NumHeads:      4,
			Channels:      128,
		},
		Successor: EncoderConfig{
			MaxSeqLen:     128,
			VocabSize:     8192,
			TypeVocabSize: 2,
			NumLayers:     3,
			NumHeads:      4,
			Channels:      128,
		},
		Replacement: ReplacementConfig{
			Kind:  "linear",
			Rate:  0.5,
			Base:  0.3,
			Slope: 1e-4,
		},
		BestPredecessorModelPath: "output/best_predecessor.bin",
		BestTheseusModelPath:     "output/best_theseus.bin",
		BestSuccessorModelPath:   "output/best_successor.bin",
	}
}

// LoadConfig overlays the YAML file at path on DefaultConfig and validates the result.
func LoadConfig(fs afero.Fs, path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, kindf(ErrConfig, "reading config %s: %v", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, kindf(ErrConfig, "parsing config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.WithMessagef(err, "config %s", path)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return kindf(ErrConfig, "batch_size must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return kindf(ErrConfig, "learning_rate must be positive, got %v", c.LearningRate)
	case c.Epochs < 0:
		return kindf(ErrConfig, "epochs must not be negative, got %d", c.Epochs)
	case c.LRDecayGamma <= 0:
		return kindf(ErrConfig, "lr_decay_gamma must be positive, got %v", c.LRDecayGamma)
	case c.LogEveryNSteps < 0:
		return kindf(ErrConfig, "log_every_n_steps must not be negative, got %d", c.LogEveryNSteps)
	case c.WeightDecay < 0:
		return kindf(ErrConfig, "weight_decay must not be negative, got %v", c.WeightDecay)
	}
	if _, err := ParseDevice(c.Device); err != nil {
		return err
	}
	if _, err := ParseHeadKind(c.ClassificationLayer); err != nil {
		return err
	}
	for _, p := range []struct{ name, path string }{
		{"label2idx_path", c.Label2IdxPath},
		{"train_data_path", c.TrainDataPath},
		{"dev_data_path", c.DevDataPath},
		{"test_data_path", c.TestDataPath},
		{"best_predecessor_model_path", c.BestPredecessorModelPath},
		{"best_theseus_model_path", c.BestTheseusModelPath},
		{"best_successor_model_path", c.BestSuccessorModelPath},
	} {
		if strings.TrimSpace(p.path) == "" {
			return kindf(ErrConfig, "%s is required", p.name)
		}
	}
	if err := c.Predecessor.Validate(); err != nil {
		return errors.WithMessage(err, "predecessor")
	}
	if err := c.Successor.Validate(); err != nil {
		return errors.WithMessage(err, "successor")
	}
	if c.Predecessor.NumLayers%c.Successor.NumLayers != 0 {
		return kindf(ErrConfig, "predecessor num_layers %d is not a multiple of successor num_layers %d",
			c.Predecessor.NumLayers, c.Successor.NumLayers)
	}
	_, err := c.Policy(rand.New(rand.NewSource(c.Seed)))
	return err
}

// TrainConfig derives the training loop settings.
func (c Config) TrainConfig() TrainConfig {
	t := DefaultTrainConfig()
	t.LearningRate = c.LearningRate
	t.Epochs = c.Epochs
	t.LRDecayGamma = c.LRDecayGamma
	t.LogEveryNSteps = c.LogEveryNSteps
	t.WeightDecay = c.WeightDecay
	return t
}

// Policy builds the configured replacement policy drawing from rng.
func (c Config) Policy(rng *rand.Rand) (ReplacementPolicy, error) {
	r := c.Replacement
	switch strings.ToLower(r.Kind) {
	case "constant":
		if r.Rate < 0 || r.Rate > 1 {
			return nil, kindf(ErrConfig, "replacement rate %v outside [0, 1]", r.Rate)
		}
		return &ConstantReplacement{Rate: r.Rate, Rand: rng}, nil
	case "", "linear":
		if r.Base < 0 || r.Base > 1 || r.Slope < 0 {
			return nil, kindf(ErrConfig, "linear replacement needs base in [0, 1] and slope >= 0, got %v and %v", r.Base, r.Slope)
		}
		return &LinearReplacement{Base: r.Base, Slope: r.Slope, Rand: rng}, nil
	default:
		return nil, kindf(ErrConfig, "unknown replacement kind %q", r.Kind)
	}
}
