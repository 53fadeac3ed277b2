// Package config loads run configuration from defaults, an optional JSON
// or YAML file, and SEQTRAIN_-prefixed environment variables, in that
// order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	kjson "github.com/knadh/koanf/parsers/json"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// ErrFileNotFound reports that an upward search exhausted every parent
// directory.
var ErrFileNotFound = errors.New("file not found")

const envPrefix = "SEQTRAIN_"

// Config carries every setting a training run needs.
type Config struct {
	RootDir string      `koanf:"root_dir" json:"root_dir" validate:"required"`
	Device  string      `koanf:"device" json:"device" validate:"required,oneof=cpu"`
	Seed    int64       `koanf:"seed" json:"seed"`
	Train   TrainConfig `koanf:"train" json:"train"`
	Model   ModelConfig `koanf:"model" json:"model"`
	Data    DataConfig  `koanf:"data" json:"data"`
}

// TrainConfig controls the optimization schedule.
type TrainConfig struct {
	LossWeight     []float64 `koanf:"loss_weight" json:"loss_weight" validate:"omitempty,min=2,dive,gte=0"`
	LR             float64   `koanf:"lr" json:"lr" validate:"gt=0"`
	Gamma          float64   `koanf:"gamma" json:"gamma" validate:"gt=0,lte=1"`
	TrainBatchSize int       `koanf:"train_batch_size" json:"train_batch_size" validate:"gt=0"`
	ValBatchSize   int       `koanf:"val_batch_size" json:"val_batch_size" validate:"gt=0"`
	Epoch          int       `koanf:"epoch" json:"epoch" validate:"gt=0"`
}

// ModelConfig describes the classifier architecture.
type ModelConfig struct {
	InputSize  int     `koanf:"input_size" json:"input_size" validate:"gt=0"`
	HiddenSize []int   `koanf:"hidden_size" json:"hidden_size" validate:"min=1,dive,gt=0"`
	Dropout    float64 `koanf:"dropout" json:"dropout" validate:"gte=0,lt=1"`
}

// DataConfig points at the datasets. Empty paths fall back to generated
// synthetic data.
type DataConfig struct {
	TrainPath string `koanf:"train_path" json:"train_path"`
	ValPath   string `koanf:"val_path" json:"val_path"`
	Classes   int    `koanf:"classes" json:"classes" validate:"gte=2"`
	Samples   int    `koanf:"samples" json:"samples" validate:"gt=0"`
}

// Default returns the baseline configuration that file and environment
// settings are merged over.
func Default() Config {
	return Config{
		RootDir: ".",
		Device:  "cpu",
		Seed:    42,
		Train: TrainConfig{
			LR:             0.1,
			Gamma:          0.5,
			TrainBatchSize: 16,
			ValBatchSize:   16,
			Epoch:          10,
		},
		Model: ModelConfig{
			InputSize:  8,
			HiddenSize: []int{128},
			Dropout:    0.0,
		},
		Data: DataConfig{
			Classes: 2,
			Samples: 512,
		},
	}
}

// Load merges the optional config file and the environment over the
// defaults and validates the result. The file format follows its
// extension; environment variables use the SEQTRAIN_ prefix with "__"
// separating nesting levels, so SEQTRAIN_TRAIN__LR sets train.lr.
// Comma-separated environment values populate list settings.
func Load(path string) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, errors.Wrapf(err, "loading config file %s", path)
		}
	}

	envProvider := env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, interface{}) {
		name := normalizeEnvKey(key)
		if strings.Contains(value, ",") {
			return name, strings.Split(value, ",")
		}
		return name, value
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, errors.Wrap(err, "loading environment")
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, errors.Wrap(err, "parsing configuration")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return kjson.Parser(), nil
	case ".yaml", ".yml":
		return kyaml.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func normalizeEnvKey(key string) string {
	key = strings.TrimPrefix(key, envPrefix)
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "__", ".")
}

// Validate checks field constraints plus the cross-field rules the tags
// cannot express.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if n := len(c.Train.LossWeight); n > 0 && n != c.Data.Classes {
		return fmt.Errorf("loss_weight has %d entries for %d classes", n, c.Data.Classes)
	}
	return nil
}

// LossWeights returns the configured per-class weights, or uniform weights
// when none are set.
func (c Config) LossWeights() []float64 {
	if len(c.Train.LossWeight) > 0 {
		return append([]float64(nil), c.Train.LossWeight...)
	}
	weights := make([]float64, c.Data.Classes)
	for i := range weights {
		weights[i] = 1
	}
	return weights
}

// LoadDotEnv loads environment variables from the nearest fileName found
// walking up from the working directory. It returns the loaded path, or
// an empty path when no file exists; only a malformed file is an error.
func LoadDotEnv(fileName string) (string, error) {
	path, err := searchUpwards(fileName)
	if err != nil {
		if errors.Is(err, ErrFileNotFound) {
			return "", nil
		}
		return "", err
	}
	if err := godotenv.Load(path); err != nil {
		return "", errors.Wrapf(err, "loading %s", path)
	}
	return path, nil
}

func searchUpwards(fileName string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(wd, fileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}

		parent := filepath.Dir(wd)
		if parent == wd {
			return "", errors.Wrap(ErrFileNotFound, fileName)
		}
		wd = parent
	}
}
