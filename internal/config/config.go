package config

import (
	"errors"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks every error caused by an invalid or inconsistent configuration.
var ErrConfig = errors.New("configuration error")

// Config holds the experiment configuration. It is read once and shared read-only.
type Config struct {
	TargetModel string                 `yaml:"target_model" validate:"required"`
	Models      map[string]ModelConfig `yaml:"models" validate:"required,min=1,dive"`

	Pretokenized bool   `yaml:"pretokenized"`
	MaxSubstrs   int    `yaml:"max_substrs" validate:"gte=1"`
	FullDoc      bool   `yaml:"full_doc"`
	NSamples     int    `yaml:"n_samples" validate:"gte=0"`
	BatchSize    int    `yaml:"batch_size" validate:"gte=1"`
	RandomSeed   uint64 `yaml:"random_seed"`
	Aggregation  string `yaml:"aggregation" validate:"oneof=min max mean median"`

	BlackboxAttacks []string `yaml:"blackbox_attacks" validate:"required,min=1"`

	NeighborhoodConfig *NeighborhoodConfig `yaml:"neighborhood_config"`
	RefConfig          *ReferenceConfig    `yaml:"ref_config"`
	PerturbationConfig *PerturbationConfig `yaml:"perturbation_config"`
	MinKConfig         MinKConfig          `yaml:"min_k_config"`

	DatasetMember    string `yaml:"dataset_member"`
	DatasetNonmember string `yaml:"dataset_nonmember"`
	OutputDir        string `yaml:"output_dir"`

	Runtime   RuntimeConfig   `yaml:"runtime"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ModelConfig describes one ONNX model bundle.
type ModelConfig struct {
	Onnx         string `yaml:"onnx" validate:"required"`
	TokenizerDir string `yaml:"tokenizer_dir"`
	SeqLen       int    `yaml:"seq_len" validate:"gte=0"`
	Kind         string `yaml:"kind" validate:"omitempty,oneof=causal masked"`
	BOSID        *int64 `yaml:"bos_id"`
}

type NeighborhoodConfig struct {
	Model                    string      `yaml:"model"`
	NPerturbationList        []int       `yaml:"n_perturbation_list" validate:"dive,gte=1"`
	LoadFromCache            bool        `yaml:"load_from_cache"`
	DumpCache                bool        `yaml:"dump_cache"`
	OriginalTokenizationSwap bool        `yaml:"original_tokenization_swap"`
	PctWordsMasked           float64     `yaml:"pct_words_masked" validate:"gte=0,lte=1"`
	Cache                    CacheConfig `yaml:"cache"`
}

type CacheConfig struct {
	Backend string `yaml:"backend" validate:"omitempty,oneof=memory badger"`
	Path    string `yaml:"path"`
}

type ReferenceConfig struct {
	Models []string `yaml:"models"`
}

type PerturbationConfig struct {
	Models []string `yaml:"models"`
}

type MinKConfig struct {
	K float64 `yaml:"k" validate:"gte=0,lte=1"`
}

type RuntimeConfig struct {
	IntraThreads int `yaml:"intra_threads"`
	InterThreads int `yaml:"inter_threads"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`
}

type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Protocol string `yaml:"protocol"` // grpc | http | stdout
	Service  string `yaml:"service"`
}

const (
	defaultMaxSubstrs     = 20
	defaultBatchSize      = 50
	defaultAggregation    = "min"
	defaultMinK           = 0.2
	defaultPctWordsMasked = 0.3
	defaultOutputDir      = "results"
)

// Load reads configuration from a YAML file.
// If the file doesn't exist, it returns a default config and no error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultConfig(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

func defaultConfig() *Config {
	cfg := &Config{
		Models:          map[string]ModelConfig{},
		BlackboxAttacks: []string{"loss"},
	}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.MaxSubstrs == 0 {
		cfg.MaxSubstrs = defaultMaxSubstrs
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Aggregation == "" {
		cfg.Aggregation = defaultAggregation
	}
	if cfg.MinKConfig.K == 0 {
		cfg.MinKConfig.K = defaultMinK
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = defaultOutputDir
	}
	if cfg.NeighborhoodConfig != nil {
		if cfg.NeighborhoodConfig.PctWordsMasked == 0 {
			cfg.NeighborhoodConfig.PctWordsMasked = defaultPctWordsMasked
		}
		if cfg.NeighborhoodConfig.Cache.Backend == "" {
			cfg.NeighborhoodConfig.Cache.Backend = "memory"
		}
	}
	for id, m := range cfg.Models {
		if m.Kind == "" {
			m.Kind = "causal"
		}
		if m.SeqLen == 0 {
			m.SeqLen = 512
		}
		cfg.Models[id] = m
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Telemetry.Service == "" {
		cfg.Telemetry.Service = "mia"
	}
}

// DumpingNeighbors reports whether this run populates the neighbor cache instead of scoring it.
func (c *Config) DumpingNeighbors() bool {
	return c != nil && c.NeighborhoodConfig != nil && c.NeighborhoodConfig.DumpCache
}

// LoadingNeighbors reports whether neighbor scores are read from a precomputed cache.
func (c *Config) LoadingNeighbors() bool {
	return c != nil && c.NeighborhoodConfig != nil && c.NeighborhoodConfig.LoadFromCache
}

// NPerturbations returns the configured neighbor counts, or nil when the
// neighborhood attack is not configured.
func (c *Config) NPerturbations() []int {
	if c == nil || c.NeighborhoodConfig == nil {
		return nil
	}
	return c.NeighborhoodConfig.NPerturbationList
}

// ReferenceModels returns the configured reference model ids.
func (c *Config) ReferenceModels() []string {
	if c == nil || c.RefConfig == nil {
		return nil
	}
	return c.RefConfig.Models
}

// PerturbationModels returns the configured perturbation model ids.
func (c *Config) PerturbationModels() []string {
	if c == nil || c.PerturbationConfig == nil {
		return nil
	}
	return c.PerturbationConfig.Models
}
