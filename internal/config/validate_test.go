package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func baseConfig() *Config {
	cfg := &Config{
		TargetModel:     "pythia",
		Models:          map[string]ModelConfig{"pythia": {Onnx: "pythia/model.onnx"}},
		BlackboxAttacks: []string{"loss"},
	}
	applyDefaults(cfg)
	return cfg
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "missing target model",
			mutate: func(c *Config) { c.TargetModel = "" },
			want:   "TargetModel",
		},
		{
			name:   "target not in models",
			mutate: func(c *Config) { c.TargetModel = "gpt" },
			want:   "target_model",
		},
		{
			name:   "no attacks",
			mutate: func(c *Config) { c.BlackboxAttacks = nil },
			want:   "BlackboxAttacks",
		},
		{
			name:   "unknown aggregation",
			mutate: func(c *Config) { c.Aggregation = "sum" },
			want:   "Aggregation",
		},
		{
			name:   "unknown reference model",
			mutate: func(c *Config) { c.RefConfig = &ReferenceConfig{Models: []string{"missing"}} },
			want:   "unknown model",
		},
		{
			name: "dump and load together",
			mutate: func(c *Config) {
				c.NeighborhoodConfig = &NeighborhoodConfig{NPerturbationList: []int{5}, LoadFromCache: true, DumpCache: true}
			},
			want: "cannot dump and load",
		},
		{
			name: "dump without mask model",
			mutate: func(c *Config) {
				c.NeighborhoodConfig = &NeighborhoodConfig{NPerturbationList: []int{5}, DumpCache: true}
			},
			want: "neighborhood_config.model",
		},
		{
			name: "mask model of wrong kind",
			mutate: func(c *Config) {
				c.NeighborhoodConfig = &NeighborhoodConfig{Model: "pythia", NPerturbationList: []int{5}, DumpCache: true}
			},
			want: "kind masked",
		},
		{
			name: "telemetry without endpoint",
			mutate: func(c *Config) {
				c.Telemetry = TelemetryConfig{Enabled: true, Protocol: "grpc"}
			},
			want: "endpoint",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := baseConfig()
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected error containing %q", tc.want)
			}
			if !errors.Is(err, ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not contain %q", err.Error(), tc.want)
			}
		})
	}
}

func TestValidateOK(t *testing.T) {
	cfg := baseConfig()
	cfg.Models["ref"] = ModelConfig{Onnx: "ref.onnx", Kind: "causal", SeqLen: 128}
	cfg.Models["bert"] = ModelConfig{Onnx: "bert.onnx", Kind: "masked", SeqLen: 128}
	cfg.RefConfig = &ReferenceConfig{Models: []string{"ref"}}
	cfg.NeighborhoodConfig = &NeighborhoodConfig{Model: "bert", NPerturbationList: []int{5, 10}, DumpCache: true}
	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mia.yaml")
	body := `
target_model: pythia
models:
  pythia:
    onnx: models/pythia.onnx
blackbox_attacks: [loss, ref, ne]
neighborhood_config:
  n_perturbation_list: [5, 10]
  load_from_cache: true
ref_config:
  models: [pythia]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxSubstrs != defaultMaxSubstrs || cfg.BatchSize != defaultBatchSize {
		t.Fatalf("defaults not applied: max_substrs=%d batch_size=%d", cfg.MaxSubstrs, cfg.BatchSize)
	}
	if cfg.Aggregation != "min" {
		t.Fatalf("expected min aggregation, got %q", cfg.Aggregation)
	}
	if got := cfg.Models["pythia"]; got.Kind != "causal" || got.SeqLen != 512 {
		t.Fatalf("model defaults not applied: %+v", got)
	}
	if cfg.NeighborhoodConfig.Cache.Backend != "memory" {
		t.Fatalf("expected memory cache backend, got %q", cfg.NeighborhoodConfig.Cache.Backend)
	}
	if !cfg.LoadingNeighbors() || cfg.DumpingNeighbors() {
		t.Fatalf("unexpected neighbor modes")
	}
	if got := cfg.NPerturbations(); len(got) != 2 || got[1] != 10 {
		t.Fatalf("unexpected perturbation list %v", got)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MaxSubstrs != defaultMaxSubstrs || len(cfg.BlackboxAttacks) != 1 {
		t.Fatalf("expected default config, got %+v", cfg)
	}
}
