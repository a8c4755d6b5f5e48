package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Validate checks the loaded config for required fields and consistent values.
// Every returned error wraps ErrConfig.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrConfig)
	}

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %s", ErrConfig, describeValidation(err))
	}

	if _, ok := cfg.Models[cfg.TargetModel]; !ok {
		return fmt.Errorf("%w: target_model %q not found in models", ErrConfig, cfg.TargetModel)
	}

	for _, id := range cfg.ReferenceModels() {
		if err := requireModel(cfg, "ref_config.models", id, "causal"); err != nil {
			return err
		}
	}
	for _, id := range cfg.PerturbationModels() {
		if err := requireModel(cfg, "perturbation_config.models", id, "causal"); err != nil {
			return err
		}
	}

	if err := ValidateNeighborhood(cfg.NeighborhoodConfig); err != nil {
		return err
	}
	if n := cfg.NeighborhoodConfig; n != nil && n.DumpCache {
		if strings.TrimSpace(n.Model) == "" {
			return fmt.Errorf("%w: neighborhood_config.model must be set when dump_cache is true", ErrConfig)
		}
		if err := requireModel(cfg, "neighborhood_config.model", n.Model, "masked"); err != nil {
			return err
		}
	}

	if cfg.Telemetry.Enabled {
		switch strings.ToLower(strings.TrimSpace(cfg.Telemetry.Protocol)) {
		case "", "grpc", "http":
			if strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
				return fmt.Errorf("%w: telemetry enabled but endpoint is empty", ErrConfig)
			}
		case "stdout":
		default:
			return fmt.Errorf("%w: telemetry.protocol must be grpc, http or stdout, got %q", ErrConfig, cfg.Telemetry.Protocol)
		}
	}

	return nil
}

// ValidateNeighborhood rejects mutually exclusive cache modes. It runs before
// any model work so the run aborts without touching a model.
func ValidateNeighborhood(n *NeighborhoodConfig) error {
	if n == nil {
		return nil
	}
	if n.LoadFromCache && n.DumpCache {
		return fmt.Errorf("%w: cannot dump and load neighbors from cache at the same time; set one of load_from_cache or dump_cache to false", ErrConfig)
	}
	if n.Cache.Backend == "badger" && strings.TrimSpace(n.Cache.Path) == "" && (n.LoadFromCache || n.DumpCache) {
		return fmt.Errorf("%w: neighborhood_config.cache.path is required for the badger backend", ErrConfig)
	}
	return nil
}

func requireModel(cfg *Config, field, id, kind string) error {
	m, ok := cfg.Models[id]
	if !ok {
		return fmt.Errorf("%w: %s references unknown model %q", ErrConfig, field, id)
	}
	if m.Kind != "" && m.Kind != kind {
		return fmt.Errorf("%w: %s model %q must be of kind %s, got %s", ErrConfig, field, id, kind, m.Kind)
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
