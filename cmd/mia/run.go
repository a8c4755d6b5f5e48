package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/straja-ai/mia/internal/attack"
	"github.com/straja-ai/mia/internal/config"
	"github.com/straja-ai/mia/internal/dataset"
	"github.com/straja-ai/mia/internal/lm"
	"github.com/straja-ai/mia/internal/logging"
	"github.com/straja-ai/mia/internal/neighbor"
	"github.com/straja-ai/mia/internal/pipeline"
	"github.com/straja-ai/mia/internal/redact"
	"github.com/straja-ai/mia/internal/results"
	"github.com/straja-ai/mia/internal/telemetry"
)

const version = "0.1.0"

func runExperiment(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if outputDir != "" {
		cfg.OutputDir = outputDir
	}

	logger, err = logging.New(cfg.Logging, verbose)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Service:  cfg.Telemetry.Service,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer tel.Shutdown(context.Background())

	target, err := newCausal(cfg, cfg.TargetModel)
	if err != nil {
		return err
	}
	refs, err := newCausalSet(cfg, cfg.ReferenceModels())
	if err != nil {
		return err
	}
	perturbs, err := newCausalSet(cfg, cfg.PerturbationModels())
	if err != nil {
		return err
	}
	attackers, err := attack.Build(attack.Deps{
		Config:        cfg,
		Target:        target,
		References:    refs,
		Perturbations: perturbs,
	}, cfg.BlackboxAttacks)
	if err != nil {
		return err
	}

	var gen neighbor.Generator
	if neighborhoodRequested(cfg) && cfg.DumpingNeighbors() {
		if gen, err = newMaskFiller(cfg); err != nil {
			return err
		}
	}

	logger.Info("loading target model", zap.String("model", cfg.TargetModel))
	if err := target.Load(ctx); err != nil {
		return fmt.Errorf("load target model: %w", err)
	}
	defer target.Unload()
	defer func() {
		for _, a := range attackers {
			if err := a.Unload(); err != nil {
				redact.Warnf("unload %s: %v", a.ID(), err)
			}
		}
	}()

	run := results.NewRun(cfg.TargetModel, cfg.Aggregation, cfg.BlackboxAttacks)
	for _, ds := range []struct{ name, path string }{
		{"member", cfg.DatasetMember},
		{"nonmember", cfg.DatasetNonmember},
	} {
		if ds.path == "" {
			continue
		}
		res, err := scoreDataset(ctx, cfg, ds.name, ds.path, target, attackers, gen, tel)
		if err != nil {
			return fmt.Errorf("%s: %w", ds.name, err)
		}
		run.Add(ds.name, res)
	}
	if len(run.Datasets) == 0 {
		return fmt.Errorf("%w: neither dataset_member nor dataset_nonmember is set", config.ErrConfig)
	}

	if err := results.Write(cfg.OutputDir, run); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	logger.Info("run complete", zap.String("run_id", run.ID), zap.String("output_dir", cfg.OutputDir))
	return nil
}

func scoreDataset(ctx context.Context, cfg *config.Config, name, path string, target lm.Model, attackers []*attack.Attacker, gen neighbor.Generator, tel *telemetry.Provider) (res *pipeline.Result, err error) {
	docs, err := dataset.LoadJSONL(path, cfg.Pretokenized)
	if err != nil {
		return nil, err
	}
	logger.Info("loaded dataset", zap.String("dataset", name), zap.Int("documents", len(docs)))

	var cache neighbor.Cache
	if n := cfg.NeighborhoodConfig; neighborhoodRequested(cfg) && (n.LoadFromCache || n.DumpCache) {
		if cache, err = neighbor.Open(n.Cache, name, nil); err != nil {
			return nil, err
		}
		defer func() {
			err = errors.Join(err, cache.Close())
		}()
	}

	p, err := pipeline.New(pipeline.Options{
		Config:    cfg,
		Target:    target,
		Attackers: attackers,
		Cache:     cache,
		Generator: gen,
		Dataset:   name,
		Telemetry: tel,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, dataset.Data{Records: docs})
}

// neighborhoodRequested reports whether the ne attack will run, so its mask
// filler and cache are only opened when something reads them.
func neighborhoodRequested(cfg *config.Config) bool {
	return cfg.NeighborhoodConfig != nil && slices.Contains(attack.Runnable(cfg.BlackboxAttacks), attack.KindNeighborhood)
}

func newCausal(cfg *config.Config, id string) (*lm.CausalLM, error) {
	mc, ok := cfg.Models[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model %q", config.ErrConfig, id)
	}
	m, err := lm.NewCausalLM(lm.CausalConfig{
		Name:         id,
		ModelPath:    mc.Onnx,
		TokenizerDir: mc.TokenizerDir,
		SeqLen:       mc.SeqLen,
		BOSID:        mc.BOSID,
		Runtime:      runtimeSettings(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("model %s: %w", id, err)
	}
	return m, nil
}

// newCausalSet builds one instance per id. Callers get separate sets per
// owning attack, so an id shared by two attacks is never unloaded under the other.
func newCausalSet(cfg *config.Config, ids []string) (map[string]lm.Model, error) {
	out := make(map[string]lm.Model, len(ids))
	for _, id := range ids {
		if _, ok := out[id]; ok {
			continue
		}
		m, err := newCausal(cfg, id)
		if err != nil {
			return nil, err
		}
		out[id] = m
	}
	return out, nil
}

func newMaskFiller(cfg *config.Config) (*neighbor.MaskFiller, error) {
	n := cfg.NeighborhoodConfig
	mc, ok := cfg.Models[n.Model]
	if !ok {
		return nil, fmt.Errorf("%w: unknown neighbor model %q", config.ErrConfig, n.Model)
	}
	return neighbor.NewMaskFiller(neighbor.MaskFillConfig{
		Name:           n.Model,
		ModelPath:      mc.Onnx,
		TokenizerDir:   mc.TokenizerDir,
		SeqLen:         mc.SeqLen,
		PctWordsMasked: n.PctWordsMasked,
		Seed:           cfg.RandomSeed,
		Runtime:        runtimeSettings(cfg),
	})
}

func runtimeSettings(cfg *config.Config) lm.RuntimeSettings {
	return lm.RuntimeSettings{IntraThreads: cfg.Runtime.IntraThreads, InterThreads: cfg.Runtime.InterThreads}
}
