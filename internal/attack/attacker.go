// Package attack implements the membership inference strategies. Every
// strategy maps a sample to a scalar where lower means more member-like.
package attack

import (
	"context"
	"errors"
	"fmt"

	"github.com/straja-ai/mia/internal/config"
	"github.com/straja-ai/mia/internal/lm"
)

var (
	// ErrNoPerturbationModels is a construction error: the perturbation
	// score divides by the number of comparison models.
	ErrNoPerturbationModels = fmt.Errorf("%w: perturbation attack needs at least one perturbation model", config.ErrConfig)
	// ErrMissingDetokenized is returned when pretokenized input arrives
	// without its detokenized text.
	ErrMissingDetokenized = fmt.Errorf("%w: pretokenized input requires a detokenized sample", config.ErrConfig)
	// ErrMissingDistribution is returned by min_k++ when the probabilities
	// carry no per-position distribution statistics.
	ErrMissingDistribution = errors.New("token probabilities have no distribution statistics")
	// ErrNoNeighbors is returned by the neighborhood attack for an empty neighbor set.
	ErrNoNeighbors = errors.New("no neighbors to compare against")
)

// Input is what a strategy scores. For pretokenized input Sample carries
// both the original token ids and the detokenized text.
type Input struct {
	Sample lm.Sample
	// Probs are the target model's probabilities for Sample, when already computed.
	Probs *lm.TokenProbabilities
	// Loss is the target model's loss for Sample, when already computed.
	Loss *float64
	// Neighbors are the neighbor texts of Sample (neighborhood attack only).
	Neighbors []string
}

// Strategy is the capability every attack implements. Load and Unload
// acquire and release the models the strategy owns; the target model is
// shared and never loaded or unloaded here.
type Strategy interface {
	Kind() Kind
	Load(ctx context.Context) error
	Unload() error
	Score(ctx context.Context, in Input) (float64, error)
}

// Options carries the per-call context of Attacker.Attack.
type Options struct {
	// Detokenized is required when the run is pretokenized.
	Detokenized *string
	Loss        *float64
	Neighbors   []string
}

// Attacker guards a Strategy's lifecycle and enforces the input contract.
// It is used from a single goroutine.
type Attacker struct {
	id           string
	strategy     Strategy
	pretokenized bool
	loaded       bool
}

// NewAttacker wraps s under the result identifier id.
func NewAttacker(id string, s Strategy, pretokenized bool) *Attacker {
	return &Attacker{id: id, strategy: s, pretokenized: pretokenized}
}

// ID is the key the attacker's scores are reported under.
func (a *Attacker) ID() string { return a.id }

func (a *Attacker) Kind() Kind { return a.strategy.Kind() }

func (a *Attacker) IsLoaded() bool { return a.loaded }

// Load acquires the strategy's owned models. Loading twice is a no-op.
func (a *Attacker) Load(ctx context.Context) error {
	if a.loaded {
		return nil
	}
	if err := a.strategy.Load(ctx); err != nil {
		return fmt.Errorf("load attack %s: %w", a.id, err)
	}
	a.loaded = true
	return nil
}

// Unload releases the strategy's owned models. Unloading an unloaded
// attacker is a no-op.
func (a *Attacker) Unload() error {
	if !a.loaded {
		return nil
	}
	a.loaded = false
	if err := a.strategy.Unload(); err != nil {
		return fmt.Errorf("unload attack %s: %w", a.id, err)
	}
	return nil
}

// Attack scores sample, loading the strategy first if needed. For
// pretokenized runs sample carries token ids and opts.Detokenized its text.
func (a *Attacker) Attack(ctx context.Context, sample lm.Sample, probs *lm.TokenProbabilities, opts Options) (float64, error) {
	if err := a.Load(ctx); err != nil {
		return 0, err
	}

	in := Input{Probs: probs, Loss: opts.Loss, Neighbors: opts.Neighbors}
	if a.pretokenized {
		if opts.Detokenized == nil {
			return 0, fmt.Errorf("attack %s: %w", a.id, ErrMissingDetokenized)
		}
		in.Sample = lm.Sample{Text: *opts.Detokenized, Tokens: sample.Tokens}
	} else {
		in.Sample = lm.Sample{Text: sample.Text}
	}

	score, err := a.strategy.Score(ctx, in)
	if err != nil {
		return 0, fmt.Errorf("attack %s: %w", a.id, err)
	}
	return score, nil
}

// owned is embedded by strategies that hold models besides the target.
type owned struct {
	models []lm.Model
}

func (o *owned) Load(ctx context.Context) error {
	for i, m := range o.models {
		if err := m.Load(ctx); err != nil {
			for _, prev := range o.models[:i] {
				prev.Unload()
			}
			return fmt.Errorf("load model %s: %w", m.Name(), err)
		}
	}
	return nil
}

func (o *owned) Unload() error {
	var errs []error
	for _, m := range o.models {
		if err := m.Unload(); err != nil {
			errs = append(errs, fmt.Errorf("unload model %s: %w", m.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// targetOnly is embedded by strategies that only use the shared target model.
type targetOnly struct{}

func (targetOnly) Load(context.Context) error { return nil }
func (targetOnly) Unload() error              { return nil }

// targetLoss returns in.Loss when set, otherwise the target's loss on the sample.
func targetLoss(ctx context.Context, target lm.Model, in Input) (float64, error) {
	if in.Loss != nil {
		return *in.Loss, nil
	}
	return target.LogLikelihood(ctx, in.Sample, in.Probs)
}

// targetProbs returns in.Probs when set, otherwise runs the target model.
func targetProbs(ctx context.Context, target lm.Model, in Input) (*lm.TokenProbabilities, error) {
	if in.Probs != nil {
		return in.Probs, nil
	}
	return target.Probabilities(ctx, in.Sample)
}
