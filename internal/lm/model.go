// Package lm is the language-model boundary used by the attacks: a model
// scores a sample into per-token log-probabilities and a loss, and owns the
// heavy resources that Load acquires and Unload releases.
package lm

import (
	"context"
	"errors"
	"math"
)

// ErrNotLoaded is returned when a model is used before Load.
var ErrNotLoaded = errors.New("model not loaded")

// Sample is one unit of text to score. Tokens is set for pretokenized input;
// Text then carries the detokenized form.
type Sample struct {
	Text   string
	Tokens []int64
}

// Pretokenized reports whether the sample carries token ids.
func (s Sample) Pretokenized() bool { return len(s.Tokens) > 0 }

// TokenProbabilities holds, for every predicted token of a sample, its
// log-probability under the model. Mu and Sigma, when present, are the mean
// and standard deviation of the log-probability over the full next-token
// distribution at the same position.
type TokenProbabilities struct {
	LogProbs []float64
	Mu       []float64
	Sigma    []float64
}

// HasDistribution reports whether Mu and Sigma are aligned with LogProbs.
func (p *TokenProbabilities) HasDistribution() bool {
	return p != nil && len(p.Mu) == len(p.LogProbs) && len(p.Sigma) == len(p.LogProbs) && len(p.LogProbs) > 0
}

// Tokenizer converts between text and model token ids.
type Tokenizer interface {
	Tokens(text string) []int64
	Decode(ids []int64) string
	VocabSize() int
}

// Model is a language model that can score samples.
type Model interface {
	Name() string
	Load(ctx context.Context) error
	Unload() error
	Probabilities(ctx context.Context, s Sample) (*TokenProbabilities, error)
	// LogLikelihood returns the loss of s: the mean negative token
	// log-probability. Lower means the model is more confident. When probs is
	// nil the model computes them.
	LogLikelihood(ctx context.Context, s Sample, probs *TokenProbabilities) (float64, error)
	Tokenizer() Tokenizer
}

// Loss is the mean negative log-probability of probs.
func Loss(probs *TokenProbabilities) float64 {
	if probs == nil || len(probs.LogProbs) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, lp := range probs.LogProbs {
		sum += lp
	}
	return -sum / float64(len(probs.LogProbs))
}

// LogLikelihood is the shared LogLikelihood implementation for models that
// compute probabilities on demand.
func LogLikelihood(ctx context.Context, m Model, s Sample, probs *TokenProbabilities) (float64, error) {
	if probs == nil {
		var err error
		probs, err = m.Probabilities(ctx, s)
		if err != nil {
			return 0, err
		}
	}
	if len(probs.LogProbs) == 0 {
		return 0, errors.New("sample produced no scorable tokens")
	}
	return Loss(probs), nil
}
