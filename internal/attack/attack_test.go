package attack

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/mia/internal/config"
	"github.com/straja-ai/mia/internal/lm"
	"github.com/straja-ai/mia/internal/lm/lmtest"
)

const catText = "The cat sat."

func ptr[T any](v T) *T { return &v }

func TestPerturbationScoreIsLossMinusMeanPerturbationLoss(t *testing.T) {
	ctx := context.Background()
	target := lmtest.New("target", 0, map[string]float64{catText: 2.0})
	small := lmtest.New("small", 0, map[string]float64{catText: 3.0})

	s, err := NewPerturbation(target, []lm.Model{small})
	require.NoError(t, err)
	a := NewAttacker("perturb", s, false)

	score, err := a.Attack(ctx, lm.Sample{Text: catText}, nil, Options{})
	require.NoError(t, err)
	assert.Equal(t, -1.0, score)

	score, err = a.Attack(ctx, lm.Sample{Text: catText}, nil, Options{Loss: ptr(2.0)})
	require.NoError(t, err)
	assert.Equal(t, -1.0, score)
	assert.Equal(t, 1, target.TotalProbabilityCalls(), "supplied loss must not trigger another target pass")
}

func TestPerturbationAveragesModels(t *testing.T) {
	target := lmtest.New("target", 4, nil)
	a := lmtest.New("a", 1, nil)
	b := lmtest.New("b", 3, nil)
	s, err := NewPerturbation(target, []lm.Model{a, b})
	require.NoError(t, err)

	score, err := s.Score(context.Background(), Input{Sample: lm.Sample{Text: "x"}})
	require.NoError(t, err)
	assert.Equal(t, 2.0, score)
}

func TestPerturbationWithoutModelsIsConfigError(t *testing.T) {
	_, err := NewPerturbation(lmtest.New("target", 1, nil), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoPerturbationModels))
	assert.True(t, errors.Is(err, config.ErrConfig))
}

func TestAttackLoadsLazily(t *testing.T) {
	ctx := context.Background()
	target := lmtest.New("target", 1, nil)
	pert := lmtest.New("pert", 1, nil)
	ref := lmtest.New("ref", 1, nil)

	ps, err := NewPerturbation(target, []lm.Model{pert})
	require.NoError(t, err)
	attackers := []*Attacker{
		NewAttacker("loss", NewLoss(target), false),
		NewAttacker("zlib", NewZlib(target), false),
		NewAttacker("min_k", NewMinK(target, 0.2), false),
		NewAttacker("min_k++", NewMinKPlusPlus(target, 0.2), false),
		NewAttacker("perturb", ps, false),
		NewAttacker("ref-ref", NewReference(target, ref), false),
	}
	for _, a := range attackers {
		t.Run(a.ID(), func(t *testing.T) {
			require.False(t, a.IsLoaded())
			_, err := a.Attack(ctx, lm.Sample{Text: "some text"}, nil, Options{})
			require.NoError(t, err)
			assert.True(t, a.IsLoaded())
		})
	}

	assert.Equal(t, 1, pert.LoadCalls())
	assert.Equal(t, 1, ref.LoadCalls())
	assert.Zero(t, target.LoadCalls(), "target model is loaded by its owner, not by attacks")

	for _, a := range attackers {
		require.NoError(t, a.Unload())
		assert.False(t, a.IsLoaded())
	}
	assert.Equal(t, 1, pert.UnloadCalls())
	assert.False(t, ref.Loaded())
}

func TestPretokenizedRequiresDetokenized(t *testing.T) {
	ctx := context.Background()
	target := lmtest.New("target", 1, nil)
	sample := lm.Sample{Tokens: []int64{3, 4, 5}}

	for _, a := range []*Attacker{
		NewAttacker("loss", NewLoss(target), true),
		NewAttacker("zlib", NewZlib(target), true),
		NewAttacker("ne", NewNeighborhood(target, false), true),
	} {
		_, err := a.Attack(ctx, sample, nil, Options{Neighbors: []string{"n"}})
		require.Error(t, err, a.ID())
		assert.True(t, errors.Is(err, config.ErrConfig), a.ID())
		assert.True(t, errors.Is(err, ErrMissingDetokenized), a.ID())
	}

	a := NewAttacker("loss", NewLoss(target), true)
	_, err := a.Attack(ctx, sample, nil, Options{Detokenized: ptr("a b c")})
	require.NoError(t, err)

	plain := NewAttacker("loss", NewLoss(target), false)
	_, err = plain.Attack(ctx, lm.Sample{Text: "a b c"}, nil, Options{})
	require.NoError(t, err)
}

func TestMinK(t *testing.T) {
	probs := &lm.TokenProbabilities{LogProbs: []float64{-1, -2, -3, -4, -5}}
	target := lmtest.New("target", 1, nil)
	in := Input{Sample: lm.Sample{Text: "x"}, Probs: probs}

	score, err := NewMinK(target, 0.4).Score(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 4.5, score)

	score, err = NewMinK(target, 0.1).Score(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 5.0, score, "at least one token is kept")
	assert.Zero(t, target.TotalProbabilityCalls())
}

func TestMinKPlusPlus(t *testing.T) {
	target := lmtest.New("target", 1, nil)
	probs := &lm.TokenProbabilities{
		LogProbs: []float64{-1, -4, -2, -3},
		Mu:       []float64{-2, -2, -2, -2},
		Sigma:    []float64{1, 2, 0, 1},
	}
	// z = [1, -1, 0, -1]; the two lowest are -1 and -1.
	score, err := NewMinKPlusPlus(target, 0.5).Score(context.Background(), Input{Probs: probs})
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)

	_, err = NewMinKPlusPlus(target, 0.5).Score(context.Background(), Input{Probs: &lm.TokenProbabilities{LogProbs: []float64{-1}}})
	assert.True(t, errors.Is(err, ErrMissingDistribution))
}

func TestZlibNormalizesByCompressedSize(t *testing.T) {
	target := lmtest.New("target", 3, nil)
	text := "abcabcabcabcabcabcabcabc"
	n, err := compressedSize(text)
	require.NoError(t, err)
	require.Positive(t, n)

	score, err := NewZlib(target).Score(context.Background(), Input{Sample: lm.Sample{Text: text}})
	require.NoError(t, err)
	assert.InDelta(t, 3.0/float64(n), score, 1e-12)
}

func TestReferenceScore(t *testing.T) {
	target := lmtest.New("target", 2, nil)
	ref := lmtest.New("ref", 0.5, nil)
	s := NewReference(target, ref)

	score, err := s.Score(context.Background(), Input{Sample: lm.Sample{Text: catText}, Loss: ptr(2.0)})
	require.NoError(t, err)
	assert.Equal(t, 1.5, score)
	assert.Zero(t, target.TotalProbabilityCalls(), "stored loss is reused")
	assert.Equal(t, "ref-pythia-70m", ReferenceID("EleutherAI/pythia-70m"))
	assert.Equal(t, "ref-A", ReferenceID("A"))
}

func TestNeighborhoodScore(t *testing.T) {
	target := lmtest.New("target", 0, map[string]float64{catText: 2, "n1": 3, "n2": 5})
	s := NewNeighborhood(target, false)

	score, err := s.Score(context.Background(), Input{Sample: lm.Sample{Text: catText}, Neighbors: []string{"n1", "n2"}})
	require.NoError(t, err)
	assert.Equal(t, -2.0, score)

	_, err = s.Score(context.Background(), Input{Sample: lm.Sample{Text: catText}})
	assert.True(t, errors.Is(err, ErrNoNeighbors))
	assert.Equal(t, "ne-10", NeighborhoodID(10))
}

func TestNeighborhoodTokenizationSwap(t *testing.T) {
	target := lmtest.New("target", 0, map[string]float64{"a b": 1, "c d": 7, "c d e": 100})
	ids := target.Tokenizer().Tokens("a b")

	a := NewAttacker("ne", NewNeighborhood(target, true), true)
	score, err := a.Attack(context.Background(), lm.Sample{Tokens: ids}, nil, Options{
		Detokenized: ptr("a b"),
		Neighbors:   []string{"c d e"},
	})
	require.NoError(t, err)
	assert.Equal(t, -6.0, score, "neighbor is cut to the original token count")
}

func TestKindRoundTrip(t *testing.T) {
	for _, k := range Kinds() {
		got, ok := ParseKind(k.String())
		require.True(t, ok, k.String())
		assert.Equal(t, k, got)
	}
	_, ok := ParseKind("nonsense")
	assert.False(t, ok)
	assert.True(t, KindLoss.Implemented())
	assert.False(t, KindGradNorm.Implemented())
	assert.False(t, KindRecall.Implemented())
	assert.False(t, KindDCPDD.Implemented())
}

func testConfig() *config.Config {
	return &config.Config{
		MinKConfig: config.MinKConfig{K: 0.2},
		RefConfig:  &config.ReferenceConfig{Models: []string{"A", "org/B"}},
		PerturbationConfig: &config.PerturbationConfig{
			Models: []string{"small"},
		},
	}
}

func TestBuildDropsUnknownAndUnimplemented(t *testing.T) {
	d := Deps{
		Config: testConfig(),
		Target: lmtest.New("target", 1, nil),
		References: map[string]lm.Model{
			"A":     lmtest.New("A", 1, nil),
			"org/B": lmtest.New("B", 1, nil),
		},
		Perturbations: map[string]lm.Model{
			"small": lmtest.New("small", 1, nil),
		},
	}
	attackers, err := Build(d, []string{"loss", "bogus", "gradnorm", "ref", "perturb", "zlib", "loss", "recall"})
	require.NoError(t, err)

	var ids []string
	for _, a := range attackers {
		ids = append(ids, a.ID())
	}
	assert.Equal(t, []string{"loss", "ref-A", "ref-B", "perturb", "zlib"}, ids)
	assert.Equal(t, []Kind{KindLoss, KindReference, KindPerturbation, KindZlib},
		Runnable([]string{"loss", "bogus", "ref", "perturb", "zlib", "dc_pdd"}))
}

func TestBuildConstructionErrors(t *testing.T) {
	cfg := testConfig()
	cfg.PerturbationConfig = nil
	d := Deps{Config: cfg, Target: lmtest.New("target", 1, nil)}

	_, err := Build(d, []string{"perturb"})
	assert.True(t, errors.Is(err, ErrNoPerturbationModels))

	_, err = Build(d, []string{"ref"})
	assert.True(t, errors.Is(err, config.ErrConfig), "unknown reference model id")

	cfg.RefConfig = nil
	attackers, err := Build(d, []string{"ref"})
	require.NoError(t, err)
	assert.Empty(t, attackers)
}

func TestBuildRejectsSharedModelInstance(t *testing.T) {
	cfg := testConfig()
	cfg.RefConfig = &config.ReferenceConfig{Models: []string{"small"}}
	shared := lmtest.New("small", 1, nil)
	d := Deps{
		Config:        cfg,
		Target:        lmtest.New("target", 1, nil),
		References:    map[string]lm.Model{"small": shared},
		Perturbations: map[string]lm.Model{"small": shared},
	}
	_, err := Build(d, []string{"ref", "perturb"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfig))
	assert.Contains(t, err.Error(), "same instance")

	d.Perturbations = map[string]lm.Model{"small": lmtest.New("small", 1, nil)}
	attackers, err := Build(d, []string{"ref", "perturb"})
	require.NoError(t, err)
	assert.Len(t, attackers, 2)
}
