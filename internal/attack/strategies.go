package attack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/straja-ai/mia/internal/lm"
)

// Loss scores a sample by the target model's loss.
type Loss struct {
	targetOnly
	target lm.Model
}

func NewLoss(target lm.Model) *Loss { return &Loss{target: target} }

func (*Loss) Kind() Kind { return KindLoss }

func (s *Loss) Score(ctx context.Context, in Input) (float64, error) {
	return targetLoss(ctx, s.target, in)
}

// Zlib divides the loss by the zlib-compressed size of the text in bytes.
type Zlib struct {
	targetOnly
	target lm.Model
}

func NewZlib(target lm.Model) *Zlib { return &Zlib{target: target} }

func (*Zlib) Kind() Kind { return KindZlib }

func (s *Zlib) Score(ctx context.Context, in Input) (float64, error) {
	loss, err := targetLoss(ctx, s.target, in)
	if err != nil {
		return 0, err
	}
	n, err := compressedSize(in.Sample.Text)
	if err != nil {
		return 0, err
	}
	return loss / float64(n), nil
}

func compressedSize(text string) (int, error) {
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write([]byte(text)); err != nil {
		return 0, fmt.Errorf("zlib compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("zlib compress: %w", err)
	}
	return buf.Len(), nil
}

// MinK averages the k fraction of lowest token log-probabilities.
type MinK struct {
	targetOnly
	target lm.Model
	k      float64
}

func NewMinK(target lm.Model, k float64) *MinK { return &MinK{target: target, k: k} }

func (*MinK) Kind() Kind { return KindMinK }

func (s *MinK) Score(ctx context.Context, in Input) (float64, error) {
	probs, err := targetProbs(ctx, s.target, in)
	if err != nil {
		return 0, err
	}
	m, err := lowestMean(probs.LogProbs, s.k)
	if err != nil {
		return 0, err
	}
	return -m, nil
}

// MinKPlusPlus is MinK over log-probabilities standardized by the mean and
// deviation of each position's full next-token distribution.
type MinKPlusPlus struct {
	targetOnly
	target lm.Model
	k      float64
}

func NewMinKPlusPlus(target lm.Model, k float64) *MinKPlusPlus {
	return &MinKPlusPlus{target: target, k: k}
}

func (*MinKPlusPlus) Kind() Kind { return KindMinKPlusPlus }

func (s *MinKPlusPlus) Score(ctx context.Context, in Input) (float64, error) {
	probs, err := targetProbs(ctx, s.target, in)
	if err != nil {
		return 0, err
	}
	if !probs.HasDistribution() {
		return 0, ErrMissingDistribution
	}
	z := make([]float64, len(probs.LogProbs))
	for i, lp := range probs.LogProbs {
		sigma := probs.Sigma[i]
		if sigma <= 0 {
			z[i] = 0
			continue
		}
		z[i] = (lp - probs.Mu[i]) / sigma
	}
	m, err := lowestMean(z, s.k)
	if err != nil {
		return 0, err
	}
	return -m, nil
}

// lowestMean returns the mean of the max(1, floor(len*k)) smallest values.
func lowestMean(values []float64, k float64) (float64, error) {
	if len(values) == 0 {
		return 0, errors.New("no token probabilities to score")
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := int(math.Floor(float64(len(sorted)) * k))
	if n < 1 {
		n = 1
	}
	var sum float64
	for _, v := range sorted[:n] {
		sum += v
	}
	return sum / float64(n), nil
}

// Perturbation compares the target's loss against comparison models that
// re-score the same text.
type Perturbation struct {
	owned
	target lm.Model
}

// NewPerturbation fails with ErrNoPerturbationModels when models is empty.
func NewPerturbation(target lm.Model, models []lm.Model) (*Perturbation, error) {
	if len(models) == 0 {
		return nil, ErrNoPerturbationModels
	}
	return &Perturbation{owned: owned{models: models}, target: target}, nil
}

func (*Perturbation) Kind() Kind { return KindPerturbation }

func (s *Perturbation) Score(ctx context.Context, in Input) (float64, error) {
	loss, err := targetLoss(ctx, s.target, in)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, m := range s.models {
		l, err := m.LogLikelihood(ctx, textOnly(in.Sample), nil)
		if err != nil {
			return 0, fmt.Errorf("perturbation model %s: %w", m.Name(), err)
		}
		sum += l
	}
	return loss - sum/float64(len(s.models)), nil
}

// Reference calibrates the target's loss by a reference model's loss on the
// same text.
type Reference struct {
	owned
	target lm.Model
	ref    lm.Model
}

func NewReference(target, ref lm.Model) *Reference {
	return &Reference{owned: owned{models: []lm.Model{ref}}, target: target, ref: ref}
}

func (*Reference) Kind() Kind { return KindReference }

// Model returns the reference model.
func (s *Reference) Model() lm.Model { return s.ref }

func (s *Reference) Score(ctx context.Context, in Input) (float64, error) {
	loss, err := targetLoss(ctx, s.target, in)
	if err != nil {
		return 0, err
	}
	refLoss, err := s.ref.LogLikelihood(ctx, textOnly(in.Sample), nil)
	if err != nil {
		return 0, fmt.Errorf("reference model %s: %w", s.ref.Name(), err)
	}
	return loss - refLoss, nil
}

// textOnly drops token ids that belong to the target's vocabulary before a
// sample is handed to a model with its own tokenizer.
func textOnly(s lm.Sample) lm.Sample { return lm.Sample{Text: s.Text} }

// ReferenceID is the result key of a reference model: "ref-" followed by the
// last path element of its name.
func ReferenceID(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return KindReference.String() + "-" + name
}

// Neighborhood compares the target's loss on a text against its mean loss on
// the text's neighbors.
type Neighborhood struct {
	targetOnly
	target lm.Model
	// swap re-tokenizes neighbors of pretokenized samples with the target
	// tokenizer and cuts them to the original token count.
	swap bool
}

func NewNeighborhood(target lm.Model, originalTokenizationSwap bool) *Neighborhood {
	return &Neighborhood{target: target, swap: originalTokenizationSwap}
}

func (*Neighborhood) Kind() Kind { return KindNeighborhood }

func (s *Neighborhood) Score(ctx context.Context, in Input) (float64, error) {
	if len(in.Neighbors) == 0 {
		return 0, ErrNoNeighbors
	}
	loss, err := targetLoss(ctx, s.target, in)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, text := range in.Neighbors {
		l, err := s.target.LogLikelihood(ctx, s.neighborSample(in.Sample, text), nil)
		if err != nil {
			return 0, fmt.Errorf("neighbor loss: %w", err)
		}
		sum += l
	}
	return loss - sum/float64(len(in.Neighbors)), nil
}

func (s *Neighborhood) neighborSample(orig lm.Sample, text string) lm.Sample {
	if !s.swap || !orig.Pretokenized() {
		return lm.Sample{Text: text}
	}
	tok := s.target.Tokenizer()
	ids := tok.Tokens(text)
	if len(ids) > len(orig.Tokens) {
		ids = ids[:len(orig.Tokens)]
	}
	return lm.Sample{Text: tok.Decode(ids), Tokens: ids}
}

// NeighborhoodID is the result key for n neighbors, e.g. "ne-10".
func NeighborhoodID(n int) string {
	return fmt.Sprintf("%s-%d", KindNeighborhood, n)
}
