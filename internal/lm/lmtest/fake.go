// Package lmtest provides a deterministic in-memory language model for tests.
package lmtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/straja-ai/mia/internal/lm"
)

// Model returns a configured loss per text. Every token of a text gets the
// log-probability -loss, so lm.Loss over its probabilities is exactly loss.
type Model struct {
	ModelName   string
	Losses      map[string]float64
	DefaultLoss float64
	// Probs overrides the generated probabilities for a text.
	Probs map[string]*lm.TokenProbabilities
	// FailOn makes Probabilities fail for the given text.
	FailOn string
	// Strict makes Probabilities fail with lm.ErrNotLoaded between Unload and Load.
	Strict bool

	mu          sync.Mutex
	loaded      bool
	loadCalls   int
	unloadCalls int
	probCalls   map[string]int
	tok         *Tokenizer
}

// New returns a model whose texts default to loss def.
func New(name string, def float64, losses map[string]float64) *Model {
	return &Model{ModelName: name, DefaultLoss: def, Losses: losses}
}

func (m *Model) Name() string { return m.ModelName }

func (m *Model) Load(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	m.loadCalls++
	return nil
}

func (m *Model) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
	m.unloadCalls++
	return nil
}

func (m *Model) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

func (m *Model) LoadCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCalls
}

func (m *Model) UnloadCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadCalls
}

// ProbabilityCalls returns how many times Probabilities ran for text.
func (m *Model) ProbabilityCalls(text string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probCalls[text]
}

// TotalProbabilityCalls returns how many forward passes ran overall.
func (m *Model) TotalProbabilityCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.probCalls {
		total += n
	}
	return total
}

func (m *Model) Probabilities(_ context.Context, s lm.Sample) (*lm.TokenProbabilities, error) {
	text := m.textOf(s)

	m.mu.Lock()
	if m.probCalls == nil {
		m.probCalls = map[string]int{}
	}
	m.probCalls[text]++
	loaded := m.loaded
	m.mu.Unlock()

	if m.Strict && !loaded {
		return nil, fmt.Errorf("model %s: %w", m.ModelName, lm.ErrNotLoaded)
	}
	if m.FailOn != "" && text == m.FailOn {
		return nil, fmt.Errorf("model %s: forward pass failed", m.ModelName)
	}
	if p, ok := m.Probs[text]; ok {
		return p, nil
	}

	n := len(strings.Fields(text))
	if len(s.Tokens) > 0 {
		n = len(s.Tokens)
	}
	if n == 0 {
		n = 1
	}
	loss := m.lossFor(text)
	out := &lm.TokenProbabilities{
		LogProbs: make([]float64, n),
		Mu:       make([]float64, n),
		Sigma:    make([]float64, n),
	}
	for i := range out.LogProbs {
		out.LogProbs[i] = -loss
		out.Mu[i] = -loss
		out.Sigma[i] = 1
	}
	return out, nil
}

func (m *Model) LogLikelihood(ctx context.Context, s lm.Sample, probs *lm.TokenProbabilities) (float64, error) {
	return lm.LogLikelihood(ctx, m, s, probs)
}

func (m *Model) Tokenizer() lm.Tokenizer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tok == nil {
		m.tok = NewTokenizer()
	}
	return m.tok
}

func (m *Model) lossFor(text string) float64 {
	if l, ok := m.Losses[text]; ok {
		return l
	}
	return m.DefaultLoss
}

func (m *Model) textOf(s lm.Sample) string {
	if s.Text != "" || len(s.Tokens) == 0 {
		return s.Text
	}
	return m.Tokenizer().Decode(s.Tokens)
}

// Tokenizer assigns ids to whitespace-separated words in first-seen order.
type Tokenizer struct {
	mu    sync.Mutex
	ids   map[string]int64
	words []string
}

func NewTokenizer(words ...string) *Tokenizer {
	t := &Tokenizer{ids: map[string]int64{}}
	for _, w := range words {
		t.id(w)
	}
	return t
}

func (t *Tokenizer) id(w string) int64 {
	if id, ok := t.ids[w]; ok {
		return id
	}
	id := int64(len(t.words))
	t.ids[w] = id
	t.words = append(t.words, w)
	return id
}

func (t *Tokenizer) Tokens(text string) []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int64
	for _, w := range strings.Fields(text) {
		out = append(out, t.id(w))
	}
	return out
}

func (t *Tokenizer) Decode(ids []int64) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	words := make([]string, 0, len(ids))
	for _, id := range ids {
		if id >= 0 && int(id) < len(t.words) {
			words = append(words, t.words[id])
		}
	}
	return strings.Join(words, " ")
}

func (t *Tokenizer) VocabSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.words)
}
