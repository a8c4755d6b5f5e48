package lm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// CausalConfig describes an ONNX causal language model export.
type CausalConfig struct {
	Name         string
	ModelPath    string
	TokenizerDir string
	SeqLen       int
	BOSID        *int64
	Runtime      RuntimeSettings
}

// CausalLM scores samples with an ONNX causal LM exported with inputs
// input_ids/attention_mask [1, seq] and output logits [1, seq, vocab].
// Tensors and the session exist only between Load and Unload.
type CausalLM struct {
	cfg       CausalConfig
	tokenizer Tokenizer

	mu            sync.Mutex
	session       *ort.AdvancedSession
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	logits        *ort.Tensor[float32]
	vocab         int
}

// NewCausalLM loads the tokenizer; the ONNX session is created by Load.
func NewCausalLM(cfg CausalConfig) (*CausalLM, error) {
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	if cfg.SeqLen <= 1 {
		cfg.SeqLen = 512
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(cfg.ModelPath)
	}
	tokDir := cfg.TokenizerDir
	if tokDir == "" {
		tokDir = filepath.Dir(cfg.ModelPath)
	}
	tok, err := LoadTokenizerFromDir(tokDir)
	if err != nil {
		return nil, fmt.Errorf("model %s load tokenizer: %w", cfg.Name, err)
	}
	return &CausalLM{cfg: cfg, tokenizer: tok}, nil
}

func (m *CausalLM) Name() string { return m.cfg.Name }

func (m *CausalLM) Tokenizer() Tokenizer { return m.tokenizer }

// Load creates the ONNX session. Calling Load on a loaded model is a no-op.
func (m *CausalLM) Load(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session != nil {
		return nil
	}

	if err := EnsureRuntime(filepath.Dir(m.cfg.ModelPath)); err != nil {
		return err
	}

	vocab, err := m.outputVocab()
	if err != nil {
		return fmt.Errorf("model %s: %w", m.cfg.Name, err)
	}

	opts, err := NewSessionOptions(m.cfg.Runtime)
	if err != nil {
		return err
	}
	defer opts.Destroy()

	inputShape := ort.NewShape(1, int64(m.cfg.SeqLen))
	inputIDs, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		return fmt.Errorf("allocate input_ids tensor: %w", err)
	}
	attn, err := ort.NewEmptyTensor[int64](inputShape)
	if err != nil {
		inputIDs.Destroy()
		return fmt.Errorf("allocate attention_mask tensor: %w", err)
	}
	logits, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(m.cfg.SeqLen), int64(vocab)))
	if err != nil {
		inputIDs.Destroy()
		attn.Destroy()
		return fmt.Errorf("allocate logits tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		m.cfg.ModelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		[]ort.Value{inputIDs, attn},
		[]ort.Value{logits},
		opts,
	)
	if err != nil {
		inputIDs.Destroy()
		attn.Destroy()
		logits.Destroy()
		return fmt.Errorf("model %s create onnx session: %w", m.cfg.Name, err)
	}

	m.session = session
	m.inputIDs = inputIDs
	m.attentionMask = attn
	m.logits = logits
	m.vocab = vocab
	return nil
}

func (m *CausalLM) outputVocab() (int, error) {
	_, outputs, err := ort.GetInputOutputInfoWithOptions(m.cfg.ModelPath, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect model outputs: %w", err)
	}
	for _, out := range outputs {
		if !strings.EqualFold(out.Name, "logits") {
			continue
		}
		if n := len(out.Dimensions); n > 0 && out.Dimensions[n-1] > 0 {
			return int(out.Dimensions[n-1]), nil
		}
		if v := m.tokenizer.VocabSize(); v > 0 {
			return v, nil
		}
		return 0, errors.New("logits vocab dimension is dynamic and tokenizer vocab is empty")
	}
	return 0, errors.New("model has no logits output")
}

// Unload destroys the session and its tensors.
func (m *CausalLM) Unload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	var errs []error
	if err := m.session.Destroy(); err != nil {
		errs = append(errs, err)
	}
	for _, v := range []interface{ Destroy() error }{m.inputIDs, m.attentionMask, m.logits} {
		if err := v.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	m.session, m.inputIDs, m.attentionMask, m.logits = nil, nil, nil, nil
	return errors.Join(errs...)
}

// Probabilities runs one forward pass and returns, for every token after the
// first, its log-probability plus the distribution statistics at that position.
func (m *CausalLM) Probabilities(_ context.Context, s Sample) (*TokenProbabilities, error) {
	ids := m.encode(s)
	if len(ids) < 2 {
		return nil, fmt.Errorf("model %s: sample needs at least 2 tokens, got %d", m.cfg.Name, len(ids))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil, fmt.Errorf("model %s: %w", m.cfg.Name, ErrNotLoaded)
	}
	if err := checkTokenIDs(ids, m.vocab); err != nil {
		return nil, fmt.Errorf("model %s: %w", m.cfg.Name, err)
	}

	in := m.inputIDs.GetData()
	mask := m.attentionMask.GetData()
	for i := range in {
		in[i], mask[i] = 0, 0
	}
	copy(in, ids)
	for i := range ids {
		mask[i] = 1
	}

	if err := m.session.Run(); err != nil {
		return nil, fmt.Errorf("model %s onnx run: %w", m.cfg.Name, err)
	}

	raw := m.logits.GetData()
	n := len(ids) - 1
	out := &TokenProbabilities{
		LogProbs: make([]float64, n),
		Mu:       make([]float64, n),
		Sigma:    make([]float64, n),
	}
	for pos := 0; pos < n; pos++ {
		row := raw[pos*m.vocab : (pos+1)*m.vocab]
		out.LogProbs[pos], out.Mu[pos], out.Sigma[pos] = positionStats(row, ids[pos+1])
	}
	return out, nil
}

func (m *CausalLM) LogLikelihood(ctx context.Context, s Sample, probs *TokenProbabilities) (float64, error) {
	return LogLikelihood(ctx, m, s, probs)
}

func (m *CausalLM) encode(s Sample) []int64 {
	ids := s.Tokens
	if len(ids) == 0 {
		ids = m.tokenizer.Tokens(s.Text)
	}
	if bos := m.cfg.BOSID; bos != nil && (len(ids) == 0 || ids[0] != *bos) {
		ids = append([]int64{*bos}, ids...)
	}
	if len(ids) > m.cfg.SeqLen {
		ids = ids[:m.cfg.SeqLen]
	}
	return ids
}

// positionStats applies log-softmax to one row of logits and returns the
// log-probability of target together with the mean and standard deviation of
// the log-probability under the row's own distribution.
func positionStats(row []float32, target int64) (logProb, mu, sigma float64) {
	maxLogit := math.Inf(-1)
	for _, v := range row {
		if float64(v) > maxLogit {
			maxLogit = float64(v)
		}
	}
	var z float64
	for _, v := range row {
		z += math.Exp(float64(v) - maxLogit)
	}
	logZ := maxLogit + math.Log(z)

	var m1, m2 float64
	for _, v := range row {
		lp := float64(v) - logZ
		p := math.Exp(lp)
		m1 += p * lp
		m2 += p * lp * lp
	}
	variance := m2 - m1*m1
	if variance < 0 {
		variance = 0
	}
	if target >= 0 && int(target) < len(row) {
		logProb = float64(row[target]) - logZ
	} else {
		logProb = math.Inf(-1)
	}
	return logProb, m1, math.Sqrt(variance)
}

// ErrTokenOutOfRange marks a token id the model's output vocabulary cannot
// score, usually an unknown piece from a tokenizer without an unk token.
var ErrTokenOutOfRange = errors.New("token id outside model vocabulary")

func checkTokenIDs(ids []int64, vocab int) error {
	for i, id := range ids {
		if id < 0 || int(id) >= vocab {
			return fmt.Errorf("%w: id %d at position %d (vocab %d)", ErrTokenOutOfRange, id, i, vocab)
		}
	}
	return nil
}
