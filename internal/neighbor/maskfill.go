package neighbor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/straja-ai/mia/internal/lm"
)

// Generator produces n neighbors of a text.
type Generator interface {
	Load(ctx context.Context) error
	Unload() error
	Neighbors(ctx context.Context, text string, n int) ([]string, error)
}

// MaskFillConfig describes a BERT-style masked LM export with inputs
// input_ids/attention_mask[/token_type_ids] and output logits [1, seq, vocab].
type MaskFillConfig struct {
	Name           string
	ModelPath      string
	TokenizerDir   string
	SeqLen         int
	PctWordsMasked float64
	Seed           uint64
	Runtime        lm.RuntimeSettings
}

// MaskFiller makes neighbors by masking a share of the words of a text and
// replacing each with the masked LM's best differing prediction.
type MaskFiller struct {
	cfg MaskFillConfig
	tok *lm.WordPieceTokenizer

	mu            sync.Mutex
	rng           *rand.Rand
	session       *ort.AdvancedSession
	inputIDs      *ort.Tensor[int64]
	attentionMask *ort.Tensor[int64]
	tokenTypeIDs  *ort.Tensor[int64]
	logits        *ort.Tensor[float32]
	vocab         int
}

// NewMaskFiller loads the WordPiece vocabulary; the session is created by Load.
func NewMaskFiller(cfg MaskFillConfig) (*MaskFiller, error) {
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return nil, errors.New("mask filler model path is empty")
	}
	if cfg.SeqLen < 2 {
		cfg.SeqLen = 512
	}
	if cfg.PctWordsMasked <= 0 {
		cfg.PctWordsMasked = 0.3
	}
	if cfg.Name == "" {
		cfg.Name = filepath.Base(cfg.ModelPath)
	}
	dir := cfg.TokenizerDir
	if dir == "" {
		dir = filepath.Dir(cfg.ModelPath)
	}
	tok, err := lm.LoadTokenizerFromDir(dir)
	if err != nil {
		return nil, fmt.Errorf("mask filler %s load tokenizer: %w", cfg.Name, err)
	}
	wp, ok := tok.(*lm.WordPieceTokenizer)
	if !ok {
		return nil, fmt.Errorf("mask filler %s needs a WordPiece vocabulary", cfg.Name)
	}
	if wp.MaskID() < 0 {
		return nil, fmt.Errorf("mask filler %s vocabulary has no [MASK] token", cfg.Name)
	}
	return &MaskFiller{
		cfg: cfg,
		tok: wp,
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

func (g *MaskFiller) Load(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session != nil {
		return nil
	}
	if err := lm.EnsureRuntime(filepath.Dir(g.cfg.ModelPath)); err != nil {
		return err
	}
	withTypes, err := lm.HasInput(g.cfg.ModelPath, "token_type_ids")
	if err != nil {
		return fmt.Errorf("mask filler %s: %w", g.cfg.Name, err)
	}

	opts, err := lm.NewSessionOptions(g.cfg.Runtime)
	if err != nil {
		return err
	}
	defer opts.Destroy()

	g.vocab = g.tok.VocabSize()
	shape := ort.NewShape(1, int64(g.cfg.SeqLen))
	var allocated []interface{ Destroy() error }
	cleanup := func() {
		for _, v := range allocated {
			v.Destroy()
		}
	}
	newInput := func(name string) (*ort.Tensor[int64], error) {
		t, err := ort.NewEmptyTensor[int64](shape)
		if err != nil {
			return nil, fmt.Errorf("allocate %s tensor: %w", name, err)
		}
		allocated = append(allocated, t)
		return t, nil
	}

	ids, err := newInput("input_ids")
	if err != nil {
		cleanup()
		return err
	}
	attn, err := newInput("attention_mask")
	if err != nil {
		cleanup()
		return err
	}
	inputNames := []string{"input_ids", "attention_mask"}
	inputs := []ort.Value{ids, attn}
	var types *ort.Tensor[int64]
	if withTypes {
		if types, err = newInput("token_type_ids"); err != nil {
			cleanup()
			return err
		}
		inputNames = append(inputNames, "token_type_ids")
		inputs = append(inputs, types)
	}
	logits, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(g.cfg.SeqLen), int64(g.vocab)))
	if err != nil {
		cleanup()
		return fmt.Errorf("allocate logits tensor: %w", err)
	}
	allocated = append(allocated, logits)

	session, err := ort.NewAdvancedSession(g.cfg.ModelPath, inputNames, []string{"logits"}, inputs, []ort.Value{logits}, opts)
	if err != nil {
		cleanup()
		return fmt.Errorf("mask filler %s create onnx session: %w", g.cfg.Name, err)
	}

	g.session = session
	g.inputIDs = ids
	g.attentionMask = attn
	g.tokenTypeIDs = types
	g.logits = logits
	return nil
}

func (g *MaskFiller) Unload() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return nil
	}
	errs := []error{g.session.Destroy(), g.inputIDs.Destroy(), g.attentionMask.Destroy(), g.logits.Destroy()}
	if g.tokenTypeIDs != nil {
		errs = append(errs, g.tokenTypeIDs.Destroy())
	}
	g.session, g.inputIDs, g.attentionMask, g.tokenTypeIDs, g.logits = nil, nil, nil, nil, nil
	return errors.Join(errs...)
}

// Neighbors returns n neighbors of text. Each one masks a fresh random set of
// words, so neighbors of the same text usually differ.
func (g *MaskFiller) Neighbors(ctx context.Context, text string, n int) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return nil, fmt.Errorf("mask filler %s: %w", g.cfg.Name, lm.ErrNotLoaded)
	}

	ids, attn, spans := g.tok.Encode(text, g.cfg.SeqLen)
	words := lm.WordSpans(text)
	firstToken := wordFirstTokens(words, spans)
	var maskable []int
	for w, pos := range firstToken {
		if pos >= 0 {
			maskable = append(maskable, w)
		}
	}
	if len(maskable) == 0 {
		return nil, nil
	}

	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chosen := pickWords(g.rng, maskable, g.cfg.PctWordsMasked)
		replacements, err := g.fill(ids, attn, spans, words, firstToken, chosen, text)
		if err != nil {
			return nil, err
		}
		out = append(out, splice(text, words, replacements))
	}
	return out, nil
}

func (g *MaskFiller) fill(ids, attn []int64, spans []lm.TokenSpan, words []lm.TokenSpan, firstToken []int, chosen []int, text string) (map[int]string, error) {
	in := g.inputIDs.GetData()
	copy(in, ids)
	copy(g.attentionMask.GetData(), attn)
	if g.tokenTypeIDs != nil {
		types := g.tokenTypeIDs.GetData()
		for i := range types {
			types[i] = 0
		}
	}
	masked := make(map[int]bool, len(chosen))
	for _, w := range chosen {
		masked[w] = true
	}
	for pos, sp := range spans {
		if sp.Start < 0 {
			continue
		}
		if w := wordAt(words, sp.Start); w >= 0 && masked[w] {
			in[pos] = g.tok.MaskID()
		}
	}

	if err := g.session.Run(); err != nil {
		return nil, fmt.Errorf("mask filler %s onnx run: %w", g.cfg.Name, err)
	}

	raw := g.logits.GetData()
	replacements := make(map[int]string, len(chosen))
	for _, w := range chosen {
		pos := firstToken[w]
		row := raw[pos*g.vocab : (pos+1)*g.vocab]
		original := strings.ToLower(text[words[w].Start:words[w].End])
		if rep, ok := bestReplacement(row, g.tok, original); ok {
			replacements[w] = rep
		}
	}
	return replacements, nil
}

// wordFirstTokens maps every word to the position of its first token in the
// encoded sequence, or -1 when the word was truncated away.
func wordFirstTokens(words, spans []lm.TokenSpan) []int {
	first := make([]int, len(words))
	for i := range first {
		first[i] = -1
	}
	for pos, sp := range spans {
		if sp.Start < 0 {
			continue
		}
		if w := wordAt(words, sp.Start); w >= 0 && first[w] < 0 {
			first[w] = pos
		}
	}
	return first
}

func wordAt(words []lm.TokenSpan, offset int) int {
	i := sort.Search(len(words), func(i int) bool { return words[i].End > offset })
	if i < len(words) && words[i].Start <= offset {
		return i
	}
	return -1
}

// pickWords draws max(1, round(pct*len(maskable))) distinct words, returned
// in text order.
func pickWords(rng *rand.Rand, maskable []int, pct float64) []int {
	k := int(math.Round(pct * float64(len(maskable))))
	if k < 1 {
		k = 1
	}
	if k > len(maskable) {
		k = len(maskable)
	}
	perm := rng.Perm(len(maskable))[:k]
	out := make([]int, k)
	for i, p := range perm {
		out[i] = maskable[p]
	}
	sort.Ints(out)
	return out
}

// bestReplacement returns the highest scoring whole-word piece that differs
// from the original word.
func bestReplacement(row []float32, tok *lm.WordPieceTokenizer, original string) (string, bool) {
	best := -1
	for id := range row {
		if best >= 0 && row[id] <= row[best] {
			continue
		}
		piece := tok.Piece(int64(id))
		if piece == "" || tok.IsSpecial(int64(id)) || strings.HasPrefix(piece, "##") || piece == original {
			continue
		}
		best = id
	}
	if best < 0 {
		return "", false
	}
	return tok.Piece(int64(best)), true
}

// splice rebuilds text with the given words replaced, keeping the original
// whitespace between words.
func splice(text string, words []lm.TokenSpan, replacements map[int]string) string {
	if len(replacements) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for w, sp := range words {
		rep, ok := replacements[w]
		if !ok {
			continue
		}
		b.WriteString(text[last:sp.Start])
		b.WriteString(rep)
		last = sp.End
	}
	b.WriteString(text[last:])
	return b.String()
}
