package lm

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func testWordPiece() *WordPieceTokenizer {
	vocab := []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]", "the", "cat", "sat", "on", "mat", "play", "##ing", "."}
	m := make(map[string]int64, len(vocab))
	for i, v := range vocab {
		m[v] = int64(i)
	}
	return NewWordPieceTokenizer(m)
}

func TestWordPieceEncodeSpans(t *testing.T) {
	tok := testWordPiece()
	text := "The cat playing"
	ids, attn, spans := tok.Encode(text, 8)

	want := []int64{2, 5, 6, 10, 11, 3, 0, 0}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids[%d]=%d want %d (ids=%v)", i, ids[i], want[i], ids)
		}
	}
	if attn[5] != 1 || attn[6] != 0 {
		t.Fatalf("unexpected attention mask %v", attn)
	}
	if got := text[spans[4].Start:spans[4].End]; got != "ing" {
		t.Fatalf("span of ##ing = %q", got)
	}
	if spans[0].Start != -1 || spans[7].Start != -1 {
		t.Fatalf("control tokens must have empty spans: %v", spans)
	}
}

func TestWordPieceDecodeRoundTrip(t *testing.T) {
	tok := testWordPiece()
	ids := tok.Tokens("the cat playing on the mat")
	if got := tok.Decode(ids); got != "the cat playing on the mat" {
		t.Fatalf("decode = %q", got)
	}
	if got := tok.Decode([]int64{2, 5, 1, 3}); got != "the [UNK]" && got != "the" {
		t.Fatalf("decode with specials = %q", got)
	}
	if tok.MaskID() != 4 || tok.VocabSize() != 13 {
		t.Fatalf("mask=%d vocab=%d", tok.MaskID(), tok.VocabSize())
	}
}

func TestWordPieceUnknownWord(t *testing.T) {
	tok := testWordPiece()
	ids := tok.Tokens("the zebra")
	if len(ids) != 2 || ids[1] != 1 {
		t.Fatalf("expected [UNK] for unknown word, got %v", ids)
	}
}

func TestUnigramTokensAndDecode(t *testing.T) {
	pieces := []string{"<unk>", "<s>", "▁the", "▁cat", "▁c", "at", "▁sat", "<0x21>"}
	scores := []float64{0, 0, -1, -1, -3, -3, -1, -5}
	tok := NewUnigramTokenizer(pieces, scores, 0, true)

	ids := tok.Tokens("the  cat sat!")
	want := []int64{2, 3, 6, 7}
	if len(ids) != len(want) {
		t.Fatalf("ids=%v want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ids=%v want %v", ids, want)
		}
	}
	if got := tok.Decode(append([]int64{1}, ids...)); got != "the cat sat!" {
		t.Fatalf("decode = %q", got)
	}
}

func TestLoadTokenizerFromDirJSON(t *testing.T) {
	dir := t.TempDir()
	body := `{"model":{"type":"Unigram","unk_id":0,"vocab":[["<unk>",0],["▁hello",-1],["▁world",-1]]}}`
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(body), 0o644); err != nil {
		t.Fatalf("write tokenizer: %v", err)
	}
	tok, err := LoadTokenizerFromDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := tok.Decode(tok.Tokens("hello world")); got != "hello world" {
		t.Fatalf("round trip = %q", got)
	}
}

func writeTokenizerJSON(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tokenizer.json"), []byte(body), 0o644); err != nil {
		t.Fatalf("write tokenizer: %v", err)
	}
	return dir
}

func TestLoadByteLevelBPEWholeWords(t *testing.T) {
	dir := writeTokenizerJSON(t, `{
		"added_tokens":[{"id":2,"content":"<|endoftext|>","special":true}],
		"pre_tokenizer":{"type":"ByteLevel","add_prefix_space":false},
		"model":{"type":"BPE","vocab":{"Hello":0,"Ġworld":1,"<|endoftext|>":2,"!":3}}}`)
	tok, err := LoadTokenizerFromDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, ok := tok.(*BPETokenizer); !ok {
		t.Fatalf("tokenizer type = %T, want *BPETokenizer", tok)
	}
	ids := tok.Tokens("Hello world!<|endoftext|>")
	if want := []int64{0, 1, 3, 2}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	if got := tok.Decode(ids); got != "Hello world!<|endoftext|>" {
		t.Fatalf("decode = %q", got)
	}
}

func TestByteLevelBPEMerges(t *testing.T) {
	dir := writeTokenizerJSON(t, `{
		"pre_tokenizer":{"type":"ByteLevel"},
		"decoder":{"type":"ByteLevel"},
		"model":{"type":"BPE",
			"vocab":{"h":0,"e":1,"l":2,"o":3,"Ġ":4,"he":5,"ll":6,"hell":7,"hello":8,"Ġh":9},
			"merges":["h e","l l",["he","ll"],"hell o","Ġ h"]}}`)
	tok, err := LoadTokenizerFromDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ids := tok.Tokens("hello hell")
	if want := []int64{8, 4, 7}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	if got := tok.Decode(ids); got != "hello hell" {
		t.Fatalf("decode = %q", got)
	}
}

func TestMetaspaceBPEByteFallback(t *testing.T) {
	dir := writeTokenizerJSON(t, `{
		"model":{"type":"BPE","byte_fallback":true,"unk_token":"<unk>",
			"vocab":{"<unk>":0,"▁hi":1,"<0x21>":2,"▁":3,"h":4,"i":5,"hi":6},
			"merges":["h i","▁ hi"]}}`)
	tok, err := LoadTokenizerFromDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ids := tok.Tokens("hi!")
	if want := []int64{1, 2}; !reflect.DeepEqual(ids, want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	if got := tok.Decode(ids); got != "hi!" {
		t.Fatalf("decode = %q", got)
	}
}

func TestLoadTokenizerRejectsUnknownModelType(t *testing.T) {
	dir := writeTokenizerJSON(t, `{"model":{"type":"WordLevel","vocab":{"a":0}}}`)
	_, err := LoadTokenizerFromDir(dir)
	if err == nil || !strings.Contains(err.Error(), "unsupported tokenizer model type") {
		t.Fatalf("err = %v, want unsupported model type", err)
	}
}

func TestSplitByteLevel(t *testing.T) {
	got := splitByteLevel("a  b's 42\n")
	want := []string{"a", " ", " b", "'s", " 42", "\n"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("split = %q, want %q", got, want)
	}
}

func TestCheckTokenIDs(t *testing.T) {
	if err := checkTokenIDs([]int64{0, 3}, 4); err != nil {
		t.Fatalf("in range: %v", err)
	}
	if err := checkTokenIDs([]int64{1, -1}, 4); !errors.Is(err, ErrTokenOutOfRange) {
		t.Fatalf("unknown piece err = %v", err)
	}
	if err := checkTokenIDs([]int64{4}, 4); !errors.Is(err, ErrTokenOutOfRange) {
		t.Fatalf("past vocab err = %v", err)
	}
}

func TestPositionStatsUniform(t *testing.T) {
	row := []float32{0, 0, 0, 0}
	lp, mu, sigma := positionStats(row, 2)
	want := math.Log(0.25)
	if math.Abs(lp-want) > 1e-9 || math.Abs(mu-want) > 1e-9 {
		t.Fatalf("lp=%v mu=%v want %v", lp, mu, want)
	}
	if sigma > 1e-6 {
		t.Fatalf("uniform distribution must have zero sigma, got %v", sigma)
	}
}

func TestPositionStatsPeaked(t *testing.T) {
	row := []float32{10, 0, 0}
	lp, mu, sigma := positionStats(row, 0)
	if lp > 0 || lp < -0.001 {
		t.Fatalf("dominant token log-prob should be ~0, got %v", lp)
	}
	if mu > 0 || sigma <= 0 {
		t.Fatalf("unexpected mu=%v sigma=%v", mu, sigma)
	}
	if lpOut, _, _ := positionStats(row, 9); !math.IsInf(lpOut, -1) {
		t.Fatalf("out-of-vocab target must be -Inf, got %v", lpOut)
	}
}

type staticModel struct {
	probs *TokenProbabilities
	calls int
}

func (m *staticModel) Name() string               { return "static" }
func (m *staticModel) Load(context.Context) error { return nil }
func (m *staticModel) Unload() error              { return nil }
func (m *staticModel) Tokenizer() Tokenizer       { return nil }
func (m *staticModel) Probabilities(context.Context, Sample) (*TokenProbabilities, error) {
	m.calls++
	return m.probs, nil
}
func (m *staticModel) LogLikelihood(ctx context.Context, s Sample, p *TokenProbabilities) (float64, error) {
	return LogLikelihood(ctx, m, s, p)
}

func TestLogLikelihoodReusesProbabilities(t *testing.T) {
	m := &staticModel{probs: &TokenProbabilities{LogProbs: []float64{-1, -3}}}
	loss, err := m.LogLikelihood(context.Background(), Sample{Text: "x"}, m.probs)
	if err != nil {
		t.Fatalf("loglikelihood: %v", err)
	}
	if loss != 2 || m.calls != 0 {
		t.Fatalf("loss=%v calls=%d", loss, m.calls)
	}
	if _, err := m.LogLikelihood(context.Background(), Sample{Text: "x"}, nil); err != nil || m.calls != 1 {
		t.Fatalf("expected one forward pass, err=%v calls=%d", err, m.calls)
	}
	if !math.IsNaN(Loss(nil)) {
		t.Fatalf("loss of nil probabilities must be NaN")
	}
}
