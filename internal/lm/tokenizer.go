package lm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

const (
	metaspace          = "▁"
	wordPieceContinues = "##"
)

// LoadTokenizerFromDir loads a tokenizer from vocab.txt (WordPiece) or
// tokenizer.json (BPE, Unigram or WordPiece model).
func LoadTokenizerFromDir(dir string) (Tokenizer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("tokenizer dir is empty")
	}
	for _, path := range []string{
		filepath.Join(dir, "vocab.txt"),
		filepath.Join(dir, "tokenizer", "vocab.txt"),
	} {
		if _, err := os.Stat(path); err == nil {
			return LoadWordPieceTokenizer(path)
		}
	}
	for _, path := range []string{
		filepath.Join(dir, "tokenizer.json"),
		filepath.Join(dir, "tokenizer", "tokenizer.json"),
	} {
		if _, err := os.Stat(path); err == nil {
			return loadTokenizerJSON(path)
		}
	}
	return nil, fmt.Errorf("tokenizer assets not found in %s (vocab.txt or tokenizer.json)", dir)
}

func loadTokenizerJSON(path string) (Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer.json: %w", err)
	}
	var raw struct {
		AddedTokens []struct {
			ID      int64  `json:"id"`
			Content string `json:"content"`
		} `json:"added_tokens"`
		Normalizer   any `json:"normalizer"`
		PreTokenizer any `json:"pre_tokenizer"`
		Decoder      any `json:"decoder"`
		Model        struct {
			Type         string `json:"type"`
			Vocab        any    `json:"vocab"`
			Merges       any    `json:"merges"`
			UnkID        int    `json:"unk_id"`
			UnkToken     string `json:"unk_token"`
			ByteFallback bool   `json:"byte_fallback"`
			IgnoreMerges bool   `json:"ignore_merges"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode tokenizer.json: %w", err)
	}

	switch typ := strings.ToLower(strings.TrimSpace(raw.Model.Type)); typ {
	case "unigram":
		pieces, scores := unigramPieces(raw.Model.Vocab)
		if len(pieces) == 0 {
			return nil, fmt.Errorf("tokenizer.json missing vocab")
		}
		return NewUnigramTokenizer(pieces, scores, raw.Model.UnkID, raw.Model.ByteFallback), nil
	case "wordpiece":
		vocab := vocabMap(raw.Model.Vocab)
		if len(vocab) == 0 {
			return nil, fmt.Errorf("tokenizer.json missing vocab")
		}
		return NewWordPieceTokenizer(vocab), nil
	case "bpe":
		vocab := vocabMap(raw.Model.Vocab)
		if len(vocab) == 0 {
			return nil, fmt.Errorf("tokenizer.json missing vocab")
		}
		merges, err := bpeMerges(raw.Model.Merges)
		if err != nil {
			return nil, err
		}
		added := make(map[string]int64, len(raw.AddedTokens))
		for _, at := range raw.AddedTokens {
			added[at.Content] = at.ID
		}
		metaspaced := raw.Model.ByteFallback || hasComponent(raw.PreTokenizer, "Metaspace") || hasComponent(raw.Decoder, "Metaspace") || hasComponent(raw.Normalizer, "Prepend")
		return NewBPETokenizer(BPEConfig{
			Vocab:          vocab,
			Merges:         merges,
			Added:          added,
			ByteLevel:      !metaspaced,
			AddPrefixSpace: componentFlag(raw.PreTokenizer, "ByteLevel", "add_prefix_space"),
			ByteFallback:   raw.Model.ByteFallback,
			IgnoreMerges:   raw.Model.IgnoreMerges,
			UnkToken:       raw.Model.UnkToken,
		})
	default:
		return nil, fmt.Errorf("unsupported tokenizer model type %q in %s", raw.Model.Type, path)
	}
}

// bpeMerges accepts both the "a b" string form and the ["a", "b"] pair form.
func bpeMerges(raw any) ([][2]string, error) {
	if raw == nil {
		return nil, nil
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("tokenizer.json merges must be a list")
	}
	out := make([][2]string, 0, len(entries))
	for i, e := range entries {
		switch v := e.(type) {
		case string:
			a, b, ok := strings.Cut(v, " ")
			if !ok {
				return nil, fmt.Errorf("tokenizer.json merge %d %q is not a pair", i, v)
			}
			out = append(out, [2]string{a, b})
		case []any:
			if len(v) != 2 {
				return nil, fmt.Errorf("tokenizer.json merge %d is not a pair", i)
			}
			a, _ := v[0].(string)
			b, _ := v[1].(string)
			out = append(out, [2]string{a, b})
		default:
			return nil, fmt.Errorf("tokenizer.json merge %d has type %T", i, e)
		}
	}
	return out, nil
}

// hasComponent reports whether a normalizer, pre-tokenizer or decoder
// description (possibly a Sequence) contains a step of the given type.
func hasComponent(raw any, typ string) bool {
	return findComponent(raw, typ) != nil
}

func componentFlag(raw any, typ, key string) bool {
	c := findComponent(raw, typ)
	if c == nil {
		return false
	}
	v, _ := c[key].(bool)
	return v
}

func findComponent(raw any, typ string) map[string]any {
	switch v := raw.(type) {
	case map[string]any:
		if t, _ := v["type"].(string); t == typ {
			return v
		}
		for _, child := range v {
			if c := findComponent(child, typ); c != nil {
				return c
			}
		}
	case []any:
		for _, child := range v {
			if c := findComponent(child, typ); c != nil {
				return c
			}
		}
	}
	return nil
}

func unigramPieces(raw any) ([]string, []float64) {
	entries, ok := raw.([]any)
	if !ok {
		return nil, nil
	}
	pieces := make([]string, len(entries))
	scores := make([]float64, len(entries))
	for i, item := range entries {
		pair, ok := item.([]any)
		if !ok || len(pair) < 2 {
			continue
		}
		piece, _ := pair[0].(string)
		score, _ := pair[1].(float64)
		pieces[i] = piece
		scores[i] = score
	}
	return pieces, scores
}

func vocabMap(raw any) map[string]int64 {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]int64, len(m))
	for k, v := range m {
		if f, ok := v.(float64); ok {
			out[k] = int64(f)
		}
	}
	return out
}

// WordPieceTokenizer implements a BERT-compatible uncased WordPiece tokenizer.
type WordPieceTokenizer struct {
	vocab   map[string]int64
	inverse []string
	clsID   int64
	sepID   int64
	padID   int64
	unkID   int64
	maskID  int64
}

// LoadWordPieceTokenizer builds the tokenizer from vocab.txt.
func LoadWordPieceTokenizer(path string) (*WordPieceTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var idx int64
	for sc.Scan() {
		token := strings.TrimSpace(sc.Text())
		if token == "" {
			continue
		}
		vocab[token] = idx
		idx++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan vocab: %w", err)
	}
	return NewWordPieceTokenizer(vocab), nil
}

// NewWordPieceTokenizer builds a tokenizer over an in-memory vocabulary.
func NewWordPieceTokenizer(vocab map[string]int64) *WordPieceTokenizer {
	var size int64
	for _, id := range vocab {
		if id+1 > size {
			size = id + 1
		}
	}
	inverse := make([]string, size)
	for tok, id := range vocab {
		inverse[id] = tok
	}
	special := func(tok string) int64 {
		if id, ok := vocab[tok]; ok {
			return id
		}
		return -1
	}
	return &WordPieceTokenizer{
		vocab:   vocab,
		inverse: inverse,
		clsID:   special("[CLS]"),
		sepID:   special("[SEP]"),
		padID:   special("[PAD]"),
		unkID:   special("[UNK]"),
		maskID:  special("[MASK]"),
	}
}

func (t *WordPieceTokenizer) VocabSize() int { return len(t.inverse) }

// MaskID is the id of [MASK], or -1 when the vocabulary has none.
func (t *WordPieceTokenizer) MaskID() int64 { return t.maskID }

// Piece returns the vocabulary entry for id.
func (t *WordPieceTokenizer) Piece(id int64) string {
	if id < 0 || int(id) >= len(t.inverse) {
		return ""
	}
	return t.inverse[id]
}

// IsSpecial reports whether id is one of the bracketed control tokens.
func (t *WordPieceTokenizer) IsSpecial(id int64) bool {
	p := t.Piece(id)
	return strings.HasPrefix(p, "[") && strings.HasSuffix(p, "]")
}

// Tokens returns the word-piece ids of text without [CLS]/[SEP].
func (t *WordPieceTokenizer) Tokens(text string) []int64 {
	var ids []int64
	for _, w := range splitWords(text) {
		for _, p := range t.pieces(strings.ToLower(w.Text)) {
			ids = append(ids, p.id)
		}
	}
	return ids
}

// Decode joins word pieces back into text, dropping control tokens.
func (t *WordPieceTokenizer) Decode(ids []int64) string {
	var b strings.Builder
	for _, id := range ids {
		if t.IsSpecial(id) {
			continue
		}
		p := t.Piece(id)
		if strings.HasPrefix(p, wordPieceContinues) {
			b.WriteString(strings.TrimPrefix(p, wordPieceContinues))
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p)
	}
	return b.String()
}

// TokenSpan maps a token to the byte range of the source text it came from.
// Control and padding tokens have Start == End == -1.
type TokenSpan struct {
	Start int
	End   int
}

// Encode returns [CLS] pieces [SEP] padded to seqLen, the attention mask, and
// the source span of every position.
func (t *WordPieceTokenizer) Encode(text string, seqLen int) ([]int64, []int64, []TokenSpan) {
	if seqLen < 2 {
		return nil, nil, nil
	}
	none := TokenSpan{Start: -1, End: -1}
	ids := []int64{t.clsID}
	spans := []TokenSpan{none}

words:
	for _, w := range splitWords(text) {
		for _, p := range t.pieces(strings.ToLower(w.Text)) {
			if len(ids) >= seqLen-1 {
				break words
			}
			ids = append(ids, p.id)
			spans = append(spans, TokenSpan{Start: w.Start + p.start, End: w.Start + p.end})
		}
	}
	ids = append(ids, t.sepID)
	spans = append(spans, none)

	attn := make([]int64, seqLen)
	for i := range ids {
		attn[i] = 1
	}
	for len(ids) < seqLen {
		ids = append(ids, t.padID)
		spans = append(spans, none)
	}
	return ids, attn, spans
}

type piece struct {
	id    int64
	start int
	end   int
}

// pieces greedily matches the longest vocabulary entry, continuing with "##"
// prefixed entries. An unmatched remainder turns the whole word into [UNK].
func (t *WordPieceTokenizer) pieces(word string) []piece {
	if id, ok := t.vocab[word]; ok {
		return []piece{{id: id, start: 0, end: len(word)}}
	}
	var out []piece
	start := 0
	for start < len(word) {
		end := len(word)
		matched := false
		for end > start {
			sub := word[start:end]
			if start > 0 {
				sub = wordPieceContinues + sub
			}
			if id, ok := t.vocab[sub]; ok {
				out = append(out, piece{id: id, start: start, end: end})
				start = end
				matched = true
				break
			}
			end--
		}
		if !matched {
			return []piece{{id: t.unkID, start: 0, end: len(word)}}
		}
	}
	return out
}

type wordSpan struct {
	Text  string
	Start int
	End   int
}

// WordSpans returns the byte ranges of the whitespace-separated words of text.
func WordSpans(text string) []TokenSpan {
	words := splitWords(text)
	out := make([]TokenSpan, len(words))
	for i, w := range words {
		out[i] = TokenSpan{Start: w.Start, End: w.End}
	}
	return out
}

func splitWords(text string) []wordSpan {
	var spans []wordSpan
	start := -1
	for idx, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, wordSpan{Text: text[start:idx], Start: start, End: idx})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = idx
		}
	}
	if start >= 0 {
		spans = append(spans, wordSpan{Text: text[start:], Start: start, End: len(text)})
	}
	return spans
}

// UnigramTokenizer implements SentencePiece-style unigram segmentation with
// metaspace pre-tokenization, as used by Llama/T5 style causal models.
type UnigramTokenizer struct {
	pieces       []string
	scores       []float64
	unkID        int64
	unkScore     float64
	byteFallback bool
	byteTokens   map[byte]int64
	trie         *unigramTrie
}

type unigramTrie struct {
	children map[byte]*unigramTrie
	tokenID  int64
	score    float64
}

// NewUnigramTokenizer builds a tokenizer from pieces and scores indexed by id.
func NewUnigramTokenizer(pieces []string, scores []float64, unkID int, byteFallback bool) *UnigramTokenizer {
	t := &UnigramTokenizer{
		pieces:       pieces,
		scores:       scores,
		unkID:        int64(unkID),
		byteFallback: byteFallback,
		byteTokens:   map[byte]int64{},
		trie:         &unigramTrie{tokenID: -1},
	}
	if unkID >= 0 && unkID < len(scores) {
		t.unkScore = scores[unkID]
	}
	for id, p := range pieces {
		if p == "" {
			continue
		}
		if b, ok := byteToken(p); ok {
			t.byteTokens[b] = int64(id)
		}
		t.insert(p, int64(id))
	}
	return t
}

func byteToken(p string) (byte, bool) {
	if len(p) != 6 || !strings.HasPrefix(p, "<0x") || !strings.HasSuffix(p, ">") {
		return 0, false
	}
	var b byte
	if n, err := fmt.Sscanf(p[3:5], "%02X", &b); err != nil || n != 1 {
		return 0, false
	}
	return b, true
}

func (t *UnigramTokenizer) insert(p string, id int64) {
	node := t.trie
	for i := 0; i < len(p); i++ {
		if node.children == nil {
			node.children = make(map[byte]*unigramTrie)
		}
		child := node.children[p[i]]
		if child == nil {
			child = &unigramTrie{tokenID: -1}
			node.children[p[i]] = child
		}
		node = child
	}
	node.tokenID = id
	if int(id) < len(t.scores) {
		node.score = t.scores[id]
	}
}

func (t *UnigramTokenizer) VocabSize() int { return len(t.pieces) }

var collapseWhitespace = regexp.MustCompile(`\s+`)

// Tokens returns the Viterbi-best segmentation of text.
func (t *UnigramTokenizer) Tokens(text string) []int64 {
	s := collapseWhitespace.ReplaceAllString(strings.TrimSpace(text), " ")
	if s == "" {
		return nil
	}
	s = strings.ReplaceAll(s, " ", metaspace)
	if !strings.HasPrefix(s, metaspace) {
		s = metaspace + s
	}

	input := []byte(s)
	n := len(input)
	best := make([]float64, n+1)
	from := make([]int, n+1)
	tok := make([]int64, n+1)
	for i := 1; i <= n; i++ {
		best[i] = math.Inf(-1)
		from[i] = -1
	}
	relax := func(i, j int, id int64, score float64) {
		if score > best[j] {
			best[j] = score
			from[j] = i
			tok[j] = id
		}
	}

	for i := 0; i < n; i++ {
		if math.IsInf(best[i], -1) {
			continue
		}
		matched := false
		node := t.trie
		for j := i; j < n && node != nil; j++ {
			node = node.children[input[j]]
			if node != nil && node.tokenID >= 0 {
				matched = true
				relax(i, j+1, node.tokenID, best[i]+node.score)
			}
		}
		if matched {
			continue
		}
		if id, ok := t.byteTokens[input[i]]; ok && t.byteFallback {
			relax(i, i+1, id, best[i]+t.scores[id])
		} else if t.unkID >= 0 {
			relax(i, i+1, t.unkID, best[i]+t.unkScore)
		}
	}
	if math.IsInf(best[n], -1) {
		return nil
	}

	var out []int64
	for pos := n; pos > 0; {
		prev := from[pos]
		if prev < 0 || prev >= pos {
			out = append(out, t.unkID)
			pos--
			continue
		}
		out = append(out, tok[pos])
		pos = prev
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Decode concatenates pieces, restores spaces from the metaspace marker and
// reassembles byte-fallback tokens.
func (t *UnigramTokenizer) Decode(ids []int64) string {
	var buf []byte
	for _, id := range ids {
		if id < 0 || int(id) >= len(t.pieces) {
			continue
		}
		p := t.pieces[id]
		if b, ok := byteToken(p); ok {
			buf = append(buf, b)
			continue
		}
		if strings.HasPrefix(p, "<") && strings.HasSuffix(p, ">") {
			continue
		}
		buf = append(buf, strings.ReplaceAll(p, metaspace, " ")...)
	}
	return strings.TrimPrefix(string(buf), " ")
}
