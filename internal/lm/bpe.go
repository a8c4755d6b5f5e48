package lm

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// gpt2Split is the GPT-2 pre-tokenization pattern without its trailing
// `\s+(?!\S)` lookahead, which splitByteLevel applies by hand.
var gpt2Split = regexp.MustCompile(`^(?:'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+)`)

type bpePair struct {
	a, b string
}

// BPEConfig is the subset of a tokenizer.json BPE model the tokenizer needs.
type BPEConfig struct {
	Vocab  map[string]int64
	Merges [][2]string
	// Added maps added-token content (e.g. "<|endoftext|>") to its id. Added
	// tokens are matched verbatim before pre-tokenization.
	Added map[string]int64
	// ByteLevel selects GPT-2 style byte-to-rune mapping; otherwise text is
	// metaspace-normalized SentencePiece style.
	ByteLevel      bool
	AddPrefixSpace bool
	ByteFallback   bool
	// IgnoreMerges looks a whole pre-token up in the vocabulary before
	// applying merges.
	IgnoreMerges bool
	UnkToken     string
}

// BPETokenizer implements byte-level BPE (GPT-2, Pythia, GPT-Neo, OPT) and
// metaspace BPE with byte fallback (Llama).
type BPETokenizer struct {
	cfg         BPEConfig
	inverse     []string
	ranks       map[bpePair]int
	added       *regexp.Regexp
	addedIDs    map[int64]string
	byteEncoder [256]rune
	byteDecoder map[rune]byte
	unkID       int64
}

// NewBPETokenizer builds a tokenizer from a vocabulary and ranked merges.
func NewBPETokenizer(cfg BPEConfig) (*BPETokenizer, error) {
	if len(cfg.Vocab) == 0 {
		return nil, fmt.Errorf("bpe vocab is empty")
	}
	t := &BPETokenizer{
		cfg:      cfg,
		ranks:    make(map[bpePair]int, len(cfg.Merges)),
		addedIDs: make(map[int64]string, len(cfg.Added)),
		unkID:    -1,
	}

	var size int64
	for _, id := range cfg.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("bpe vocab has negative id %d", id)
		}
		size = max(size, id+1)
	}
	for _, id := range cfg.Added {
		size = max(size, id+1)
	}
	t.inverse = make([]string, size)
	for tok, id := range cfg.Vocab {
		t.inverse[id] = tok
	}

	for rank, m := range cfg.Merges {
		p := bpePair{a: m[0], b: m[1]}
		if _, dup := t.ranks[p]; !dup {
			t.ranks[p] = rank
		}
	}

	if len(cfg.Added) > 0 {
		contents := make([]string, 0, len(cfg.Added))
		for content, id := range cfg.Added {
			if content == "" {
				continue
			}
			contents = append(contents, content)
			t.addedIDs[id] = content
			t.inverse[id] = content
		}
		sort.Slice(contents, func(i, j int) bool { return len(contents[i]) > len(contents[j]) })
		quoted := make([]string, len(contents))
		for i, c := range contents {
			quoted[i] = regexp.QuoteMeta(c)
		}
		if len(quoted) > 0 {
			t.added = regexp.MustCompile(strings.Join(quoted, "|"))
		}
	}

	if cfg.UnkToken != "" {
		if id, ok := cfg.Vocab[cfg.UnkToken]; ok {
			t.unkID = id
		}
	}
	t.byteEncoder, t.byteDecoder = byteLevelAlphabet()
	return t, nil
}

func (t *BPETokenizer) VocabSize() int { return len(t.inverse) }

// Tokens returns the ids of text. Pieces that cannot be represented become the
// unk id, or -1 when the vocabulary has none.
func (t *BPETokenizer) Tokens(text string) []int64 {
	var ids []int64
	for _, seg := range t.splitAdded(text) {
		if seg.added {
			ids = append(ids, seg.id)
			continue
		}
		for _, word := range t.preTokenize(seg.text) {
			ids = append(ids, t.word(word)...)
		}
	}
	return ids
}

type bpeSegment struct {
	text  string
	added bool
	id    int64
}

func (t *BPETokenizer) splitAdded(text string) []bpeSegment {
	if t.added == nil {
		return []bpeSegment{{text: text}}
	}
	var out []bpeSegment
	last := 0
	for _, loc := range t.added.FindAllStringIndex(text, -1) {
		if loc[0] > last {
			out = append(out, bpeSegment{text: text[last:loc[0]]})
		}
		out = append(out, bpeSegment{added: true, id: t.cfg.Added[text[loc[0]:loc[1]]]})
		last = loc[1]
	}
	if last < len(text) {
		out = append(out, bpeSegment{text: text[last:]})
	}
	return out
}

// preTokenize returns the words merges run over, already mapped into the
// vocabulary's alphabet.
func (t *BPETokenizer) preTokenize(text string) []string {
	if text == "" {
		return nil
	}
	if !t.cfg.ByteLevel {
		s := strings.ReplaceAll(text, " ", metaspace)
		if !strings.HasPrefix(s, metaspace) {
			s = metaspace + s
		}
		return splitMetaspace(s)
	}

	if t.cfg.AddPrefixSpace && !strings.HasPrefix(text, " ") {
		text = " " + text
	}
	words := splitByteLevel(text)
	for i, w := range words {
		var b strings.Builder
		for j := 0; j < len(w); j++ {
			b.WriteRune(t.byteEncoder[w[j]])
		}
		words[i] = b.String()
	}
	return words
}

// splitByteLevel applies gpt2Split repeatedly. A whitespace run followed by
// more text gives up its last rune so that it can prefix the next word.
func splitByteLevel(s string) []string {
	var out []string
	for len(s) > 0 {
		end := 0
		if loc := gpt2Split.FindStringIndex(s); loc != nil {
			end = loc[1]
		}
		if end == 0 {
			_, end = utf8.DecodeRuneInString(s)
		}
		if end < len(s) && isSpaceRun(s[:end]) {
			if _, size := utf8.DecodeLastRuneInString(s[:end]); size < end {
				end -= size
			}
		}
		out = append(out, s[:end])
		s = s[end:]
	}
	return out
}

func isSpaceRun(s string) bool {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// splitMetaspace cuts s before every metaspace run that follows other text.
func splitMetaspace(s string) []string {
	var out []string
	start := 0
	prevSpace := true
	for i, r := range s {
		isSpace := string(r) == metaspace
		if isSpace && !prevSpace {
			out = append(out, s[start:i])
			start = i
		}
		prevSpace = isSpace
	}
	return append(out, s[start:])
}

func (t *BPETokenizer) word(w string) []int64 {
	if id, ok := t.cfg.Vocab[w]; ok && (t.cfg.IgnoreMerges || len(t.ranks) == 0) {
		return []int64{id}
	}
	symbols := make([]string, 0, len(w))
	for _, r := range w {
		symbols = append(symbols, string(r))
	}
	symbols = t.merge(symbols)

	ids := make([]int64, 0, len(symbols))
	for _, s := range symbols {
		ids = append(ids, t.lookup(s)...)
	}
	return ids
}

// merge repeatedly joins every occurrence of the lowest-ranked adjacent pair.
func (t *BPETokenizer) merge(symbols []string) []string {
	for len(symbols) > 1 {
		best, bestRank := bpePair{}, math.MaxInt
		for i := 0; i+1 < len(symbols); i++ {
			p := bpePair{a: symbols[i], b: symbols[i+1]}
			if r, ok := t.ranks[p]; ok && r < bestRank {
				best, bestRank = p, r
			}
		}
		if bestRank == math.MaxInt {
			break
		}
		out := make([]string, 0, len(symbols)-1)
		for i := 0; i < len(symbols); i++ {
			if i+1 < len(symbols) && symbols[i] == best.a && symbols[i+1] == best.b {
				out = append(out, best.a+best.b)
				i++
				continue
			}
			out = append(out, symbols[i])
		}
		symbols = out
	}
	return symbols
}

func (t *BPETokenizer) lookup(sym string) []int64 {
	if id, ok := t.cfg.Vocab[sym]; ok {
		return []int64{id}
	}
	if t.cfg.ByteFallback {
		var ids []int64
		for i := 0; i < len(sym); i++ {
			id, ok := t.cfg.Vocab[fmt.Sprintf("<0x%02X>", sym[i])]
			if !ok {
				id = t.unkID
			}
			ids = append(ids, id)
		}
		return ids
	}
	return []int64{t.unkID}
}

// Decode maps ids back to text. Added tokens are kept verbatim.
func (t *BPETokenizer) Decode(ids []int64) string {
	var buf []byte
	for _, id := range ids {
		if id < 0 || int(id) >= len(t.inverse) {
			continue
		}
		if content, ok := t.addedIDs[id]; ok {
			buf = append(buf, content...)
			continue
		}
		p := t.inverse[id]
		if !t.cfg.ByteLevel {
			if b, ok := byteToken(p); ok {
				buf = append(buf, b)
				continue
			}
			buf = append(buf, strings.ReplaceAll(p, metaspace, " ")...)
			continue
		}
		for _, r := range p {
			if b, ok := t.byteDecoder[r]; ok {
				buf = append(buf, b)
			} else {
				buf = utf8.AppendRune(buf, r)
			}
		}
	}
	if !t.cfg.ByteLevel {
		return strings.TrimPrefix(string(buf), " ")
	}
	return string(buf)
}

// byteLevelAlphabet is the GPT-2 mapping of every byte to a printable rune:
// printable Latin-1 bytes map to themselves, the rest to runes from 256 up.
func byteLevelAlphabet() ([256]rune, map[rune]byte) {
	var enc [256]rune
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	next := rune(256)
	for b := 0; b < 256; b++ {
		if printable(b) {
			enc[b] = rune(b)
			continue
		}
		enc[b] = next
		next++
	}
	dec := make(map[rune]byte, 256)
	for b, r := range enc {
		dec[r] = byte(b)
	}
	return enc, dec
}
