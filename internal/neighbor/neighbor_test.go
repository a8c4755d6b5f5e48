package neighbor

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/straja-ai/mia/internal/config"
	"github.com/straja-ai/mia/internal/dataset"
	"github.com/straja-ai/mia/internal/lm"
)

func TestMemoryCacheExplicitPresence(t *testing.T) {
	ctx := context.Background()
	seed := dataset.Neighbors{}
	seed.Set(5, 0, 0, []string{"a dog sat."})
	c := NewMemoryCache(seed, "")

	got, ok, err := c.Lookup(ctx, Key{N: 5, Doc: 0, Substr: 0})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"a dog sat."}, got)

	_, ok, err = c.Lookup(ctx, Key{N: 10, Doc: 0, Substr: 0})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Store(ctx, Key{N: 10, Doc: 0, Substr: 0}, nil))
	got, ok, err = c.Lookup(ctx, Key{N: 10, Doc: 0, Substr: 0})
	require.NoError(t, err)
	assert.True(t, ok, "stored empty list must be present")
	assert.Empty(t, got)

	// (5, 0, 1) is padding from no Store and does not count.
	require.NoError(t, c.Store(ctx, Key{N: 5, Doc: 0, Substr: 2}, []string{"x"}))
	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestMemoryCachePersistsOnClose(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := config.CacheConfig{Backend: "memory", Path: dir}

	c, err := Open(cfg, "member", nil)
	require.NoError(t, err)
	require.NoError(t, c.Store(ctx, Key{N: 5, Doc: 2, Substr: 1}, []string{"x", "y"}))
	require.NoError(t, c.Close())

	nb, err := dataset.LoadNeighbors(filepath.Join(dir, "member.neighbors.json"))
	require.NoError(t, err)
	got, ok := nb.Get(5, 2, 1)
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, got)

	reopened, err := Open(cfg, "member", nil)
	require.NoError(t, err)
	got, ok, err = reopened.Lookup(ctx, Key{N: 5, Doc: 2, Substr: 1})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, got)

	other, err := Open(cfg, "nonmember", nil)
	require.NoError(t, err)
	_, ok, err = other.Lookup(ctx, Key{N: 5, Doc: 2, Substr: 1})
	require.NoError(t, err)
	assert.False(t, ok, "namespaces must not share entries")
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(config.CacheConfig{Backend: "redis"}, "member", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrConfig))
}

func TestBadgerCacheInMemory(t *testing.T) {
	ctx := context.Background()
	c, err := OpenBadger(BadgerConfig{InMemory: true, Namespace: "member"})
	require.NoError(t, err)
	defer c.Close()

	k := Key{N: 10, Doc: 3, Substr: 0}
	_, ok, err := c.Lookup(ctx, k)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Store(ctx, k, []string{"one", "two"}))
	require.NoError(t, c.Store(ctx, Key{N: 10, Doc: 3, Substr: 1}, nil))

	got, ok, err := c.Lookup(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"one", "two"}, got)

	got, ok, err = c.Lookup(ctx, Key{N: 10, Doc: 3, Substr: 1})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, got)

	n, err := c.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBadgerCachePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	seed := dataset.Neighbors{}
	seed.Set(5, 0, 0, []string{"seeded"})

	c, err := Open(config.CacheConfig{Backend: "badger", Path: dir}, "nonmember", seed)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	again, err := OpenBadger(BadgerConfig{Path: dir, Namespace: "nonmember"})
	require.NoError(t, err)
	defer again.Close()
	got, ok, err := again.Lookup(ctx, Key{N: 5, Doc: 0, Substr: 0})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"seeded"}, got)
}

func TestPickWordsBounds(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	maskable := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	got := pickWords(rng, maskable, 0.3)
	assert.Len(t, got, 3)
	assert.IsIncreasing(t, got)

	assert.Len(t, pickWords(rng, maskable, 0.01), 1, "at least one word is masked")
	assert.Len(t, pickWords(rng, []int{4}, 1), 1)
}

func TestPickWordsDeterministicForSeed(t *testing.T) {
	maskable := []int{0, 1, 2, 3, 4, 5, 6, 7}
	a := pickWords(rand.New(rand.NewPCG(7, 7)), maskable, 0.5)
	b := pickWords(rand.New(rand.NewPCG(7, 7)), maskable, 0.5)
	assert.Equal(t, a, b)
}

func testVocab() *lm.WordPieceTokenizer {
	vocab := []string{"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]", "the", "cat", "dog", "sat", "##s"}
	m := make(map[string]int64, len(vocab))
	for i, v := range vocab {
		m[v] = int64(i)
	}
	return lm.NewWordPieceTokenizer(m)
}

func TestBestReplacementSkipsOriginalAndSpecials(t *testing.T) {
	tok := testVocab()
	row := make([]float32, tok.VocabSize())
	row[4] = 9 // [MASK]
	row[9] = 8 // ##s
	row[6] = 7 // cat, the original
	row[7] = 5 // dog

	got, ok := bestReplacement(row, tok, "cat")
	require.True(t, ok)
	assert.Equal(t, "dog", got)
}

func TestWordFirstTokensAndSplice(t *testing.T) {
	tok := testVocab()
	text := "the  cats sat"
	_, _, spans := tok.Encode(text, 5)
	words := lm.WordSpans(text)

	first := wordFirstTokens(words, spans)
	assert.Equal(t, []int{1, 2, -1}, first, "third word is truncated by seq len")

	out := splice(text, words, map[int]string{1: "dog", 2: "ran"})
	assert.Equal(t, "the  dog ran", out)
	assert.Equal(t, text, splice(text, words, nil))
}
