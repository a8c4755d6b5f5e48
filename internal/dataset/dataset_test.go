package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLines(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadJSONLTextShapes(t *testing.T) {
	path := writeLines(t, `"The cat sat."
["first part", "second part"]

{"text": "object form"}
{"text": ["a", "b", "c"]}
`)
	docs, err := LoadJSONL(path, false)
	require.NoError(t, err)
	require.Len(t, docs, 4)

	assert.Equal(t, []string{"The cat sat."}, docs[0].Texts())
	assert.Equal(t, []string{"first part", "second part"}, docs[1].Texts())
	assert.Equal(t, []string{"object form"}, docs[2].Texts())
	assert.Equal(t, []string{"a", "b", "c"}, docs[3].Texts())
	assert.False(t, docs[0].Substrings[0].Pretokenized())
}

func TestLoadJSONLPretokenized(t *testing.T) {
	path := writeLines(t, `[1, 2, 3]
[[4, 5], [6]]
{"tokens": [[7, 8]], "text": ["seven eight"]}
`)
	docs, err := LoadJSONL(path, true)
	require.NoError(t, err)
	require.Len(t, docs, 3)

	assert.Equal(t, []int64{1, 2, 3}, docs[0].Substrings[0].Tokens)
	require.Len(t, docs[1].Substrings, 2)
	assert.Equal(t, []int64{6}, docs[1].Substrings[1].Tokens)
	assert.Equal(t, "seven eight", docs[2].Substrings[0].Text)
	assert.True(t, docs[2].Substrings[0].Pretokenized())
}

func TestLoadJSONLErrorsCarryLine(t *testing.T) {
	path := writeLines(t, "\"ok\"\n[1, 2]\n")
	_, err := LoadJSONL(path, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ":2:")

	path = writeLines(t, `{"tokens": [[1], [2]], "text": ["only one"]}`)
	_, err = LoadJSONL(path, true)
	require.Error(t, err)
}

func TestTruncateAndWhole(t *testing.T) {
	doc, err := textDocument([]string{"a", "b", "c"})
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, Truncate(doc, 2).Texts())
	assert.Equal(t, []string{"a", "b", "c"}, Truncate(doc, 0).Texts())
	assert.Equal(t, []string{"a b c"}, Whole(doc).Texts())

	tok := Document{}
	tok.Substrings = append(tok.Substrings, doc.Substrings[0], doc.Substrings[1])
	tok.Substrings[0].Tokens = []int64{1}
	tok.Substrings[1].Tokens = []int64{2, 3}
	assert.Equal(t, []int64{1, 2, 3}, Whole(tok).Substrings[0].Tokens)
	assert.Len(t, Limit([]Document{doc, doc, doc}, 2), 2)
}

func TestNeighborsRoundTripAndPresence(t *testing.T) {
	nb := Neighbors{}
	nb.Set(5, 1, 0, []string{"x", "y"})
	nb.Set(5, 1, 2, nil)

	got, ok := nb.Get(5, 1, 0)
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, got)

	got, ok = nb.Get(5, 1, 2)
	assert.True(t, ok, "empty stored list is present")
	assert.Empty(t, got)

	_, ok = nb.Get(5, 1, 1)
	assert.False(t, ok, "gap is absent")
	_, ok = nb.Get(5, 0, 0)
	assert.False(t, ok)
	_, ok = nb.Get(10, 1, 0)
	assert.False(t, ok)

	path := filepath.Join(t.TempDir(), "member.neighbors.json")
	require.NoError(t, SaveNeighbors(path, nb))
	loaded, err := LoadNeighbors(path)
	require.NoError(t, err)
	got, ok = loaded.Get(5, 1, 0)
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, got)

	_, err = LoadNeighbors(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.Is(err, ErrNeighborsNotFound))
}
