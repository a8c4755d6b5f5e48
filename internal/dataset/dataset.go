// Package dataset loads the documents scored by a run and the neighbor sets
// precomputed for the neighborhood attack.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/straja-ai/mia/internal/lm"
)

// Document is one labeled unit of text split into ordered substrings.
// Pretokenized documents carry token ids on every substring; Text may then
// be empty until the pipeline detokenizes it.
type Document struct {
	Substrings []lm.Sample `json:"substrings"`
}

// Texts returns the substring texts in order.
func (d Document) Texts() []string {
	out := make([]string, len(d.Substrings))
	for i, s := range d.Substrings {
		out[i] = s.Text
	}
	return out
}

// Data is what a pipeline run consumes: the records in input order and,
// optionally, precomputed neighbors for load mode.
type Data struct {
	Records   []Document
	Neighbors Neighbors
}

const maxLineBytes = 16 << 20

// LoadJSONL reads one document per line. Accepted line shapes:
//
//	"text"                            single substring
//	["a", "b"]                        substrings
//	{"text": "..."} / {"text": [...]} object form
//	[1, 2, 3] / [[1, 2], [3]]          token ids (pretokenized only)
//	{"tokens": [[...]], "text": [...]} token ids with their detokenized text
func LoadJSONL(path string, pretokenized bool) ([]Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	var docs []Document
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		doc, err := parseRecord(raw, pretokenized)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		docs = append(docs, doc)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan dataset: %w", err)
	}
	return docs, nil
}

type objectRecord struct {
	Text   json.RawMessage `json:"text"`
	Tokens json.RawMessage `json:"tokens"`
}

func parseRecord(raw []byte, pretokenized bool) (Document, error) {
	if pretokenized {
		return parsePretokenized(raw)
	}

	switch raw[0] {
	case '"', '[':
		texts, err := parseTexts(raw)
		if err != nil {
			return Document{}, err
		}
		return textDocument(texts)
	case '{':
		var obj objectRecord
		if err := json.Unmarshal(raw, &obj); err != nil {
			return Document{}, fmt.Errorf("decode record: %w", err)
		}
		if len(obj.Text) == 0 {
			return Document{}, errors.New(`record has no "text" field`)
		}
		texts, err := parseTexts(obj.Text)
		if err != nil {
			return Document{}, err
		}
		return textDocument(texts)
	}
	return Document{}, fmt.Errorf("unsupported record shape starting with %q", raw[0])
}

func parseTexts(raw json.RawMessage) ([]string, error) {
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}, nil
	}
	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("text must be a string or a list of strings: %w", err)
	}
	return many, nil
}

func textDocument(texts []string) (Document, error) {
	if len(texts) == 0 {
		return Document{}, errors.New("document has no substrings")
	}
	doc := Document{Substrings: make([]lm.Sample, len(texts))}
	for i, t := range texts {
		doc.Substrings[i] = lm.Sample{Text: t}
	}
	return doc, nil
}

func parsePretokenized(raw []byte) (Document, error) {
	tokensRaw := json.RawMessage(raw)
	var texts []string
	if raw[0] == '{' {
		var obj objectRecord
		if err := json.Unmarshal(raw, &obj); err != nil {
			return Document{}, fmt.Errorf("decode record: %w", err)
		}
		if len(obj.Tokens) == 0 {
			return Document{}, errors.New(`pretokenized record has no "tokens" field`)
		}
		tokensRaw = obj.Tokens
		if len(obj.Text) > 0 {
			var err error
			if texts, err = parseTexts(obj.Text); err != nil {
				return Document{}, err
			}
		}
	}

	var substrs [][]int64
	if err := json.Unmarshal(tokensRaw, &substrs); err != nil {
		var flat []int64
		if err2 := json.Unmarshal(tokensRaw, &flat); err2 != nil {
			return Document{}, fmt.Errorf("tokens must be a list of ids or a list of id lists: %w", err)
		}
		substrs = [][]int64{flat}
	}
	if len(substrs) == 0 {
		return Document{}, errors.New("document has no substrings")
	}
	if texts != nil && len(texts) != len(substrs) {
		return Document{}, fmt.Errorf("text has %d substrings but tokens has %d", len(texts), len(substrs))
	}

	doc := Document{Substrings: make([]lm.Sample, len(substrs))}
	for i, ids := range substrs {
		if len(ids) == 0 {
			return Document{}, fmt.Errorf("substring %d has no tokens", i)
		}
		doc.Substrings[i] = lm.Sample{Tokens: ids}
		if texts != nil {
			doc.Substrings[i].Text = texts[i]
		}
	}
	return doc, nil
}

// Limit returns at most n documents; n <= 0 keeps all of them.
func Limit(docs []Document, n int) []Document {
	if n <= 0 || n >= len(docs) {
		return docs
	}
	return docs[:n]
}

// Truncate keeps the first maxSubstrs substrings of doc.
func Truncate(doc Document, maxSubstrs int) Document {
	if maxSubstrs <= 0 || len(doc.Substrings) <= maxSubstrs {
		return doc
	}
	return Document{Substrings: doc.Substrings[:maxSubstrs]}
}

// Whole merges all substrings of doc into a single one. Texts are joined by
// a space and token ids are concatenated.
func Whole(doc Document) Document {
	if len(doc.Substrings) <= 1 {
		return doc
	}
	var texts []string
	var tokens []int64
	for _, s := range doc.Substrings {
		if s.Text != "" {
			texts = append(texts, s.Text)
		}
		tokens = append(tokens, s.Tokens...)
	}
	return Document{Substrings: []lm.Sample{{Text: strings.Join(texts, " "), Tokens: tokens}}}
}
