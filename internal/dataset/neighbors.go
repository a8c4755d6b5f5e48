package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/straja-ai/mia/internal/fsutil"
)

// Neighbors maps a perturbation count to per-document, per-substring
// neighbor texts: Neighbors[n][doc][substr] is the list of neighbors.
// On disk the counts are JSON object keys.
type Neighbors map[int][][][]string

// Get returns the neighbors stored for (n, doc, substr). The boolean is false
// when any level is missing; an empty list that was stored is still present.
func (nb Neighbors) Get(n, doc, substr int) ([]string, bool) {
	docs, ok := nb[n]
	if !ok || doc < 0 || doc >= len(docs) {
		return nil, false
	}
	substrs := docs[doc]
	if substr < 0 || substr >= len(substrs) || substrs[substr] == nil {
		return nil, false
	}
	return substrs[substr], true
}

// Set stores neighbors at (n, doc, substr), growing the nested slices.
func (nb Neighbors) Set(n, doc, substr int, neighbors []string) {
	docs := nb[n]
	for len(docs) <= doc {
		docs = append(docs, nil)
	}
	substrs := docs[doc]
	for len(substrs) <= substr {
		substrs = append(substrs, nil)
	}
	if neighbors == nil {
		neighbors = []string{}
	}
	substrs[substr] = neighbors
	docs[doc] = substrs
	nb[n] = docs
}

// ErrNeighborsNotFound is returned by LoadNeighbors when the file is missing.
var ErrNeighborsNotFound = errors.New("neighbors file not found")

// LoadNeighbors reads a neighbors JSON file.
func LoadNeighbors(path string) (Neighbors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNeighborsNotFound
		}
		return nil, fmt.Errorf("read neighbors: %w", err)
	}
	var nb Neighbors
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("decode neighbors: %w", err)
	}
	if nb == nil {
		nb = Neighbors{}
	}
	return nb, nil
}

// SaveNeighbors writes nb atomically.
func SaveNeighbors(path string, nb Neighbors) error {
	data, err := json.MarshalIndent(nb, "", "  ")
	if err != nil {
		return fmt.Errorf("encode neighbors: %w", err)
	}
	return fsutil.WriteFileAtomic(path, data, 0o644)
}
