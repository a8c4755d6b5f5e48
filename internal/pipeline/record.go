package pipeline

import "maps"

// Record is what the primary pass learns about one document: its substrings,
// the target loss of each, and every per-substring score keyed by result id.
// The reference pass extends a copy of it.
type Record struct {
	Index int
	// Samples are the substring texts, detokenized for pretokenized input.
	Samples []string
	// Tokens are the original token ids per substring, nil for text input.
	Tokens [][]int64
	// Loss is the target loss per substring.
	Loss   []float64
	Scores map[string][]float64
}

func newRecord(index, substrings int, pretokenized bool) Record {
	r := Record{
		Index:   index,
		Samples: make([]string, 0, substrings),
		Loss:    make([]float64, 0, substrings),
		Scores:  make(map[string][]float64),
	}
	if pretokenized {
		r.Tokens = make([][]int64, 0, substrings)
	}
	return r
}

func (r *Record) add(id string, score float64) {
	r.Scores[id] = append(r.Scores[id], score)
}

// with returns a copy of r whose score table also holds scores under id.
func (r Record) with(id string, scores []float64) Record {
	out := r
	out.Scores = maps.Clone(r.Scores)
	if out.Scores == nil {
		out.Scores = make(map[string][]float64, 1)
	}
	out.Scores[id] = append([]float64(nil), scores...)
	return out
}
