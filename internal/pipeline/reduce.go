package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/straja-ai/mia/internal/config"
)

// Reducer collapses the per-substring scores of one document into one value.
// It is only called with at least one score.
type Reducer func(scores []float64) float64

var reducers = map[string]Reducer{
	"min": func(s []float64) float64 {
		out := s[0]
		for _, v := range s[1:] {
			out = math.Min(out, v)
		}
		return out
	},
	"max": func(s []float64) float64 {
		out := s[0]
		for _, v := range s[1:] {
			out = math.Max(out, v)
		}
		return out
	},
	"mean": func(s []float64) float64 {
		var sum float64
		for _, v := range s {
			sum += v
		}
		return sum / float64(len(s))
	},
	"median": func(s []float64) float64 {
		sorted := append([]float64(nil), s...)
		sort.Float64s(sorted)
		mid := len(sorted) / 2
		if len(sorted)%2 == 1 {
			return sorted[mid]
		}
		return (sorted[mid-1] + sorted[mid]) / 2
	},
}

// ReducerByName returns a named reducer; "" selects min.
func ReducerByName(name string) (Reducer, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "min"
	}
	r, ok := reducers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown aggregation %q", config.ErrConfig, name)
	}
	return r, nil
}

// Prediction is one document's aggregate for one attack. Valid is false
// when the attack produced no score for the document.
type Prediction struct {
	Value float64
	Valid bool
}

// MarshalJSON writes absent and non-finite predictions as null.
func (p Prediction) MarshalJSON() ([]byte, error) {
	if !p.Valid || math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(p.Value)
}

func (p *Prediction) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = Prediction{}
		return nil
	}
	if err := json.Unmarshal(data, &p.Value); err != nil {
		return err
	}
	p.Valid = true
	return nil
}

// aggregate builds the prediction table. Every id scored for at least one
// document gets a column with one cell per record, in record order.
func aggregate(records []Record, reduce Reducer) map[string][]Prediction {
	out := make(map[string][]Prediction)
	for _, rec := range records {
		for id := range rec.Scores {
			if _, ok := out[id]; !ok {
				out[id] = make([]Prediction, len(records))
			}
		}
	}
	for i, rec := range records {
		for id, scores := range rec.Scores {
			if len(scores) == 0 {
				continue
			}
			out[id][i] = Prediction{Value: reduce(scores), Valid: true}
		}
	}
	return out
}
