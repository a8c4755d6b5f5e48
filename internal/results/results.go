// Package results persists the outcome of a run.
package results

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/straja-ai/mia/internal/fsutil"
	"github.com/straja-ai/mia/internal/pipeline"
)

const (
	PredictionsFile = "predictions.json"
	ScoresFile      = "scores.jsonl"
)

// ErrRunNotFound is returned by Load when predictions.json is missing.
var ErrRunNotFound = errors.New("run predictions not found")

// DatasetResult is the prediction table and scored samples of one dataset.
type DatasetResult struct {
	Predictions map[string][]pipeline.Prediction `json:"predictions"`
	Samples     [][]string                       `json:"samples"`
}

// Run describes one invocation and everything it produced.
type Run struct {
	ID          string                   `json:"run_id"`
	StartedAt   time.Time                `json:"started_at"`
	FinishedAt  time.Time                `json:"finished_at"`
	TargetModel string                   `json:"target_model"`
	Attacks     []string                 `json:"attacks"`
	Aggregation string                   `json:"aggregation"`
	Datasets    map[string]DatasetResult `json:"datasets"`
}

// NewRun starts a run record with a fresh id.
func NewRun(targetModel, aggregation string, attacks []string) *Run {
	return &Run{
		ID:          uuid.NewString(),
		StartedAt:   time.Now().UTC(),
		TargetModel: targetModel,
		Attacks:     append([]string(nil), attacks...),
		Aggregation: aggregation,
		Datasets:    map[string]DatasetResult{},
	}
}

// Add stores the result of scoring one dataset.
func (r *Run) Add(name string, res *pipeline.Result) {
	if res == nil {
		return
	}
	r.Datasets[name] = DatasetResult{Predictions: res.Predictions, Samples: res.Samples}
}

// Write stores predictions.json atomically and rewrites scores.jsonl in dir.
func Write(dir string, run *Run) error {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return errors.New("output dir is empty")
	}
	if run == nil {
		return errors.New("run is nil")
	}
	if run.FinishedAt.IsZero() {
		run.FinishedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encode predictions: %w", err)
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, PredictionsFile), data, 0o644); err != nil {
		return err
	}

	sink, err := NewScoreSink(filepath.Join(dir, ScoresFile))
	if err != nil {
		return err
	}
	for _, name := range sortedKeys(run.Datasets) {
		for _, line := range scoreLines(run.ID, name, run.Datasets[name]) {
			if err := sink.Write(line); err != nil {
				sink.Close()
				return err
			}
		}
	}
	return sink.Close()
}

// Load reads predictions.json from dir.
func Load(dir string) (*Run, error) {
	data, err := os.ReadFile(filepath.Join(dir, PredictionsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrRunNotFound
		}
		return nil, fmt.Errorf("read predictions: %w", err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode predictions: %w", err)
	}
	return &run, nil
}

func scoreLines(runID, dataset string, res DatasetResult) []ScoreLine {
	lines := make([]ScoreLine, len(res.Samples))
	for i := range lines {
		lines[i] = ScoreLine{RunID: runID, Dataset: dataset, Index: i, Scores: map[string]pipeline.Prediction{}}
	}
	for id, preds := range res.Predictions {
		for i, p := range preds {
			if i < len(lines) {
				lines[i].Scores[id] = p
			}
		}
	}
	return lines
}

func sortedKeys(m map[string]DatasetResult) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
