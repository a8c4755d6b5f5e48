package results

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/straja-ai/mia/internal/pipeline"
)

// ScoreLine is one document's aggregate scores in scores.jsonl.
type ScoreLine struct {
	RunID   string                         `json:"run_id"`
	Dataset string                         `json:"dataset"`
	Index   int                            `json:"index"`
	Scores  map[string]pipeline.Prediction `json:"scores"`
}

// ScoreSink writes score lines to a JSONL file.
type ScoreSink struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

// NewScoreSink creates (truncating) the file at path.
func NewScoreSink(path string) (*ScoreSink, error) {
	if path == "" {
		return nil, fmt.Errorf("file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return &ScoreSink{
		path:   path,
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

func (s *ScoreSink) Write(line ScoreLine) error {
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encode score line: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("write score line to %s: %w", s.path, err)
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	return nil
}

// Close flushes buffered lines and closes the file.
func (s *ScoreSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var flushErr error
	if s.writer != nil {
		flushErr = s.writer.Flush()
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return err
		}
	}
	return flushErr
}
