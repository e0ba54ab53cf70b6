package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// JSONLSink appends samples to a file, one JSON object per line. Samples are
// flushed immediately so the file tails in real time.
type JSONLSink struct {
	path string
	mu   sync.Mutex
}

// NewJSONLSink ensures the target directory exists and returns the sink.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create metrics dir: %w", err)
	}
	return &JSONLSink{path: path}, nil
}

// Emit appends each sample as one JSONL line.
func (s *JSONLSink) Emit(_ context.Context, samples []Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	for _, sample := range samples {
		data, err := json.Marshal(sample)
		if err != nil {
			return err
		}
		data = append(data, '\n')
		if _, err := f.Write(data); err != nil {
			return err
		}
	}
	return nil
}
