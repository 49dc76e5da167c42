package server

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// ndjsonWriter appends one JSON document per line to a file.
type ndjsonWriter struct {
	mu sync.Mutex
	f  *os.File
}

func newNDJSONWriter(path string) (*ndjsonWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &ndjsonWriter{f: f}, nil
}

func (w *ndjsonWriter) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.f.Write(data)
	return err
}

func (w *ndjsonWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}
