package sink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"cpguard/internal/model"
)

// FileSink appends one JSON line per alarm, the security-event log format
// downstream consumers tail.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileSink{file: f, enc: json.NewEncoder(f)}, nil
}

func (s *FileSink) Emit(_ context.Context, alarm model.Alarm) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(alarm)
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
