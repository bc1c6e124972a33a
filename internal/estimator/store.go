package estimator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore keeps stats in a single human-readable file. Files ending in
// ".json" are written as JSON, everything else as YAML.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the stats file. A missing file yields an fs.ErrNotExist error.
func (s *FileStore) Load() (map[string]StepStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	stats := make(map[string]StepStat)
	if s.isJSON() {
		err = json.Unmarshal(data, &stats)
	} else {
		err = yaml.Unmarshal(data, &stats)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return stats, nil
}

// Save writes the stats through a temp file and rename so readers never
// observe a partial file.
func (s *FileStore) Save(stats map[string]StepStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		data []byte
		err  error
	)
	if s.isJSON() {
		data, err = json.MarshalIndent(stats, "", "  ")
	} else {
		data, err = yaml.Marshal(stats)
	}
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stats dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".step_stats-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write stats: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close stats: %w", err)
	}
	return os.Rename(tmpName, s.path)
}

func (s *FileStore) isJSON() bool {
	return strings.EqualFold(filepath.Ext(s.path), ".json")
}
