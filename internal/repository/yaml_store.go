package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// YAMLStore is a MemoryStore that writes its contents to a YAML file after
// every change. Meant for local runs without Postgres.
type YAMLStore struct {
	*MemoryStore
	filePath string
}

// OpenYAMLStore loads filePath (if it exists) and returns a store persisting to it.
func OpenYAMLStore(filePath string) (*YAMLStore, error) {
	s := &YAMLStore{MemoryStore: NewMemoryStore(), filePath: filePath}
	data, err := s.loadData()
	if err != nil {
		return nil, err
	}
	s.data = *data
	s.persist = s.saveData
	return s, nil
}

func (s *YAMLStore) loadData() (*storeData, error) {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if _, err := os.Stat(s.filePath); os.IsNotExist(err) {
		return &storeData{}, nil
	}

	content, err := os.ReadFile(s.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var data storeData
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}
	return &data, nil
}

// saveData writes via a temp file and rename so a crash never leaves a torn file.
func (s *YAMLStore) saveData(data *storeData) error {
	content, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp, s.filePath); err != nil {
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}
