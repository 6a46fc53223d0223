package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io/fs"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v4"
)

// FileStore keeps one YAML file per instance in a directory.
// Files are replaced with write-then-rename so a reader never sees a
// partially written checkpoint.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a store backed by it.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// path keeps names that needed sanitizing distinct by appending a hash of
// the original name.
func (s *FileStore) path(instance string) string {
	name := Sanitize(instance)
	if name != instance {
		h := fnv.New32a()
		h.Write([]byte(instance))
		name = fmt.Sprintf("%s-%08x", name, h.Sum32())
	}
	return filepath.Join(s.dir, name+".checkpoint")
}

// Load reads the checkpoint of instance.
func (s *FileStore) Load(_ context.Context, instance string) (Checkpoint, error) {
	data, err := os.ReadFile(s.path(instance))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("parse checkpoint %s: %w", instance, err)
	}
	return cp, nil
}

// Save atomically replaces the checkpoint of instance.
func (s *FileStore) Save(_ context.Context, instance string, cp Checkpoint) error {
	data, err := yaml.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	final := s.path(instance)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(final)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

// Sanitize maps an instance name onto a safe file name.
func Sanitize(name string) string {
	if name == "" {
		return "default"
	}
	out := make([]byte, 0, len(name))
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '-' || b == '_' {
			out = append(out, b)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
