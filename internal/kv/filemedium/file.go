package filemedium

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

type document struct {
	Values map[string]string `toml:"values"`
}

// File is a kv.Medium backed by one TOML document. Writes replace the document
// atomically through a rename.
type File struct {
	path string
	mu   sync.Mutex
}

// Open returns a File for path, creating its directory. The document itself is
// created on first write.
func Open(path string) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &File{path: abs}, nil
}

// Path returns the absolute document path.
func (f *File) Path() string {
	return f.path
}

// Load implements kv.Medium.
func (f *File) Load(key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.read()
	if err != nil {
		return nil, false, err
	}
	v, ok := values[key]
	if !ok {
		return nil, false, nil
	}
	return []byte(v), true, nil
}

// Save implements kv.Medium. A document that no longer parses is replaced.
func (f *File) Save(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.read()
	if err != nil {
		values = make(map[string]string)
	}
	values[key] = string(value)
	return f.write(values)
}

// Delete implements kv.Medium.
func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.read()
	if err != nil {
		values = make(map[string]string)
	}
	if _, ok := values[key]; !ok && err == nil {
		return nil
	}
	delete(values, key)
	return f.write(values)
}

// Snapshot returns every stored value.
func (f *File) Snapshot() (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *File) read() (map[string]string, error) {
	bytes, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("read store: %w", err)
	}

	var doc document
	if err := toml.Unmarshal(bytes, &doc); err != nil {
		return nil, fmt.Errorf("parse store: %w", err)
	}
	if doc.Values == nil {
		doc.Values = make(map[string]string)
	}
	return doc.Values, nil
}

func (f *File) write(values map[string]string) error {
	bytes, err := toml.Marshal(document{Values: values})
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".kv-*.toml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(bytes); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write store: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace store: %w", err)
	}
	return nil
}
