package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// collection stores values of T as <root>/<dir>/<id>.json.
// Reads decode a fresh value from disk, so callers always receive a private copy.
type collection[T any] struct {
	dir string
	mu  sync.RWMutex
}

func newCollection[T any](root, name string) *collection[T] {
	return &collection[T]{dir: filepath.Join(root, name)}
}

func (c *collection[T]) path(id string) string {
	return filepath.Join(c.dir, id+".json")
}

// get returns nil, nil when the file does not exist.
func (c *collection[T]) get(id string) (*T, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.read(c.path(id))
}

func (c *collection[T]) read(path string) (*T, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var value T

	err = json.Unmarshal(body, &value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}

	return &value, nil
}

func (c *collection[T]) all() ([]*T, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	files, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", c.dir, err)
	}

	values := make([]*T, 0, len(files))

	for _, file := range files {
		value, err := c.read(file)
		if err != nil {
			return nil, err
		}

		if value != nil {
			values = append(values, value)
		}
	}

	return values, nil
}

// put writes atomically through a temporary file and rename.
func (c *collection[T]) put(id string, value *T) error {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid id %q", id)
	}

	body, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", id, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	err = os.MkdirAll(c.dir, 0o750)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", c.dir, err)
	}

	tmp, err := os.CreateTemp(c.dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	_, err = tmp.Write(body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s: %w", id, err)
	}

	err = os.Rename(tmp.Name(), c.path(id))
	if err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to store %s: %w", id, err)
	}

	return nil
}

// remove returns fs.ErrNotExist when there is nothing to delete.
func (c *collection[T]) remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := os.Remove(c.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fs.ErrNotExist
		}

		return fmt.Errorf("failed to delete %s: %w", id, err)
	}

	return nil
}
