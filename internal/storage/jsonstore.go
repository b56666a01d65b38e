package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ReadOptions controls ReadJSON behavior.
type ReadOptions[T any] struct {
	// Default is returned when the file is missing, malformed, or fails
	// validation.
	Default T
	// Validate, when set, rejects structurally valid but semantically bad
	// documents.
	Validate func(T) error
}

// ReadJSON reads and unmarshals a JSON file. Missing or corrupt files yield
// the default value rather than an error so readers never crash on stray
// bytes; the caller decides whether to log.
func ReadJSON[T any](path string, opts ReadOptions[T]) (T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return opts.Default, nil
		}
		return opts.Default, fmt.Errorf("read %s: %w", path, err)
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return opts.Default, fmt.Errorf("%w: %s: %v", ErrCorruptJSON, path, err)
	}

	if opts.Validate != nil {
		if err := opts.Validate(value); err != nil {
			return opts.Default, fmt.Errorf("%w: %s: %v", ErrCorruptJSON, path, err)
		}
	}

	return value, nil
}

// WriteOptions controls WriteJSON behavior.
type WriteOptions struct {
	// Atomic writes to path.tmp and renames into place. Defaults to true.
	Atomic *bool
	Indent string
}

// WriteJSON marshals a value and writes it to path, creating parent
// directories. The atomic path guarantees readers observe either the old
// content or the new content, never a partial file.
func WriteJSON(path string, value interface{}, opts WriteOptions) error {
	indent := opts.Indent
	if indent == "" {
		indent = "  "
	}
	data, err := json.MarshalIndent(value, "", indent)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	data = append(data, '\n')

	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}

	atomic := opts.Atomic == nil || *opts.Atomic
	if !atomic {
		return os.WriteFile(path, data, 0o644)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// AppendToFile appends text to a file, creating it and its parents as needed.
func AppendToFile(path, text string) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(text); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

// EnsureDir creates a directory and its parents.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

// ErrCorruptJSON marks unreadable JSON documents. ReadJSON recovers from it
// by returning the default; it is surfaced only for logging.
var ErrCorruptJSON = errors.New("corrupt json")
