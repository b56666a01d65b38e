package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestReadJSONMissingFileReturnsDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.json")
	got, err := ReadJSON(path, ReadOptions[sample]{Default: sample{Name: "fallback"}})
	require.NoError(t, err)
	assert.Equal(t, "fallback", got.Name)
}

func TestReadJSONCorruptReturnsDefaultAndError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	got, err := ReadJSON(path, ReadOptions[sample]{Default: sample{Name: "fallback"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptJSON))
	assert.Equal(t, "fallback", got.Name)
}

func TestReadJSONValidateRejects(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	require.NoError(t, WriteJSON(path, sample{Count: -1}, WriteOptions{}))

	_, err := ReadJSON(path, ReadOptions[sample]{
		Validate: func(s sample) error {
			if s.Count < 0 {
				return errors.New("negative count")
			}
			return nil
		},
	})
	assert.True(t, errors.Is(err, ErrCorruptJSON))
}

func TestWriteJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "doc.json")
	want := sample{Name: "hello", Count: 3}
	require.NoError(t, WriteJSON(path, want, WriteOptions{}))

	got, err := ReadJSON(path, ReadOptions[sample]{})
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// No temp file left behind.
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestAppendToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "exec.log")
	require.NoError(t, AppendToFile(path, "one\n"))
	require.NoError(t, AppendToFile(path, "two\n"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))
}
