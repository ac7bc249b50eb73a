package executor

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRotateWriterShiftsGenerations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.log")

	w := newRotateWriter(path)
	w.maxSize = 100
	defer w.Close()

	line := bytes.Repeat([]byte("x"), 40)
	line = append(line, '\n')
	for i := 0; i < 10; i++ {
		_, err := w.Write(line)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	// Base plus two kept generations, oldest discarded.
	for _, p := range []string{path, path + ".1", path + ".2"} {
		info, err := os.Stat(p)
		require.NoError(t, err, p)
		assert.LessOrEqual(t, info.Size(), int64(100), p)
	}
	_, err := os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
}

func TestRotateWriterAppendsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.log")

	w := newRotateWriter(path)
	_, err := w.Write([]byte("first\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2 := newRotateWriter(path)
	_, err = w2.Write([]byte("second\n"))
	require.NoError(t, err)
	require.NoError(t, w2.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))
}
