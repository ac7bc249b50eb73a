package executor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	rotateMaxSize = 1 << 20 // 1 MiB per generation
	rotateKeep    = 2
)

// rotateWriter appends to a file and rotates it by size, keeping a fixed
// number of generations (base, base.1, base.2, ...). Writes are line-sized,
// so a single write is never split across generations.
type rotateWriter struct {
	mu      sync.Mutex
	path    string
	maxSize int64
	keep    int
	f       *os.File
	size    int64
}

func newRotateWriter(path string) *rotateWriter {
	return &rotateWriter{path: path, maxSize: rotateMaxSize, keep: rotateKeep}
}

func (w *rotateWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	if w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.f.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotateWriter) open() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return fmt.Errorf("executor: log dir: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("executor: open log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("executor: stat log: %w", err)
	}
	w.f = f
	w.size = info.Size()
	return nil
}

// rotate shifts base -> base.1 -> base.2, discarding the oldest, and
// reopens a fresh base file.
func (w *rotateWriter) rotate() error {
	if err := w.f.Close(); err != nil {
		return err
	}
	w.f = nil

	for i := w.keep; i >= 1; i-- {
		src := w.path
		if i > 1 {
			src = fmt.Sprintf("%s.%d", w.path, i-1)
		}
		dst := fmt.Sprintf("%s.%d", w.path, i)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("executor: rotate log: %w", err)
		}
	}
	return w.open()
}

func (w *rotateWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
