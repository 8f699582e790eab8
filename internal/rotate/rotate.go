// Copyright 2026 The Polygen Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rotate implements a minimal size-triggered rotating file writer,
// the Go equivalent of the generator's RotatingFileHandler(maxBytes,
// backupCount) logging sink.
package rotate

import (
	"fmt"
	"os"
	"sync"
)

// DefaultMaxBytes and DefaultBackupCount mirror the original log handler's
// configuration: 100 MB per file, 10 rotated backups kept.
const (
	DefaultMaxBytes    = 100 * 1024 * 1024
	DefaultBackupCount = 10
)

// Writer is an io.Writer that rotates the underlying file before a write
// that would push it past maxBytes, renaming backups path.1, path.2, … up to
// backupCount and discarding the oldest.
type Writer struct {
	path         string
	maxBytes     int64
	backupCount  int

	mu   sync.Mutex
	file *os.File
	size int64
}

// New opens (creating if necessary) path for appending and returns a Writer
// that rotates it before a write would push it past maxBytes, keeping
// backupCount backups.
func New(path string, maxBytes int64, backupCount int) (*Writer, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if backupCount <= 0 {
		backupCount = DefaultBackupCount
	}
	w := &Writer{path: path, maxBytes: maxBytes, backupCount: backupCount}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file %s: %w", w.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file %s: %w", w.path, err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write implements io.Writer, rotating before the write if it would push the
// file past maxBytes.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *Writer) rotate() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("closing log file for rotation: %w", err)
	}

	for i := w.backupCount - 1; i >= 1; i-- {
		src := fmt.Sprintf("%s.%d", w.path, i)
		dst := fmt.Sprintf("%s.%d", w.path, i+1)
		if _, err := os.Stat(src); err == nil {
			if err := os.Rename(src, dst); err != nil {
				return fmt.Errorf("rotating %s to %s: %w", src, dst, err)
			}
		}
	}
	if w.backupCount > 0 {
		if err := os.Rename(w.path, fmt.Sprintf("%s.1", w.path)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("rotating %s to .1: %w", w.path, err)
		}
	}
	return w.open()
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
