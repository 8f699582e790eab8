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

// Package controlplane implements the control plane: a named pipe that
// accepts a single recognized command, "reload_limits", and signals the
// limit registry to reload on its owning detector's next tick.
package controlplane

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"syscall"
)

// ReloadLimitsRequest is the only command the FIFO recognizes.
const ReloadLimitsRequest = "reload_limits"

// Reloader is the minimal surface controlplane needs: a way to flag that a
// reload should happen.
type Reloader interface {
	RequestReload()
}

// FIFOPath returns the zone-scoped control pipe path.
func FIFOPath(zone string) string {
	return fmt.Sprintf("/tmp/weir_%s_polygen_reload.fifo", zone)
}

// EnsureFIFO creates path as a named pipe with mode 0o666 if it doesn't
// already exist; idempotent if it does (still chmods, matching the original
// engine's defensive re-chmod).
func EnsureFIFO(path string) error {
	err := syscall.Mkfifo(path, 0o666)
	if err != nil && !os.IsExist(err) {
		return fmt.Errorf("creating fifo %s: %w", path, err)
	}
	if chmodErr := os.Chmod(path, 0o666); chmodErr != nil {
		return fmt.Errorf("chmod fifo %s: %w", path, chmodErr)
	}
	return nil
}

// Watcher blocks reading lines from the control FIFO, re-opening it each
// time a writer closes, until Stop is called.
type Watcher struct {
	logger   *slog.Logger
	path     string
	reloader Reloader
	stop     chan struct{}
}

func NewWatcher(logger *slog.Logger, path string, reloader Reloader) *Watcher {
	return &Watcher{logger: logger, path: path, reloader: reloader, stop: make(chan struct{})}
}

// Run blocks until Stop is called or a fatal open error occurs.
func (w *Watcher) Run() {
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		f, err := os.Open(w.path)
		if err != nil {
			w.logger.Error("failed to open control fifo", "path", w.path, "error", err)
			return
		}
		w.logger.Info("control fifo opened", "path", w.path)
		w.readUntilEOF(f)
		f.Close()
	}
}

// readUntilEOF reads the whole writer connection's contents (a FIFO reader
// sees EOF when every writer has closed it), strips surrounding whitespace,
// and dispatches the single resulting request.
func (w *Watcher) readUntilEOF(f *os.File) {
	data, err := io.ReadAll(f)
	if err != nil {
		w.logger.Error("error reading control fifo", "error", err)
		return
	}
	if len(data) == 0 {
		w.logger.Info("writer closed the control fifo")
		return
	}
	w.handle(strings.TrimSpace(string(data)))
}

func (w *Watcher) handle(request string) {
	if request == "" {
		return
	}
	if request == ReloadLimitsRequest {
		w.logger.Info("received reload_limits request")
		w.reloader.RequestReload()
		return
	}
	w.logger.Warn("ignoring unrecognized control fifo request", "request", request)
}

// Stop signals Run to return after its current blocking read completes.
func (w *Watcher) Stop() {
	close(w.stop)
}
