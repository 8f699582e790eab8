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

// Package dispatch implements outbound dispatch: one bounded queue and
// dedicated writer goroutine per proxy instance, framing batches over a
// lazily-established, reconnect-on-error TCP socket.
package dispatch

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"polygen/internal/model"
	"polygen/internal/telemetry"
)

// maxSendAttempts is the number of times a writer tries to deliver one
// framed batch before giving up and dropping it.
const maxSendAttempts = 2

// proxyWriter owns the queue and persistent socket for one proxy instance.
type proxyWriter struct {
	logger   *slog.Logger
	instance model.ProxyInstance
	queue    chan string

	mu   sync.Mutex
	conn net.Conn
}

func newProxyWriter(logger *slog.Logger, instance model.ProxyInstance, queueSize int) *proxyWriter {
	return &proxyWriter{
		logger:   logger,
		instance: instance,
		queue:    make(chan string, queueSize),
	}
}

// enqueue is non-blocking: on a full queue it logs and drops the message as
// the backpressure signal.
func (w *proxyWriter) enqueue(line string) {
	select {
	case w.queue <- line:
	default:
		w.logger.Warn("outbound queue full, dropping message", "endpoint", w.instance.Endpoint, "addr", w.instance.Addr())
		telemetry.QueueDroppedTotal.WithLabelValues(string(w.instance.Endpoint)).Inc()
	}
}

// run is the dedicated writer task loop: block on queue head, opportunistically
// drain more without blocking, frame, send, sleep, repeat.
func (w *proxyWriter) run(stop <-chan struct{}, pacing time.Duration) {
	for {
		var first string
		select {
		case <-stop:
			return
		case first = <-w.queue:
		}

		batch := []string{first}
		batch = append(batch, w.drainNonBlocking()...)

		frame := "policies\n" + strings.Join(batch, "\n") + "\nEND_OF_POLICIES\n"
		if err := w.send(frame); err != nil {
			w.logger.Error("dropping violation batch after send failure", "endpoint", w.instance.Endpoint, "addr", w.instance.Addr(), "error", err)
		}

		select {
		case <-stop:
			return
		case <-time.After(pacing):
		}
	}
}

func (w *proxyWriter) drainNonBlocking() []string {
	var out []string
	for {
		select {
		case line := <-w.queue:
			out = append(out, line)
		default:
			return out
		}
	}
}

// send writes frame over the persistent connection, lazily dialing on first
// use and redialing once on any I/O error before giving up.
func (w *proxyWriter) send(frame string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		if w.conn == nil {
			conn, err := net.DialTimeout("tcp", w.instance.Addr(), 5*time.Second)
			if err != nil {
				lastErr = fmt.Errorf("dial %s: %w", w.instance.Addr(), err)
				telemetry.ReconnectsTotal.WithLabelValues(string(w.instance.Endpoint)).Inc()
				continue
			}
			w.conn = conn
		}

		if _, err := w.conn.Write([]byte(frame)); err != nil {
			lastErr = fmt.Errorf("write to %s: %w", w.instance.Addr(), err)
			w.conn.Close()
			w.conn = nil
			telemetry.ReconnectsTotal.WithLabelValues(string(w.instance.Endpoint)).Inc()
			continue
		}
		return nil
	}
	return lastErr
}

func (w *proxyWriter) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}

// Engine owns one proxyWriter per configured proxy instance.
type Engine struct {
	logger  *slog.Logger
	writers map[model.ProxyInstance]*proxyWriter
	byEP    map[model.Endpoint][]*proxyWriter

	stop   chan struct{}
	wg     sync.WaitGroup
	pacing time.Duration
}

// NewEngine builds writers for every instance and starts their writer tasks.
func NewEngine(logger *slog.Logger, instances []model.ProxyInstance, queueSize int, sleepTimeMs int64) *Engine {
	e := &Engine{
		logger:  logger,
		writers: map[model.ProxyInstance]*proxyWriter{},
		byEP:    map[model.Endpoint][]*proxyWriter{},
		stop:    make(chan struct{}),
		pacing:  time.Duration(sleepTimeMs) * time.Millisecond / 2,
	}
	for _, inst := range instances {
		w := newProxyWriter(logger, inst, queueSize)
		e.writers[inst] = w
		e.byEP[inst.Endpoint] = append(e.byEP[inst.Endpoint], w)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			w.run(e.stop, e.pacing)
		}()
	}
	return e
}

// Enqueue hands line to every proxy writer serving endpoint.
func (e *Engine) Enqueue(endpoint model.Endpoint, line string) {
	for _, w := range e.byEP[endpoint] {
		w.enqueue(line)
	}
}

// SendToAll delivers block synchronously to every known proxy instance,
// bypassing the per-proxy queue.
func (e *Engine) SendToAll(block string) error {
	var firstErr error
	for _, w := range e.writers {
		if err := w.send(block); err != nil {
			e.logger.Error("failed to send fair-share block", "endpoint", w.instance.Endpoint, "addr", w.instance.Addr(), "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Shutdown signals every writer task to stop and waits up to deadline for
// them to exit, flushing in-flight batches.
func (e *Engine) Shutdown(deadline time.Duration) {
	close(e.stop)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		e.logger.Warn("dispatch shutdown deadline exceeded, some writers may not have flushed")
	}
	for _, w := range e.writers {
		w.close()
	}
}
