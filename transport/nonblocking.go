// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package transport

import (
	"errors"
	"io"
	"net"
	"sync"
)

// DefaultWriteBufferLimit is the amount of data a [NonBlockingWriter] accepts before writes come up short.
const DefaultWriteBufferLimit = 256 * 1024

// NonBlockingWriter turns a blocking [io.WriteCloser], typically a socket, into a writer whose Write never waits
// for the peer. Write copies into a bounded buffer and returns how much fit. A background goroutine drains the buffer,
// and once a short write has happened, calls the writable callback after the buffer empties.
//
// NonBlockingWriter is safe for concurrent use by multiple goroutines.
type NonBlockingWriter struct {
	dst        io.WriteCloser
	limit      int
	onWritable func()
	onError    func(error)

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []byte
	short    bool
	shutdown bool
	closed   bool
	err      error
	finished chan struct{}
}

// NonBlockingWriterOption configures a [NonBlockingWriter].
type NonBlockingWriterOption func(w *NonBlockingWriter) error

// WithBufferLimit sets the maximum number of buffered bytes.
func WithBufferLimit(limit int) NonBlockingWriterOption {
	return func(w *NonBlockingWriter) error {
		if limit <= 0 {
			return errors.New("buffer limit must be positive")
		}
		w.limit = limit
		return nil
	}
}

// WithWritableFunc sets the function called from the flush goroutine when the buffer drains after a short write.
func WithWritableFunc(f func()) NonBlockingWriterOption {
	return func(w *NonBlockingWriter) error {
		w.onWritable = f
		return nil
	}
}

// WithErrorFunc sets the function called from the flush goroutine when writing to the destination fails. It is
// called at most once.
func WithErrorFunc(f func(error)) NonBlockingWriterOption {
	return func(w *NonBlockingWriter) error {
		w.onError = f
		return nil
	}
}

// NewNonBlockingWriter starts a [NonBlockingWriter] writing to dst.
func NewNonBlockingWriter(dst io.WriteCloser, options ...NonBlockingWriterOption) (*NonBlockingWriter, error) {
	w := &NonBlockingWriter{
		dst:      dst,
		limit:    DefaultWriteBufferLimit,
		finished: make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	for _, opt := range options {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	go w.run()
	return w, nil
}

// Write buffers as much of b as fits and returns that count. It fails only after the writer is closed or the
// destination failed.
func (w *NonBlockingWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.shutdown {
		return 0, net.ErrClosed
	}
	if w.err != nil {
		return 0, w.err
	}
	n := min(len(b), w.limit-len(w.pending))
	if n < len(b) {
		w.short = true
	}
	if n <= 0 {
		return 0, nil
	}
	w.pending = append(w.pending, b[:n]...)
	w.cond.Signal()
	return n, nil
}

// Buffered returns the number of bytes not yet written to the destination.
func (w *NonBlockingWriter) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// CloseWrite flushes the buffer in the background and then half-closes the destination.
func (w *NonBlockingWriter) CloseWrite() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return net.ErrClosed
	}
	w.shutdown = true
	w.cond.Signal()
	return nil
}

// Close drops the buffer and closes the destination, interrupting a pending write.
func (w *NonBlockingWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.pending = nil
	w.cond.Signal()
	w.mu.Unlock()
	return w.dst.Close()
}

// Done is closed when the flush goroutine exits.
func (w *NonBlockingWriter) Done() <-chan struct{} {
	return w.finished
}

func (w *NonBlockingWriter) run() {
	defer close(w.finished)
	for {
		w.mu.Lock()
		for len(w.pending) == 0 && !w.shutdown && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			w.mu.Unlock()
			return
		}
		if len(w.pending) == 0 {
			// Shut down and drained.
			w.mu.Unlock()
			if err := CloseWrite(w.dst); err != nil {
				w.fail(err)
			}
			return
		}
		chunk := w.pending
		w.mu.Unlock()

		n, err := w.dst.Write(chunk)

		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		// Write only appends, so the first n bytes of pending are still the ones just written.
		w.pending = w.pending[n:]
		if len(w.pending) == 0 {
			w.pending = nil
		}
		notify := w.short && len(w.pending) == 0 && err == nil
		if notify {
			w.short = false
		}
		w.mu.Unlock()

		if err != nil {
			w.fail(err)
			return
		}
		if notify && w.onWritable != nil {
			w.onWritable()
		}
	}
}

func (w *NonBlockingWriter) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.pending = nil
	w.mu.Unlock()
	if w.onError != nil {
		w.onError(err)
	}
}
