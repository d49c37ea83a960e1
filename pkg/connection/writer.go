// Copyright 2023 The emqx-go Authors
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

package connection

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/mqtt-postoffice/pkg/pool"
	"github.com/turtacn/mqtt-postoffice/pkg/protocol/mqtt"
)

// ErrWriterClosed is returned by writes after Close.
var ErrWriterClosed = errors.New("connection: writer closed")

const (
	defaultWriteBufferSize = 4096
	maxPooledBuffer        = 64 << 10
)

// BufferPool is the pool of encode buffers shared by all connections unless
// Options supplies another one.
var BufferPool = NewBufferPool(1024)

// NewBufferPool creates a pool of encode buffers keeping up to capacity idle
// buffers. Oversized buffers are not retained.
func NewBufferPool(capacity int) *pool.Pool[*bytes.Buffer] {
	return pool.New(capacity, func() *bytes.Buffer {
		return bytes.NewBuffer(make([]byte, 0, 512))
	}, func(b *bytes.Buffer) *bytes.Buffer {
		if b.Cap() > maxPooledBuffer {
			return bytes.NewBuffer(make([]byte, 0, 512))
		}
		b.Reset()
		return b
	})
}

// Writer coalesces encoded frames in a buffered writer. Frames are flushed
// by Run every interval, or immediately when the interval is zero.
type Writer struct {
	mu       sync.Mutex
	w        *bufio.Writer
	interval time.Duration
	buffers  *pool.Pool[*bytes.Buffer]
	pending  bool
	closed   bool
	err      error
}

// NewWriter wraps w. A nil pool falls back to BufferPool.
func NewWriter(w io.Writer, interval time.Duration, buffers *pool.Pool[*bytes.Buffer]) *Writer {
	if buffers == nil {
		buffers = BufferPool
	}
	return &Writer{
		w:        bufio.NewWriterSize(w, defaultWriteBufferSize),
		interval: interval,
		buffers:  buffers,
	}
}

// WritePacket encodes pk and appends it to the buffer. The first write error
// is sticky.
func (w *Writer) WritePacket(pk *packets.Packet) error {
	buf := w.buffers.Acquire()
	defer w.buffers.Release(buf)
	if err := mqtt.Encode(buf, pk); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if w.err != nil {
		return w.err
	}
	if _, err := w.w.Write(buf.Bytes()); err != nil {
		w.err = err
		return err
	}
	w.pending = true
	if w.interval <= 0 {
		return w.flushLocked()
	}
	return nil
}

// Flush writes any buffered frames.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.err != nil {
		return w.err
	}
	if !w.pending {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		w.err = err
		return err
	}
	w.pending = false
	return nil
}

// Run flushes on every tick until ctx is done.
func (w *Writer) Run(ctx context.Context) error {
	if w.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				return err
			}
		}
	}
}

// Close flushes and rejects further writes.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	err := w.flushLocked()
	w.closed = true
	return err
}
