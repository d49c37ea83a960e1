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
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	writes int
	err    error
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.writes++
	return c.buf.Write(p)
}

func (c *countingWriter) stats() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes, c.buf.Len()
}

func ping() *packets.Packet {
	return &packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}}
}

func TestWriterFlushesEachFrameWithoutInterval(t *testing.T) {
	cw := &countingWriter{}
	w := NewWriter(cw, 0, nil)
	require.NoError(t, w.WritePacket(ping()))
	require.NoError(t, w.WritePacket(ping()))
	writes, n := cw.stats()
	assert.Equal(t, 2, writes)
	assert.Equal(t, 4, n)
}

func TestWriterCoalesces(t *testing.T) {
	cw := &countingWriter{}
	w := NewWriter(cw, time.Hour, NewBufferPool(2))
	for i := 0; i < 10; i++ {
		require.NoError(t, w.WritePacket(ping()))
	}
	writes, _ := cw.stats()
	assert.Zero(t, writes)

	require.NoError(t, w.Flush())
	writes, n := cw.stats()
	assert.Equal(t, 1, writes)
	assert.Equal(t, 20, n)

	require.NoError(t, w.Flush())
	writes, _ = cw.stats()
	assert.Equal(t, 1, writes, "nothing pending")
}

func TestWriterRunFlushesOnTick(t *testing.T) {
	cw := &countingWriter{}
	w := NewWriter(cw, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, w.WritePacket(ping()))
	assert.Eventually(t, func() bool {
		_, n := cw.stats()
		return n == 2
	}, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestWriterStickyErrorAndClose(t *testing.T) {
	boom := errors.New("boom")
	cw := &countingWriter{err: boom}
	w := NewWriter(cw, 0, nil)
	assert.ErrorIs(t, w.WritePacket(ping()), boom)

	cw.mu.Lock()
	cw.err = nil
	cw.mu.Unlock()
	assert.ErrorIs(t, w.WritePacket(ping()), boom)

	ok := NewWriter(&countingWriter{}, time.Hour, nil)
	require.NoError(t, ok.WritePacket(ping()))
	require.NoError(t, ok.Close())
	assert.NoError(t, ok.Close())
	assert.ErrorIs(t, ok.WritePacket(ping()), ErrWriterClosed)
}

func TestBufferPoolDropsOversized(t *testing.T) {
	p := NewBufferPool(1)
	b := p.Acquire()
	b.Write(make([]byte, maxPooledBuffer+1))
	p.Release(b)
	again := p.Acquire()
	assert.NotSame(t, b, again)
	assert.Zero(t, again.Len())
}
