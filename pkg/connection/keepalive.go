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
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// DefaultIdleTimeout bounds the wait for CONNECT and the window used when a
// client asks for no keep-alive.
const DefaultIdleTimeout = 10 * time.Second

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// KeepAlive arms a read deadline before each frame. Until CONNECT the window
// is the idle timeout; afterwards it is one and a half times the client's
// keep-alive.
type KeepAlive struct {
	conn   readDeadliner
	idle   time.Duration
	window time.Duration

	mu      sync.Mutex
	stopped bool
}

// ErrKeepAliveStopped is returned by Arm after Stop.
var ErrKeepAliveStopped = errors.New("connection: keep-alive stopped")

// NewKeepAlive creates a keep-alive using idle as the pre-CONNECT window.
func NewKeepAlive(conn readDeadliner, idle time.Duration) *KeepAlive {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	return &KeepAlive{conn: conn, idle: idle, window: idle}
}

// SetClientKeepAlive applies the keep-alive from CONNECT, in seconds.
func (k *KeepAlive) SetClientKeepAlive(seconds uint16) {
	if seconds == 0 {
		k.window = k.idle
		return
	}
	k.window = time.Duration(seconds) * time.Second * 3 / 2
}

// Window returns the current read window.
func (k *KeepAlive) Window() time.Duration {
	return k.window
}

// Arm sets the read deadline for the next frame.
func (k *KeepAlive) Arm() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return ErrKeepAliveStopped
	}
	return k.conn.SetReadDeadline(time.Now().Add(k.window))
}

// Stop expires the current deadline and makes later Arm calls fail, which
// unblocks a pending read for good.
func (k *KeepAlive) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopped = true
	_ = k.conn.SetReadDeadline(time.Now())
}

// Expired reports whether err is a read deadline expiry.
func Expired(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
