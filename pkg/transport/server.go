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

// Package transport accepts TCP connections and hands each one to the first
// registered protocol handler that recognises its opening bytes.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/turtacn/mqtt-postoffice/pkg/logger"
)

var (
	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("transport: server closed")
	// ErrUnrecognized is reported for connections no handler supports.
	ErrUnrecognized = errors.New("transport: unrecognized protocol")
)

const (
	// DefaultPeekSize is how many bytes are sniffed before dispatch.
	DefaultPeekSize = 14
	// DefaultSniffTimeout bounds the wait for the opening bytes.
	DefaultSniffTimeout = 10 * time.Second
)

// Handler serves one protocol.
type Handler interface {
	// CanSupport reports whether the connection opening with prefix speaks
	// this protocol.
	CanSupport(prefix []byte) bool
	// ServeConn runs the protocol until the connection ends.
	ServeConn(ctx context.Context, conn net.Conn) error
}

// Options configures a Server.
type Options struct {
	PeekSize     int
	SniffTimeout time.Duration
	Logger       *slog.Logger
}

// Server manages the accepting and handling of raw TCP connections.
type Server struct {
	handlers []Handler
	opts     Options
	logger   *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer creates a server dispatching to handlers in order.
func NewServer(opts Options, handlers ...Handler) *Server {
	if opts.PeekSize <= 0 {
		opts.PeekSize = DefaultPeekSize
	}
	if opts.SniffTimeout <= 0 {
		opts.SniffTimeout = DefaultSniffTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handlers: handlers,
		opts:     opts,
		logger:   logger.OrDefault(opts.Logger).With("component", "transport"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Close is called, and
// then returns nil. Each connection is served with a context derived from
// ctx.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listener = ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	stopServer := context.AfterFunc(s.ctx, func() { _ = ln.Close() })
	defer stopServer()
	s.logger.Info("listener started", "addr", ln.Addr().String())

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.ctx.Err() != nil {
				s.logger.Info("listener stopped", "addr", ln.Addr().String())
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(2*delay, 5*time.Millisecond), time.Second)
				s.logger.Warn("accept failed, retrying", logger.Err(err), "delay", delay)
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go func() {
			defer s.wg.Done()
			if err := s.dispatch(ctx, conn); errors.Is(err, ErrUnrecognized) {
				s.logger.Debug("rejected connection", logger.KeyRemote, conn.RemoteAddr().String(), logger.Err(err))
			}
		}()
	}
}

// dispatch sniffs the opening bytes of conn and hands it to a handler.
func (s *Server) dispatch(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	_ = conn.SetReadDeadline(time.Now().Add(s.opts.SniffTimeout))
	unblock := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	r := bufio.NewReaderSize(conn, 512)
	prefix, err := r.Peek(s.opts.PeekSize)
	unblock()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %w", ErrUnrecognized, err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	for _, h := range s.handlers {
		if h.CanSupport(prefix) {
			return h.ServeConn(ctx, &bufferedConn{Conn: conn, r: r})
		}
	}
	_ = conn.Close()
	return ErrUnrecognized
}

// bufferedConn replays the bytes consumed while sniffing.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// Close stops accepting, cancels every connection and waits for them to
// finish. It is safe to call more than once.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

// Addr returns the network address that the server is listening on.
// It returns nil if the server is not listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
