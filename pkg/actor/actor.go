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

// Package actor provides the bounded mailbox used for per-session outbound
// delivery and the Actor contract implemented by supervised background
// services.
package actor

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrMailboxFull is returned when a send could not complete in time.
	ErrMailboxFull = errors.New("mailbox full")
	// ErrMailboxClosed is returned by operations on a closed mailbox.
	ErrMailboxClosed = errors.New("mailbox closed")
)

// Actor is a long-running process driven by a mailbox. Start blocks until
// ctx is cancelled or the actor fails; a supervisor decides whether to start
// it again.
type Actor interface {
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a bounded FIFO queue between one or more producers and a single
// consumer. Closing a mailbox releases blocked senders and receivers; any
// messages still buffered are abandoned.
type Mailbox struct {
	messages chan any
	done     chan struct{}
	once     sync.Once
}

// NewMailbox creates a mailbox holding at most size messages.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
		done:     make(chan struct{}),
	}
}

// Send puts msg into the mailbox, blocking while it is full. It returns
// ErrMailboxClosed if the mailbox is closed before the message is accepted.
func (mb *Mailbox) Send(msg any) error {
	select {
	case <-mb.done:
		return ErrMailboxClosed
	default:
	}
	select {
	case mb.messages <- msg:
		return nil
	case <-mb.done:
		return ErrMailboxClosed
	}
}

// TrySend puts msg into the mailbox without blocking.
func (mb *Mailbox) TrySend(msg any) error {
	select {
	case <-mb.done:
		return ErrMailboxClosed
	default:
	}
	select {
	case mb.messages <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// SendTimeout waits up to timeout for space in the mailbox. It returns
// ErrMailboxFull on timeout, ErrMailboxClosed if the mailbox is closed, or
// the context error if ctx ends first.
func (mb *Mailbox) SendTimeout(ctx context.Context, msg any, timeout time.Duration) error {
	if err := mb.TrySend(msg); !errors.Is(err, ErrMailboxFull) {
		return err
	}
	if timeout <= 0 {
		return ErrMailboxFull
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case mb.messages <- msg:
		return nil
	case <-mb.done:
		return ErrMailboxClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrMailboxFull
	}
}

// Receive blocks until a message is available, ctx is cancelled or the
// mailbox is closed.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-mb.done:
		return nil, ErrMailboxClosed
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Chan returns the receive side of the mailbox for use in select statements.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}

// Done is closed when the mailbox is closed.
func (mb *Mailbox) Done() <-chan struct{} {
	return mb.done
}

// Close closes the mailbox. It is safe to call more than once.
func (mb *Mailbox) Close() {
	mb.once.Do(func() { close(mb.done) })
}

// Len returns the number of buffered messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}

// Cap returns the mailbox capacity.
func (mb *Mailbox) Cap() int {
	return cap(mb.messages)
}
