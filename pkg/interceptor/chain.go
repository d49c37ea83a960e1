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

// Package interceptor notifies pluggable observers of broker lifecycle
// events. Handlers run asynchronously on a single protoactor actor, so a slow
// or failing handler never stalls the publish path.
package interceptor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"golang.org/x/time/rate"

	"github.com/turtacn/mqtt-postoffice/pkg/metrics"
)

// DefaultQueueSize bounds the number of events awaiting dispatch.
const DefaultQueueSize = 1024

var (
	// ErrDuplicateHandler is returned when adding a handler whose ID is taken.
	ErrDuplicateHandler = errors.New("interceptor: duplicate handler id")
	// ErrStopped is returned by Add after Stop.
	ErrStopped = errors.New("interceptor: chain stopped")
)

// Handler observes events. OnEvent must not retain mutable references into
// the event's payload.
type Handler interface {
	ID() string
	OnEvent(Event) error
}

// Filter may be implemented by a Handler to receive only some kinds.
type Filter interface {
	Intercepts(Kind) bool
}

type funcHandler struct {
	id    string
	fn    func(Event) error
	kinds map[Kind]bool
}

// Func builds a Handler from a function. If kinds is non-empty only those
// kinds are delivered.
func Func(id string, fn func(Event) error, kinds ...Kind) Handler {
	h := &funcHandler{id: id, fn: fn}
	if len(kinds) > 0 {
		h.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			h.kinds[k] = true
		}
	}
	return h
}

func (h *funcHandler) ID() string             { return h.id }
func (h *funcHandler) OnEvent(ev Event) error { return h.fn(ev) }
func (h *funcHandler) Intercepts(k Kind) bool { return h.kinds == nil || h.kinds[k] }

// Options configures a Chain.
type Options struct {
	// QueueSize bounds pending events; DefaultQueueSize when zero.
	QueueSize int
	Logger    *slog.Logger
}

// envelope carries an event together with the handler snapshot taken when it
// was raised, so handlers added later never see earlier events.
type envelope struct {
	event    Event
	handlers []Handler
}

// Chain is an ordered, copy-on-write list of handlers plus the dispatcher
// actor that invokes them. Notify never blocks: when QueueSize events are
// already pending the event is dropped and counted.
type Chain struct {
	handlers atomic.Pointer[[]Handler]
	mu       sync.Mutex // serialises Add and Remove

	system  *actor.ActorSystem
	pid     *actor.PID
	pending atomic.Int64
	limit   int64
	stopped atomic.Bool
	stop    sync.Once

	logger  *slog.Logger
	dropLog rate.Sometimes
}

// New creates a chain and starts its dispatcher.
func New(opts Options) *Chain {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}

	c := &Chain{
		limit:   int64(opts.QueueSize),
		logger:  logger.With("component", "interceptor"),
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	empty := []Handler{}
	c.handlers.Store(&empty)

	c.system = actor.NewActorSystemWithConfig(actor.Configure(
		actor.WithLoggerFactory(func(*actor.ActorSystem) *slog.Logger { return c.logger }),
	))
	c.pid = c.system.Root.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return &dispatcher{chain: c}
	}))
	return c
}

// Add appends h to the chain.
func (c *Chain) Add(h Handler) error {
	if c.stopped.Load() {
		return ErrStopped
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := *c.handlers.Load()
	for _, existing := range cur {
		if existing.ID() == h.ID() {
			return fmt.Errorf("%w: %s", ErrDuplicateHandler, h.ID())
		}
	}
	next := make([]Handler, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, h)
	c.handlers.Store(&next)
	c.logger.Info("added interceptor", "handler", h.ID())
	return nil
}

// Remove deletes the handler with the given id. Events already queued with
// a snapshot that includes it are still delivered to it.
func (c *Chain) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur := *c.handlers.Load()
	for i, h := range cur {
		if h.ID() != id {
			continue
		}
		next := make([]Handler, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		c.handlers.Store(&next)
		c.logger.Info("removed interceptor", "handler", id)
		return true
	}
	return false
}

// Handlers returns the current handler list.
func (c *Chain) Handlers() []Handler {
	return append([]Handler(nil), *c.handlers.Load()...)
}

// Pending returns the number of events awaiting dispatch.
func (c *Chain) Pending() int {
	return int(c.pending.Load())
}

// Notify queues ev for every current handler. It reports whether the event
// was queued; it returns false when there are no handlers, when the chain
// is stopped or when the queue is full.
func (c *Chain) Notify(ev Event) bool {
	if c.stopped.Load() {
		return false
	}
	snapshot := *c.handlers.Load()
	if len(snapshot) == 0 {
		return false
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	if c.pending.Add(1) > c.limit {
		c.pending.Add(-1)
		metrics.InterceptorDropped.Inc()
		c.dropLog.Do(func() {
			c.logger.Warn("interceptor queue full, dropping events", "limit", c.limit, "kind", ev.Kind.String())
		})
		return false
	}
	c.system.Root.Send(c.pid, &envelope{event: ev, handlers: snapshot})
	return true
}

// Stop rejects new events, waits for queued events to be dispatched and
// shuts down the dispatcher.
func (c *Chain) Stop() {
	c.stop.Do(func() {
		c.stopped.Store(true)
		if err := c.system.Root.PoisonFuture(c.pid).Wait(); err != nil {
			c.logger.Warn("interceptor dispatcher did not stop cleanly", "err", err)
		}
		c.system.Shutdown()
	})
}

func (c *Chain) dispatch(env *envelope) {
	defer c.pending.Add(-1)
	for _, h := range env.handlers {
		if f, ok := h.(Filter); ok && !f.Intercepts(env.event.Kind) {
			continue
		}
		c.invoke(h, env.event)
	}
}

func (c *Chain) invoke(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.InterceptorFailures.WithLabelValues(h.ID()).Inc()
			c.logger.Error("interceptor panicked", "handler", h.ID(), "kind", ev.Kind.String(), "panic", r)
		}
	}()
	if err := h.OnEvent(ev); err != nil {
		metrics.InterceptorFailures.WithLabelValues(h.ID()).Inc()
		c.logger.Error("interceptor failed", "handler", h.ID(), "kind", ev.Kind.String(), "err", err)
	}
}

// dispatcher is the actor draining the chain's queue.
type dispatcher struct {
	chain *Chain
}

func (d *dispatcher) Receive(ctx actor.Context) {
	if env, ok := ctx.Message().(*envelope); ok {
		d.chain.dispatch(env)
	}
}
