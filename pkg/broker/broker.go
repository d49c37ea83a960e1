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

// Package broker assembles the post office: the shared subscription
// directory, session registry, retained store, authorization policy and
// interceptor chain, plus the listener that turns accepted connections into
// MQTT pipelines.
package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/turtacn/mqtt-postoffice/pkg/actor"
	"github.com/turtacn/mqtt-postoffice/pkg/auth"
	"github.com/turtacn/mqtt-postoffice/pkg/blacklist"
	"github.com/turtacn/mqtt-postoffice/pkg/bridge"
	"github.com/turtacn/mqtt-postoffice/pkg/config"
	"github.com/turtacn/mqtt-postoffice/pkg/connection"
	"github.com/turtacn/mqtt-postoffice/pkg/interceptor"
	"github.com/turtacn/mqtt-postoffice/pkg/logger"
	"github.com/turtacn/mqtt-postoffice/pkg/message"
	"github.com/turtacn/mqtt-postoffice/pkg/pool"
	"github.com/turtacn/mqtt-postoffice/pkg/protocol/mqtt"
	"github.com/turtacn/mqtt-postoffice/pkg/retainer"
	"github.com/turtacn/mqtt-postoffice/pkg/session"
	"github.com/turtacn/mqtt-postoffice/pkg/supervisor"
	"github.com/turtacn/mqtt-postoffice/pkg/topic"
	"github.com/turtacn/mqtt-postoffice/pkg/transport"
)

var (
	// ErrClosed is returned by operations on a closed broker.
	ErrClosed = errors.New("broker: closed")
)

var _ transport.Handler = (*Broker)(nil)

// Option customises a Broker.
type Option func(*Broker)

// WithLogger sets the logger used by every component.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

// WithAuthorizer replaces the policy loaded from the acl section.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(b *Broker) { b.authz = a }
}

// WithHooks replaces the per-frame connection hooks.
func WithHooks(hooks ...connection.Hook) Option {
	return func(b *Broker) { b.hooks = hooks }
}

// WithSupervisorBackoff sets the restart delay of background services.
func WithSupervisorBackoff(d time.Duration) Option {
	return func(b *Broker) { b.backoff = d }
}

// Broker is the post office and its protocol registrar.
type Broker struct {
	cfg     *config.Config
	logger  *slog.Logger
	hooks   []connection.Hook
	backoff time.Duration

	dir      *topic.Directory
	retained *retainer.Retainer
	sessions *session.Registry
	authn    *auth.Chain
	authz    auth.Authorizer
	bans     *blacklist.Manager
	events   *interceptor.Chain
	post     *PostOffice
	sup      *supervisor.OneForOneSupervisor
	buffers  *pool.Pool[*bytes.Buffer]
	bridges  []io.Closer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	servers map[*transport.Server]struct{}
	closed  bool
}

// New builds a broker from cfg, nil meaning config.DefaultConfig, and starts
// its background services.
func New(cfg *config.Config, opts ...Option) (*Broker, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("broker: %w", err)
	}

	b := &Broker{
		cfg:     cfg,
		servers: make(map[*transport.Server]struct{}),
		buffers: connection.NewBufferPool(1024),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logger.OrDefault(b.logger)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	b.dir = topic.NewDirectory()
	b.retained = retainer.New(cfg.RetainerOptions(), b.logger)
	b.sessions = session.NewRegistry(cfg.SessionOptions(), b.dir, b.logger)
	bans, err := cfg.BuildBlacklist()
	if err != nil {
		b.cancel()
		return nil, fmt.Errorf("broker: %w", err)
	}
	b.bans = bans
	if b.authz == nil {
		b.authz = auth.LoadPolicy(b.ctx, cfg.ACLSource(), b.logger)
	}
	b.authz = blacklist.NewAuthorizer(b.bans, b.authz)
	b.authn = auth.NewChain(b.logger)
	if err := cfg.ConfigureAuth(b.authn, b.logger); err != nil {
		b.cancel()
		return nil, fmt.Errorf("broker: %w", err)
	}
	b.events = interceptor.New(interceptor.Options{
		QueueSize: cfg.Interceptor.QueueSize,
		Logger:    b.logger,
	})
	if err := b.startBridges(); err != nil {
		b.abort()
		return nil, fmt.Errorf("broker: %w", err)
	}
	b.post = NewPostOffice(b.dir, b.retained, b.sessions, b.authz, b.events, b.logger)
	b.sessions.SetWillPublisher(b.post)

	b.sup = supervisor.NewOneForOneSupervisor(supervisor.Options{Backoff: b.backoff, Logger: b.logger})
	if err := b.startServices(b.serviceSpecs()); err != nil {
		b.abort()
		return nil, fmt.Errorf("broker: %w", err)
	}

	b.logger.Info("broker started", "node_id", cfg.Broker.NodeID)
	return b, nil
}

// serviceSpecs lists the supervised background services.
func (b *Broker) serviceSpecs() []supervisor.Spec {
	return []supervisor.Spec{
		{ID: "session-sweeper", Actor: b.sessions, Restart: supervisor.RestartPermanent, Mailbox: actor.NewMailbox(1)},
		{ID: "retained-cleanup", Actor: b.retained, Restart: supervisor.RestartPermanent, Mailbox: actor.NewMailbox(1)},
		{
			ID:      "blacklist-cleanup",
			Actor:   blacklist.NewCleaner(b.bans, b.cfg.Blacklist.CleanupInterval.D(), b.logger),
			Restart: supervisor.RestartPermanent,
			Mailbox: actor.NewMailbox(1),
		},
	}
}

func (b *Broker) startServices(specs []supervisor.Spec) error {
	if err := b.sup.Start(b.ctx, specs); err != nil {
		return fmt.Errorf("failed to start background services: %w", err)
	}
	return nil
}

// abort undoes a partially built broker.
func (b *Broker) abort() {
	b.cancel()
	if b.sup != nil {
		b.sup.Wait()
	}
	b.events.Stop()
	for _, c := range b.bridges {
		_ = c.Close()
	}
}

// startBridges registers the configured event bridges on the interceptor
// chain.
func (b *Broker) startBridges() error {
	opts, enabled, err := b.cfg.KafkaBridgeOptions(b.logger)
	if err != nil || !enabled {
		return err
	}
	k, err := bridge.NewKafka(opts)
	if err != nil {
		return err
	}
	if err := b.events.Add(k); err != nil {
		_ = k.Close()
		return err
	}
	b.bridges = append(b.bridges, k)
	b.logger.Info("kafka bridge enabled", "brokers", opts.Brokers, "topic", opts.Topic)
	return nil
}

// Config returns the configuration the broker was built with.
func (b *Broker) Config() *config.Config { return b.cfg }

// PostOffice returns the message router.
func (b *Broker) PostOffice() *PostOffice { return b.post }

// Sessions returns the session registry.
func (b *Broker) Sessions() *session.Registry { return b.sessions }

// Directory returns the subscription directory.
func (b *Broker) Directory() *topic.Directory { return b.dir }

// Retained returns the retained message store.
func (b *Broker) Retained() *retainer.Retainer { return b.retained }

// Blacklist returns the ban list.
func (b *Broker) Blacklist() *blacklist.Manager { return b.bans }

// Authenticator returns the CONNECT credential chain.
func (b *Broker) Authenticator() *auth.Chain { return b.authn }

// CanSupport reports whether prefix starts an MQTT CONNECT frame.
func (b *Broker) CanSupport(prefix []byte) bool { return mqtt.CanSupport(prefix) }

// InternalPublish routes a broker-originated message, bypassing
// authorization.
func (b *Broker) InternalPublish(ctx context.Context, msg message.Message) error {
	if b.isClosed() {
		return ErrClosed
	}
	return b.post.InternalPublish(ctx, msg)
}

// AddInterceptor appends h to the interceptor chain.
func (b *Broker) AddInterceptor(h interceptor.Handler) error {
	return b.events.Add(h)
}

// RemoveInterceptor removes the handler registered under id.
func (b *Broker) RemoveInterceptor(id string) bool {
	return b.events.Remove(id)
}

// Sweep expires idle parked sessions and retries unacknowledged deliveries
// now instead of waiting for the next tick.
func (b *Broker) Sweep() session.SweepResult {
	return b.sessions.Sweep(time.Now())
}

// Ready returns ErrClosed once the broker is closed. It serves as the
// broker's health check.
func (b *Broker) Ready(context.Context) error {
	if b.isClosed() {
		return ErrClosed
	}
	return nil
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// ServeConn runs the MQTT pipeline on conn until it ends. The connection is
// closed on return.
func (b *Broker) ServeConn(ctx context.Context, conn net.Conn) error {
	if b.isClosed() {
		_ = conn.Close()
		return ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()

	p := b.cfg.Protocol
	c := connection.New(conn, connection.Deps{
		Registry:   b.sessions,
		PostOffice: b.post,
		Auth:       b.authn,
		Bans:       b.bans,
		Events:     b.events,
	}, connection.Options{
		MaxFrameSize:   p.MaxFrameSize,
		IdleTimeout:    p.IdleTimeout.D(),
		ConnectTimeout: p.ConnectTimeout.D(),
		FlushInterval:  p.FlushInterval.D(),
		Hooks:          b.hooks,
		Buffers:        b.buffers,
		Logger:         b.logger,
	})
	return c.Serve(ctx)
}

// ListenAndServe listens on addr and serves connections until ctx is done
// or the broker is closed.
func (b *Broker) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return b.Serve(ctx, ln)
}

// Serve accepts connections on ln. Each one must open with an MQTT CONNECT
// frame; anything else is closed.
func (b *Broker) Serve(ctx context.Context, ln net.Listener) error {
	window := b.cfg.Protocol.ConnectTimeout.D()
	if window <= 0 {
		window = b.cfg.Protocol.IdleTimeout.D()
	}
	srv := transport.NewServer(transport.Options{
		PeekSize:     mqtt.PeekSize,
		SniffTimeout: window,
		Logger:       b.logger,
	}, b)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = ln.Close()
		return ErrClosed
	}
	b.servers[srv] = struct{}{}
	b.mu.Unlock()
	defer func() {
		_ = srv.Close()
		b.mu.Lock()
		delete(b.servers, srv)
		b.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.ctx, cancel)
	defer stop()
	return srv.Serve(ctx, ln)
}

// Close stops the listeners, ends every connection served through them,
// then stops the background services and the interceptor chain.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	servers := b.servers
	b.servers = nil
	b.mu.Unlock()

	b.cancel()
	for srv := range servers {
		_ = srv.Close()
	}
	b.sup.Wait()
	b.events.Stop()
	for _, c := range b.bridges {
		if err := c.Close(); err != nil {
			b.logger.Warn("failed to close bridge", logger.Err(err))
		}
	}
	b.logger.Info("broker stopped")
	return nil
}
