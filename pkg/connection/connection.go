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

// Package connection runs the per-connection protocol pipeline: keep-alive,
// framing, hooks and the connection state machine on the read side, and a
// coalescing writer fed by the session mailbox on the write side.
package connection

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/turtacn/mqtt-postoffice/pkg/actor"
	"github.com/turtacn/mqtt-postoffice/pkg/auth"
	"github.com/turtacn/mqtt-postoffice/pkg/interceptor"
	"github.com/turtacn/mqtt-postoffice/pkg/logger"
	"github.com/turtacn/mqtt-postoffice/pkg/message"
	"github.com/turtacn/mqtt-postoffice/pkg/pool"
	"github.com/turtacn/mqtt-postoffice/pkg/protocol/mqtt"
	"github.com/turtacn/mqtt-postoffice/pkg/session"
	"github.com/turtacn/mqtt-postoffice/pkg/topic"
)

var (
	// ErrProtocol wraps every protocol violation that closes a connection.
	ErrProtocol = errors.New("connection: protocol error")
	// ErrConnectRefused is returned when CONNECT is answered with a refusal.
	ErrConnectRefused = errors.New("connection: connect refused")
	// ErrKeepAliveTimeout is returned when no frame arrived in time.
	ErrKeepAliveTimeout = errors.New("connection: keep-alive timeout")
)

const finalFlushTimeout = time.Second

var protocolErrorLog = rate.Sometimes{Interval: time.Second}

// PostOffice is the routing surface the pipeline drives.
type PostOffice interface {
	Publish(ctx context.Context, msg message.Message, publisherID string) error
	AddSubscription(ctx context.Context, clientID, filter string, qos byte) (byte, error)
	DeliverRetained(ctx context.Context, clientID, filter string, qos byte) int
	Unsubscribe(ctx context.Context, clientID, filter string) bool
	Acknowledge(clientID string, packetID uint16) bool
	Received(clientID string, packetID uint16) bool
	Complete(clientID string, packetID uint16) bool
}

// BanList rejects banned clients at CONNECT.
type BanList interface {
	Banned(clientID, username, remoteAddr string) bool
}

// Deps are the shared broker components a connection uses.
type Deps struct {
	Registry   *session.Registry
	PostOffice PostOffice
	// Auth checks CONNECT credentials; nil accepts everyone.
	Auth *auth.Chain
	// Bans may be nil.
	Bans BanList
	// Events receives connection lifecycle events; may be nil.
	Events *interceptor.Chain
}

// Options tune a connection.
type Options struct {
	// MaxFrameSize bounds inbound frames; 0 disables the limit.
	MaxFrameSize int
	// IdleTimeout is the read window before CONNECT and for clients that
	// disable keep-alive.
	IdleTimeout time.Duration
	// ConnectTimeout overrides IdleTimeout for the CONNECT frame when set.
	ConnectTimeout time.Duration
	// FlushInterval is the write coalescing period; 0 flushes every frame.
	FlushInterval time.Duration
	Hooks         []Hook
	Buffers       *pool.Pool[*bytes.Buffer]
	Logger        *slog.Logger
}

// Connection is one client connection.
type Connection struct {
	conn   net.Conn
	deps   Deps
	opts   Options
	logger *slog.Logger

	reader    *bufio.Reader
	writer    *Writer
	keepalive *KeepAlive
	mailbox   *actor.Mailbox

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	mu        sync.Mutex
	reason    error

	state    mqtt.State
	version  byte
	clientID string
	username string
	sess     *session.Session
}

// New prepares a connection; call Serve to run it.
func New(conn net.Conn, deps Deps, opts Options) *Connection {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Hooks == nil {
		opts.Hooks = DefaultHooks(opts.Logger)
	}
	window := opts.IdleTimeout
	if opts.ConnectTimeout > 0 {
		window = opts.ConnectTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		conn:      conn,
		deps:      deps,
		opts:      opts,
		logger:    logger.OrDefault(opts.Logger).With(logger.KeyRemote, conn.RemoteAddr().String()),
		reader:    bufio.NewReaderSize(conn, 4096),
		writer:    NewWriter(conn, opts.FlushInterval, opts.Buffers),
		keepalive: NewKeepAlive(conn, window),
		mailbox:   actor.NewMailbox(deps.Registry.Config().MailboxSize()),
		ctx:       ctx,
		cancel:    cancel,
		state:     mqtt.AwaitingConnect,
	}
}

// Mailbox implements session.Conn.
func (c *Connection) Mailbox() *actor.Mailbox { return c.mailbox }

// RemoteAddr implements session.Conn.
func (c *Connection) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// ClientID returns the client id once CONNECT has been accepted.
func (c *Connection) ClientID() string { return c.clientID }

// Close tears the connection down with reason. It never blocks on I/O.
func (c *Connection) Close(reason error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.cancel()
		c.mailbox.Close()
		c.keepalive.Stop()
		_ = c.conn.SetWriteDeadline(time.Now())
	})
}

func (c *Connection) closeReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Serve runs the connection until the client disconnects, the connection
// fails or ctx is cancelled. It returns nil after a DISCONNECT.
func (c *Connection) Serve(ctx context.Context) error {
	metricsConnected()
	defer metricsDisconnected()

	stop := context.AfterFunc(ctx, c.cancel)
	defer stop()
	stopRead := context.AfterFunc(c.ctx, c.keepalive.Stop)
	defer stopRead()

	err := c.handshake()
	if err == nil {
		err = c.run()
	}
	c.finish(err)
	if reason := c.closeReason(); reason != nil {
		return reason
	}
	return err
}

func (c *Connection) handshake() error {
	if err := c.keepalive.Arm(); err != nil {
		return err
	}
	pk, err := mqtt.ReadPacket(c.reader, c.opts.MaxFrameSize, 0)
	if err != nil {
		return c.readError(err)
	}
	c.received(pk)
	state, _, err := mqtt.Transition(c.state, pk.FixedHeader.Type)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	c.state = state
	c.version = pk.ProtocolVersion

	if !mqtt.SupportedVersion(string(pk.Connect.ProtocolName), c.version) {
		return c.refuse(mqtt.ConnUnsupportedVersion)
	}

	clientID := pk.Connect.ClientIdentifier
	if clientID == "" {
		if !pk.Connect.Clean {
			return c.refuse(mqtt.ConnIdentifierRejected)
		}
		clientID = "auto-" + uuid.NewString()
	}
	c.clientID = clientID
	c.username = string(pk.Connect.Username)
	c.logger = c.logger.With(logger.KeyClientID, clientID)

	if c.deps.Bans != nil && c.deps.Bans.Banned(clientID, c.username, c.conn.RemoteAddr().String()) {
		c.logger.Info("banned client refused")
		return c.refuse(mqtt.ConnNotAuthorized)
	}
	if c.deps.Auth != nil && !c.deps.Auth.Accept(c.username, string(pk.Connect.Password)) {
		return c.refuse(mqtt.ConnNotAuthorized)
	}

	var will *session.Will
	if pk.Connect.WillFlag {
		if err := topic.ValidateName(pk.Connect.WillTopic); err != nil {
			return fmt.Errorf("%w: will: %w", ErrProtocol, err)
		}
		if !message.ValidQoS(pk.Connect.WillQos) {
			return fmt.Errorf("%w: will qos %d", ErrProtocol, pk.Connect.WillQos)
		}
		will = &session.Will{
			Topic:   pk.Connect.WillTopic,
			Payload: pk.Connect.WillPayload,
			QoS:     pk.Connect.WillQos,
			Retain:  pk.Connect.WillRetain,
		}
	}

	sess, present, err := c.deps.Registry.Connect(session.ConnectRequest{
		ClientID: clientID,
		Clean:    pk.Connect.Clean,
		Conn:     c,
		Will:     will,
	})
	if err != nil {
		c.logger.Error("session bind failed", logger.Err(err))
		return c.refuse(mqtt.ConnServerUnavailable)
	}
	c.sess = sess
	c.keepalive.SetClientKeepAlive(pk.Connect.Keepalive)

	if err := c.send(mqtt.Connack(c.version, present, mqtt.ConnAccepted)); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	c.logger.Info("client connected",
		"clean", pk.Connect.Clean,
		"present", present,
		"keepalive", pk.Connect.Keepalive,
		"version", c.version)
	c.notify(interceptor.Event{
		Kind:     interceptor.Connect,
		ClientID: clientID,
		Username: c.username,
		Clean:    pk.Connect.Clean,
	})

	return sess.Resume(c, c.writeSessionPacket)
}

func (c *Connection) refuse(code mqtt.ConnectCode) error {
	if err := c.send(mqtt.Connack(c.version, false, code)); err == nil {
		_ = c.writer.Flush()
	}
	c.logger.Info("connect refused", "code", code.String())
	return fmt.Errorf("%w: %s", ErrConnectRefused, code)
}

func (c *Connection) run() error {
	g, ctx := errgroup.WithContext(c.ctx)
	stop := context.AfterFunc(ctx, c.keepalive.Stop)
	defer stop()

	g.Go(func() error { return c.writer.Run(ctx) })
	g.Go(func() error { return c.deliver(ctx) })
	g.Go(func() error {
		defer c.cancel()
		return c.read(ctx)
	})
	return g.Wait()
}

func (c *Connection) read(ctx context.Context) error {
	for {
		if err := c.keepalive.Arm(); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		pk, err := mqtt.ReadPacket(c.reader, c.opts.MaxFrameSize, c.version)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return c.readError(err)
		}
		c.received(pk)

		state, act, err := mqtt.Transition(c.state, pk.FixedHeader.Type)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		c.state = state
		if err := c.handle(ctx, act, pk); err != nil {
			return err
		}
		if act == mqtt.ActDisconnect {
			return nil
		}
	}
}

func (c *Connection) readError(err error) error {
	switch {
	case Expired(err), errors.Is(err, ErrKeepAliveStopped):
		if c.closeReason() != nil {
			return c.closeReason()
		}
		return ErrKeepAliveTimeout
	case errors.Is(err, mqtt.ErrMalformedPacket),
		errors.Is(err, mqtt.ErrFrameTooLarge),
		errors.Is(err, mqtt.ErrUnsupportedPacket):
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	default:
		return err
	}
}

func (c *Connection) handle(ctx context.Context, act mqtt.Action, pk *packets.Packet) error {
	po := c.deps.PostOffice
	switch act {
	case mqtt.ActPublish:
		return c.handlePublish(ctx, pk)
	case mqtt.ActPuback:
		po.Acknowledge(c.clientID, pk.PacketID)
	case mqtt.ActPubrec:
		po.Received(c.clientID, pk.PacketID)
		return c.send(mqtt.Ack(c.version, packets.Pubrel, pk.PacketID))
	case mqtt.ActPubrel:
		c.sess.ReleaseInbound(pk.PacketID)
		return c.send(mqtt.Ack(c.version, packets.Pubcomp, pk.PacketID))
	case mqtt.ActPubcomp:
		po.Complete(c.clientID, pk.PacketID)
	case mqtt.ActSubscribe:
		return c.handleSubscribe(ctx, pk)
	case mqtt.ActUnsubscribe:
		for _, f := range pk.Filters {
			po.Unsubscribe(ctx, c.clientID, f.Filter)
		}
		return c.send(mqtt.Unsuback(c.version, pk.PacketID, len(pk.Filters)))
	case mqtt.ActPing:
		return c.send(mqtt.Pingresp())
	case mqtt.ActDisconnect:
		c.sess.ClearWill()
	}
	return nil
}

func (c *Connection) handlePublish(ctx context.Context, pk *packets.Packet) error {
	msg := mqtt.ToMessage(pk, c.clientID)
	if err := topic.ValidateName(msg.Topic); err != nil {
		return fmt.Errorf("%w: publish: %w", ErrProtocol, err)
	}

	switch msg.QoS {
	case message.AtMostOnce:
		return c.publish(ctx, msg)
	case message.AtLeastOnce:
		if err := c.publish(ctx, msg); err != nil {
			return err
		}
		return c.send(mqtt.Ack(c.version, packets.Puback, pk.PacketID))
	case message.ExactlyOnce:
		if c.sess.ReceiveInbound(pk.PacketID) {
			if err := c.publish(ctx, msg); err != nil {
				return err
			}
		}
		return c.send(mqtt.Ack(c.version, packets.Pubrec, pk.PacketID))
	default:
		return fmt.Errorf("%w: publish qos %d", ErrProtocol, msg.QoS)
	}
}

func (c *Connection) publish(ctx context.Context, msg message.Message) error {
	err := c.deps.PostOffice.Publish(ctx, msg, c.clientID)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		c.logger.Debug("publish rejected", logger.KeyTopic, msg.Topic, logger.Err(err))
	}
	return nil
}

func (c *Connection) handleSubscribe(ctx context.Context, pk *packets.Packet) error {
	if len(pk.Filters) == 0 {
		return fmt.Errorf("%w: subscribe without filters", ErrProtocol)
	}
	po := c.deps.PostOffice
	codes := make([]byte, len(pk.Filters))
	for i, f := range pk.Filters {
		granted, err := po.AddSubscription(ctx, c.clientID, f.Filter, f.Qos)
		if err != nil {
			c.logger.Debug("subscription refused", logger.KeyTopic, f.Filter, logger.Err(err))
			codes[i] = mqtt.SubackFailure
			continue
		}
		codes[i] = granted
	}
	if err := c.send(mqtt.Suback(c.version, pk.PacketID, codes)); err != nil {
		return err
	}
	for i, f := range pk.Filters {
		if codes[i] != mqtt.SubackFailure {
			po.DeliverRetained(ctx, c.clientID, f.Filter, codes[i])
		}
	}
	return nil
}

func (c *Connection) deliver(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.mailbox.Done():
			return nil
		case v := <-c.mailbox.Chan():
			p, ok := v.(session.Packet)
			if !ok {
				continue
			}
			if err := c.writeSessionPacket(p); err != nil {
				return err
			}
		}
	}
}

func (c *Connection) writeSessionPacket(p session.Packet) error {
	switch p.Kind {
	case session.SendPubrel:
		return c.send(mqtt.Ack(c.version, packets.Pubrel, p.PacketID))
	default:
		return c.send(mqtt.Publish(c.version, p.Message))
	}
}

func (c *Connection) send(pk *packets.Packet) error {
	if err := c.writer.WritePacket(pk); err != nil {
		return err
	}
	for _, h := range c.opts.Hooks {
		h.PacketSent(c.clientID, pk)
	}
	return nil
}

func (c *Connection) received(pk *packets.Packet) {
	for _, h := range c.opts.Hooks {
		h.PacketReceived(c.clientID, pk)
	}
}

func (c *Connection) notify(ev interceptor.Event) {
	if c.deps.Events != nil {
		c.deps.Events.Notify(ev)
	}
}

// finish releases the session and the socket. err is nil after a graceful
// DISCONNECT.
func (c *Connection) finish(err error) {
	c.cancel()
	reason := c.closeReason()
	if reason == nil {
		reason = err
		_ = c.conn.SetWriteDeadline(time.Now().Add(finalFlushTimeout))
	}
	_ = c.writer.Close()

	if c.sess != nil {
		graceful := err == nil
		c.deps.Registry.Disconnect(c.clientID, c, !graceful)
		ev := interceptor.Event{
			Kind:     interceptor.Disconnect,
			ClientID: c.clientID,
			Username: c.username,
		}
		if !graceful {
			ev.Kind = interceptor.ConnectionLost
			ev.Reason = reason.Error()
		}
		c.notify(ev)
	}
	c.mailbox.Close()
	_ = c.conn.Close()

	switch {
	case reason == nil:
		c.logger.Info("client disconnected")
	case errors.Is(reason, ErrProtocol):
		protocolErrorLog.Do(func() {
			c.logger.Warn("closing connection on protocol error", logger.Err(reason))
		})
	default:
		c.logger.Info("connection closed", logger.Err(reason))
	}
}
