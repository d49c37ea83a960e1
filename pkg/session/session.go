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

// Package session holds per-client session state: outbound QoS 1/2 messages
// awaiting acknowledgement, the offline queue of a parked durable session,
// inbound QoS 2 packet ids, subscriptions and the will. The Registry maps
// client ids to sessions and arbitrates takeover between connections.
package session

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/emirpasic/gods/lists/arraylist"
	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/emirpasic/gods/queues/circularbuffer"
	"github.com/emirpasic/gods/sets/hashset"

	"github.com/turtacn/mqtt-postoffice/pkg/actor"
	"github.com/turtacn/mqtt-postoffice/pkg/message"
	"github.com/turtacn/mqtt-postoffice/pkg/metrics"
)

// Conn is the view of a live network connection that a session writes to.
type Conn interface {
	// Mailbox is the bounded outbound queue drained by the connection.
	Mailbox() *actor.Mailbox
	// Close tears the connection down with the given reason. It must not
	// block on the session.
	Close(reason error)
	// RemoteAddr identifies the peer in logs.
	RemoteAddr() string
}

// PacketKind tells the connection what to write for an outbound Packet.
type PacketKind int

const (
	// SendPublish writes a PUBLISH carrying Packet.Message.
	SendPublish PacketKind = iota
	// SendPubrel writes a PUBREL for Packet.PacketID.
	SendPubrel
)

// Packet is an item in a connection's outbound mailbox.
type Packet struct {
	Kind     PacketKind
	Message  message.Message
	PacketID uint16
}

// Will is the message published on behalf of a client whose connection ends
// without a DISCONNECT.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// Message converts the will into an application message from clientID.
func (w Will) Message(clientID string) message.Message {
	msg := message.New(w.Topic, w.Payload, w.QoS, w.Retain)
	msg.Origin = clientID
	return msg
}

type inflightState int

const (
	awaitingAck inflightState = iota
	awaitingRec
	awaitingComp
)

type inflightEntry struct {
	msg     message.Message
	state   inflightState
	sentAt  time.Time
	retries int
}

func (e *inflightEntry) packet() Packet {
	if e.state == awaitingComp {
		return Packet{Kind: SendPubrel, PacketID: e.msg.PacketID}
	}
	return Packet{Kind: SendPublish, Message: e.msg.AsDuplicate(), PacketID: e.msg.PacketID}
}

// Session is the state kept for one client id.
type Session struct {
	clientID string
	cfg      *Config
	created  time.Time

	mu        sync.Mutex
	clean     bool
	conn      Conn
	replaying bool
	destroyed bool
	lastSeen  time.Time
	will      *Will
	nextID    uint16
	inflight  *linkedhashmap.Map
	offline   *circularbuffer.Queue
	inbound   *hashset.Set
	subs      map[string]byte
}

func newSession(clientID string, clean bool, cfg *Config) *Session {
	now := time.Now()
	return &Session{
		clientID: clientID,
		cfg:      cfg,
		created:  now,
		clean:    clean,
		lastSeen: now,
		inflight: linkedhashmap.New(),
		offline:  circularbuffer.New(cfg.offlineLimit()),
		inbound:  hashset.New(),
		subs:     make(map[string]byte),
	}
}

// ClientID returns the session's client id.
func (s *Session) ClientID() string { return s.clientID }

// Created returns when the session was created.
func (s *Session) Created() time.Time { return s.created }

// Clean reports whether the session ends with its connection.
func (s *Session) Clean() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clean
}

// Connected reports whether a connection is bound.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Closed reports whether the session has been destroyed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroyed
}

// LastSeen returns when a connection was last bound or unbound.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// Owns reports whether conn is the connection currently bound.
func (s *Session) Owns(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && s.conn == conn
}

// Will returns a copy of the registered will, if any.
func (s *Session) Will() (Will, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.will == nil {
		return Will{}, false
	}
	return *s.will, true
}

// ClearWill discards the will; called on a clean DISCONNECT.
func (s *Session) ClearWill() {
	s.mu.Lock()
	s.will = nil
	s.mu.Unlock()
}

// bindLocked attaches conn. Deliveries are queued until Resume runs.
func (s *Session) bindLocked(conn Conn, will *Will) {
	s.conn = conn
	s.will = will
	s.replaying = true
	s.lastSeen = time.Now()
}

func (s *Session) unbindLocked() Conn {
	conn := s.conn
	s.conn = nil
	s.replaying = false
	s.lastSeen = time.Now()
	return conn
}

func (s *Session) destroyLocked() {
	s.destroyed = true
	s.conn = nil
	s.will = nil
	s.replaying = false
	s.inflight.Clear()
	s.offline.Clear()
	s.inbound.Clear()
	s.subs = make(map[string]byte)
}

// Deliver hands msg to the session at msg.QoS. With a connection bound the
// message is recorded as inflight under the session lock and then queued on
// the connection's mailbox outside it, waiting at most SlowConsumerTimeout
// for space; if that expires the connection is closed with ErrSlowConsumer.
// A parked session queues QoS 1/2 messages offline and drops QoS 0.
func (s *Session) Deliver(ctx context.Context, msg message.Message) error {
	if msg.Expired(time.Now()) {
		metrics.MessagesDropped.WithLabelValues(metrics.DropExpired).Inc()
		return nil
	}

	s.mu.Lock()
	switch {
	case s.destroyed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.conn == nil:
		if msg.QoS == message.AtMostOnce {
			s.mu.Unlock()
			metrics.MessagesDropped.WithLabelValues(metrics.DropOfflineQoS0).Inc()
			return nil
		}
		s.enqueueOfflineLocked(msg)
		s.mu.Unlock()
		return nil
	case s.replaying:
		s.enqueueOfflineLocked(msg)
		s.mu.Unlock()
		return nil
	}
	pkt, err := s.prepareLocked(msg, time.Now())
	conn := s.conn
	s.mu.Unlock()
	if err != nil {
		return err
	}

	err = conn.Mailbox().SendTimeout(ctx, pkt, s.cfg.SlowConsumerTimeout)
	switch {
	case err == nil:
		metrics.MessagesDelivered.WithLabelValues(strconv.Itoa(int(msg.QoS))).Inc()
		return nil
	case errors.Is(err, actor.ErrMailboxFull):
		metrics.MessagesDropped.WithLabelValues(metrics.DropSlowConsumer).Inc()
		conn.Close(ErrSlowConsumer)
		return ErrSlowConsumer
	case errors.Is(err, actor.ErrMailboxClosed):
		// The connection is going away; QoS 1/2 stay inflight for the
		// next connection.
		return nil
	default:
		return err
	}
}

// prepareLocked assigns a packet id to QoS 1/2 messages and records them as
// inflight.
func (s *Session) prepareLocked(msg message.Message, now time.Time) (Packet, error) {
	if msg.QoS == message.AtMostOnce {
		return Packet{Kind: SendPublish, Message: msg.WithDelivery(message.AtMostOnce, 0)}, nil
	}
	id, err := s.allocateIDLocked()
	if err != nil {
		return Packet{}, err
	}
	msg = msg.WithDelivery(msg.QoS, id)
	state := awaitingAck
	if msg.QoS == message.ExactlyOnce {
		state = awaitingRec
	}
	s.inflight.Put(id, &inflightEntry{msg: msg, state: state, sentAt: now})
	return Packet{Kind: SendPublish, Message: msg, PacketID: id}, nil
}

func (s *Session) allocateIDLocked() (uint16, error) {
	for range 65535 {
		s.nextID++
		if s.nextID == 0 {
			s.nextID = 1
		}
		if _, used := s.inflight.Get(s.nextID); !used {
			return s.nextID, nil
		}
	}
	return 0, ErrPacketIDsExhausted
}

func (s *Session) enqueueOfflineLocked(msg message.Message) {
	if s.offline.Full() {
		metrics.MessagesDropped.WithLabelValues(metrics.DropOfflineOverflow).Inc()
	}
	s.offline.Enqueue(msg)
}

// Resume replays the session to conn, which must be the connection bound by
// Connect, through write: first every inflight message (PUBLISH with Dup, or
// PUBREL for QoS 2 messages already received), then the offline queue in
// order. Deliveries arriving between Connect and the end of Resume are queued
// behind the replay; afterwards they go straight to the connection's mailbox.
// The replay stops with ErrSessionTakenOver as soon as another connection
// binds the session, leaving the rest of the queue to that connection.
func (s *Session) Resume(conn Conn, write func(Packet) error) error {
	s.mu.Lock()
	switch {
	case s.destroyed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.conn == nil:
		s.mu.Unlock()
		return ErrNotConnected
	case s.conn != conn:
		s.mu.Unlock()
		return ErrSessionTakenOver
	}
	s.replaying = true
	now := time.Now()
	batch := make([]Packet, 0, s.inflight.Size())
	it := s.inflight.Iterator()
	for it.Next() {
		e := it.Value().(*inflightEntry)
		e.sentAt = now
		batch = append(batch, e.packet())
	}
	s.mu.Unlock()

	for {
		for _, pkt := range batch {
			if err := write(pkt); err != nil {
				s.stopReplay(conn)
				return err
			}
		}

		s.mu.Lock()
		switch {
		case s.destroyed:
			s.mu.Unlock()
			return nil
		case s.conn != conn:
			s.mu.Unlock()
			return ErrSessionTakenOver
		case s.offline.Empty():
			s.replaying = false
			s.mu.Unlock()
			return nil
		}
		batch = batch[:0]
		now = time.Now()
		for !s.offline.Empty() {
			v, _ := s.offline.Dequeue()
			msg := v.(message.Message)
			if msg.Expired(now) {
				metrics.MessagesDropped.WithLabelValues(metrics.DropExpired).Inc()
				continue
			}
			pkt, err := s.prepareLocked(msg, now)
			if err != nil {
				metrics.MessagesDropped.WithLabelValues(metrics.DropOfflineOverflow).Inc()
				continue
			}
			batch = append(batch, pkt)
		}
		s.mu.Unlock()
	}
}

// stopReplay ends conn's replay unless another connection owns the session.
func (s *Session) stopReplay(conn Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.replaying = false
	}
	s.mu.Unlock()
}

// Acknowledge completes a QoS 1 delivery on PUBACK.
func (s *Session) Acknowledge(packetID uint16) (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.inflight.Get(packetID)
	if !ok {
		return message.Message{}, false
	}
	e := v.(*inflightEntry)
	if e.state != awaitingAck {
		return message.Message{}, false
	}
	s.inflight.Remove(packetID)
	return e.msg, true
}

// Received moves a QoS 2 delivery to the released state on PUBREC. The
// caller answers with PUBREL whether or not the id was known; it reports
// whether the id referred to an inflight message.
func (s *Session) Received(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.inflight.Get(packetID)
	if !ok {
		return false
	}
	e := v.(*inflightEntry)
	if e.msg.QoS != message.ExactlyOnce {
		return false
	}
	e.state = awaitingComp
	e.sentAt = time.Now()
	e.retries = 0
	return true
}

// Complete finishes a QoS 2 delivery on PUBCOMP.
func (s *Session) Complete(packetID uint16) (message.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.inflight.Get(packetID)
	if !ok {
		return message.Message{}, false
	}
	e := v.(*inflightEntry)
	if e.msg.QoS != message.ExactlyOnce {
		return message.Message{}, false
	}
	s.inflight.Remove(packetID)
	return e.msg, true
}

// ReceiveInbound records an inbound QoS 2 packet id. It returns false if the
// id is already held, meaning the PUBLISH is a retransmission that must not
// be routed again.
func (s *Session) ReceiveInbound(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inbound.Contains(packetID) {
		return false
	}
	s.inbound.Add(packetID)
	return true
}

// ReleaseInbound forgets an inbound QoS 2 packet id on PUBREL.
func (s *Session) ReleaseInbound(packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inbound.Contains(packetID) {
		return false
	}
	s.inbound.Remove(packetID)
	return true
}

// Subscribe records filter on the session after add succeeds. add runs under
// the session lock so that a concurrently destroyed session never leaves
// subscriptions behind.
func (s *Session) Subscribe(filter string, qos byte, add func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return ErrSessionClosed
	}
	if err := add(); err != nil {
		return err
	}
	s.subs[filter] = qos
	return nil
}

// Unsubscribe forgets filter after remove runs under the session lock.
func (s *Session) Unsubscribe(filter string, remove func() bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return false
	}
	delete(s.subs, filter)
	return remove()
}

// Subscriptions returns a copy of the session's filters and their QoS.
func (s *Session) Subscriptions() map[string]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]byte, len(s.subs))
	for f, q := range s.subs {
		out[f] = q
	}
	return out
}

// Inflight returns the unacknowledged outbound messages in send order.
func (s *Session) Inflight() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.Message, 0, s.inflight.Size())
	for _, v := range s.inflight.Values() {
		out = append(out, v.(*inflightEntry).msg)
	}
	return out
}

// InflightIDs returns the inflight packet ids sorted ascending.
func (s *Session) InflightIDs() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := arraylist.New()
	for _, k := range s.inflight.Keys() {
		ids.Add(k)
	}
	ids.Sort(func(a, b interface{}) int { return int(a.(uint16)) - int(b.(uint16)) })
	out := make([]uint16, 0, ids.Size())
	for _, v := range ids.Values() {
		out = append(out, v.(uint16))
	}
	return out
}

// Offline returns the queued offline messages, oldest first.
func (s *Session) Offline() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.offline.Values()
	out := make([]message.Message, 0, len(values))
	for _, v := range values {
		out = append(out, v.(message.Message))
	}
	return out
}

// Info is a point-in-time summary of a session.
type Info struct {
	ClientID      string    `json:"client_id"`
	Clean         bool      `json:"clean"`
	Connected     bool      `json:"connected"`
	Remote        string    `json:"remote,omitempty"`
	Subscriptions []string  `json:"subscriptions"`
	Inflight      int       `json:"inflight"`
	Offline       int       `json:"offline"`
	Created       time.Time `json:"created"`
	LastSeen      time.Time `json:"last_seen"`
}

// Info returns a summary of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ClientID:      s.clientID,
		Clean:         s.clean,
		Connected:     s.conn != nil,
		Subscriptions: make([]string, 0, len(s.subs)),
		Inflight:      s.inflight.Size(),
		Offline:       s.offline.Size(),
		Created:       s.created,
		LastSeen:      s.lastSeen,
	}
	if s.conn != nil {
		info.Remote = s.conn.RemoteAddr()
	}
	for f := range s.subs {
		info.Subscriptions = append(info.Subscriptions, f)
	}
	sort.Strings(info.Subscriptions)
	return info
}

// retry re-sends inflight entries older than the retry interval. Entries
// that exceeded MaxRetries are dropped. It never blocks on the mailbox.
func (s *Session) retry(now time.Time) (resent, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.replaying || s.destroyed || s.cfg.RetryInterval <= 0 {
		return 0, 0
	}
	mb := s.conn.Mailbox()
	for _, k := range s.inflight.Keys() {
		v, _ := s.inflight.Get(k)
		e := v.(*inflightEntry)
		if now.Sub(e.sentAt) < s.cfg.RetryInterval {
			continue
		}
		if s.cfg.MaxRetries > 0 && e.retries >= s.cfg.MaxRetries {
			s.inflight.Remove(k)
			metrics.MessagesDropped.WithLabelValues(metrics.DropRetryExhausted).Inc()
			dropped++
			continue
		}
		if err := mb.TrySend(e.packet()); err != nil {
			break
		}
		e.retries++
		e.sentAt = now
		resent++
	}
	return resent, dropped
}
