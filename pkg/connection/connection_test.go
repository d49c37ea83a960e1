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
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mqtt-postoffice/pkg/auth"
	"github.com/turtacn/mqtt-postoffice/pkg/logger"
	"github.com/turtacn/mqtt-postoffice/pkg/message"
	"github.com/turtacn/mqtt-postoffice/pkg/protocol/mqtt"
	"github.com/turtacn/mqtt-postoffice/pkg/session"
)

var errRefused = errors.New("refused")

type fakePostOffice struct {
	mu         sync.Mutex
	published  []message.Message
	subscribed []string
	retained   []string
	acked      []uint16
	received   []uint16
	completed  []uint16
	refuse     map[string]bool
}

func (f *fakePostOffice) Publish(_ context.Context, msg message.Message, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakePostOffice) AddSubscription(_ context.Context, _, filter string, qos byte) (byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refuse[filter] {
		return 0, errRefused
	}
	f.subscribed = append(f.subscribed, filter)
	return qos, nil
}

func (f *fakePostOffice) DeliverRetained(_ context.Context, _, filter string, _ byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retained = append(f.retained, filter)
	return 0
}

func (f *fakePostOffice) Unsubscribe(context.Context, string, string) bool { return true }

func (f *fakePostOffice) Acknowledge(_ string, id uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return true
}

func (f *fakePostOffice) Received(_ string, id uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, id)
	return true
}

func (f *fakePostOffice) Complete(_ string, id uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return true
}

func (f *fakePostOffice) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type recordingWills struct {
	mu    sync.Mutex
	wills []session.Will
}

func (w *recordingWills) PublishWill(_ string, will session.Will) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wills = append(w.wills, will)
}

func (w *recordingWills) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.wills)
}

type testBroker struct {
	registry *session.Registry
	po       *fakePostOffice
	wills    *recordingWills
	auth     *auth.Chain
	bans     BanList
	opts     Options
}

func newTestBroker() *testBroker {
	cfg := session.DefaultConfig()
	reg := session.NewRegistry(cfg, nil, logger.Discard())
	wills := &recordingWills{}
	reg.SetWillPublisher(wills)
	return &testBroker{
		registry: reg,
		po:       &fakePostOffice{refuse: map[string]bool{}},
		wills:    wills,
		opts: Options{
			IdleTimeout: time.Second,
			Logger:      logger.Discard(),
		},
	}
}

type testClient struct {
	t       *testing.T
	conn    net.Conn
	server  *Connection
	packets chan *packets.Packet
	done    chan error
}

func (b *testBroker) dial(t *testing.T) *testClient {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	c := New(serverConn, Deps{
		Registry:   b.registry,
		PostOffice: b.po,
		Auth:       b.auth,
		Bans:       b.bans,
	}, b.opts)

	tc := &testClient{
		t:       t,
		conn:    clientConn,
		server:  c,
		packets: make(chan *packets.Packet, 64),
		done:    make(chan error, 1),
	}
	go func() { tc.done <- c.Serve(context.Background()) }()
	go func() {
		defer close(tc.packets)
		r := bufio.NewReader(clientConn)
		for {
			pk, err := mqtt.ReadPacket(r, 0, mqtt.Version311)
			if err != nil {
				return
			}
			tc.packets <- pk
		}
	}()
	t.Cleanup(func() { _ = clientConn.Close() })
	return tc
}

func (tc *testClient) send(pk *packets.Packet) {
	tc.t.Helper()
	pk.ProtocolVersion = mqtt.Version311
	require.NoError(tc.t, mqtt.WritePacket(tc.conn, pk))
}

func (tc *testClient) expect(typ byte) *packets.Packet {
	tc.t.Helper()
	select {
	case pk, ok := <-tc.packets:
		require.True(tc.t, ok, "connection closed while waiting for %s", mqtt.TypeName(typ))
		require.Equal(tc.t, mqtt.TypeName(typ), mqtt.TypeName(pk.FixedHeader.Type))
		return pk
	case <-time.After(2 * time.Second):
		tc.t.Fatalf("timed out waiting for %s", mqtt.TypeName(typ))
		return nil
	}
}

func (tc *testClient) wait() error {
	tc.t.Helper()
	select {
	case err := <-tc.done:
		return err
	case <-time.After(3 * time.Second):
		tc.t.Fatal("connection did not finish")
		return nil
	}
}

type connectOpts struct {
	id        string
	clean     bool
	keepalive uint16
	username  string
	password  string
	will      *session.Will
}

func connectPacket(o connectOpts) *packets.Packet {
	pk := &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect: packets.ConnectParams{
			ProtocolName:     []byte("MQTT"),
			ClientIdentifier: o.id,
			Clean:            o.clean,
			Keepalive:        o.keepalive,
		},
	}
	if o.username != "" {
		pk.Connect.UsernameFlag = true
		pk.Connect.Username = []byte(o.username)
		pk.Connect.PasswordFlag = true
		pk.Connect.Password = []byte(o.password)
	}
	if o.will != nil {
		pk.Connect.WillFlag = true
		pk.Connect.WillTopic = o.will.Topic
		pk.Connect.WillPayload = o.will.Payload
		pk.Connect.WillQos = o.will.QoS
	}
	return pk
}

func (tc *testClient) connect(o connectOpts) *packets.Packet {
	tc.t.Helper()
	tc.send(connectPacket(o))
	return tc.expect(packets.Connack)
}

func publishPacket(topicName string, qos byte, id uint16, dup bool) *packets.Packet {
	return &packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: qos, Dup: dup},
		TopicName:   topicName,
		Payload:     []byte("payload"),
		PacketID:    id,
	}
}

func TestConnectAccepted(t *testing.T) {
	b := newTestBroker()
	tc := b.dial(t)

	ack := tc.connect(connectOpts{id: "c1", clean: true, keepalive: 30})
	assert.Equal(t, byte(0), ack.ReasonCode)
	assert.False(t, ack.SessionPresent)
	assert.Equal(t, "c1", tc.server.ClientID())

	s, ok := b.registry.Lookup("c1")
	require.True(t, ok)
	assert.True(t, s.Connected())
	assert.Equal(t, 45*time.Second, tc.server.keepalive.Window())

	tc.send(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Disconnect}})
	assert.NoError(t, tc.wait())
	_, ok = b.registry.Lookup("c1")
	assert.False(t, ok, "clean session is destroyed")
	assert.Zero(t, b.wills.count())
}

func TestConnectAssignsClientID(t *testing.T) {
	b := newTestBroker()
	tc := b.dial(t)
	ack := tc.connect(connectOpts{clean: true})
	assert.Equal(t, byte(0), ack.ReasonCode)
	assert.Contains(t, tc.server.ClientID(), "auto-")
	assert.Len(t, b.registry.Sessions(), 1)
}

func TestConnectRejectsEmptyDurableID(t *testing.T) {
	b := newTestBroker()
	tc := b.dial(t)
	ack := tc.connect(connectOpts{clean: false})
	assert.Equal(t, byte(0x02), ack.ReasonCode)
	assert.ErrorIs(t, tc.wait(), ErrConnectRefused)
	assert.Empty(t, b.registry.Sessions())
}

func TestConnectNotAuthorized(t *testing.T) {
	b := newTestBroker()
	users := auth.NewMemoryAuthenticator(logger.Discard())
	require.NoError(t, users.AddUser("alice", "secret", auth.HashPlain))
	b.auth = auth.NewChain(logger.Discard())
	b.auth.Add(users)

	tc := b.dial(t)
	ack := tc.connect(connectOpts{id: "c1", clean: true, username: "alice", password: "wrong"})
	assert.Equal(t, byte(0x05), ack.ReasonCode)
	assert.ErrorIs(t, tc.wait(), ErrConnectRefused)

	tc = b.dial(t)
	ack = tc.connect(connectOpts{id: "c1", clean: true, username: "alice", password: "secret"})
	assert.Equal(t, byte(0x00), ack.ReasonCode)
}

// banList bans fixed client ids.
type banList map[string]bool

func (l banList) Banned(clientID, _, _ string) bool { return l[clientID] }

func TestConnectBanned(t *testing.T) {
	b := newTestBroker()
	b.bans = banList{"evil": true}

	tc := b.dial(t)
	ack := tc.connect(connectOpts{id: "evil", clean: true})
	assert.Equal(t, byte(0x05), ack.ReasonCode)
	assert.ErrorIs(t, tc.wait(), ErrConnectRefused)
	_, ok := b.registry.Lookup("evil")
	assert.False(t, ok)

	tc = b.dial(t)
	ack = tc.connect(connectOpts{id: "good", clean: true})
	assert.Equal(t, byte(0x00), ack.ReasonCode)
}

func TestFirstPacketMustBeConnect(t *testing.T) {
	b := newTestBroker()
	tc := b.dial(t)
	tc.send(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}})
	assert.ErrorIs(t, tc.wait(), ErrProtocol)
}

func TestSecondConnectIsProtocolError(t *testing.T) {
	b := newTestBroker()
	tc := b.dial(t)
	tc.connect(connectOpts{id: "c1", clean: false, will: &session.Will{Topic: "gone"}})
	tc.send(connectPacket(connectOpts{id: "c1"}))
	assert.ErrorIs(t, tc.wait(), ErrProtocol)

	s, ok := b.registry.Lookup("c1")
	require.True(t, ok, "durable session survives protocol errors")
	assert.False(t, s.Connected())
	assert.Equal(t, 1, b.wills.count())
}

func TestFrameTooLarge(t *testing.T) {
	b := newTestBroker()
	b.opts.MaxFrameSize = 64
	tc := b.dial(t)
	tc.connect(connectOpts{id: "c1", clean: true})

	big := publishPacket("t", 0, 0, false)
	big.Payload = make([]byte, 128)
	tc.send(big)
	assert.ErrorIs(t, tc.wait(), ErrProtocol)
	assert.Zero(t, b.po.publishedCount())
}

func TestPingAndPublishAcks(t *testing.T) {
	b := newTestBroker()
	tc := b.dial(t)
	tc.connect(connectOpts{id: "c1", clean: true})

	tc.send(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}})
	tc.expect(packets.Pingresp)

	tc.send(publishPacket("a/b", 0, 0, false))
	tc.send(publishPacket("a/b", 1, 10, false))
	assert.Equal(t, uint16(10), tc.expect(packets.Puback).PacketID)

	tc.send(publishPacket("a/b", 2, 11, false))
	assert.Equal(t, uint16(11), tc.expect(packets.Pubrec).PacketID)
	tc.send(publishPacket("a/b", 2, 11, true))
	assert.Equal(t, uint16(11), tc.expect(packets.Pubrec).PacketID)
	assert.Equal(t, 3, b.po.publishedCount(), "duplicate QoS 2 publish is not routed again")

	tc.send(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1}, PacketID: 11})
	assert.Equal(t, uint16(11), tc.expect(packets.Pubcomp).PacketID)

	tc.send(publishPacket("a/b", 2, 11, false))
	tc.expect(packets.Pubrec)
	assert.Equal(t, 4, b.po.publishedCount(), "a released id starts a new message")

	b.po.mu.Lock()
	defer b.po.mu.Unlock()
	assert.Equal(t, "c1", b.po.published[0].Origin)
	assert.Equal(t, byte(1), b.po.published[1].QoS)
}

func TestInvalidPublishTopic(t *testing.T) {
	b := newTestBroker()
	tc := b.dial(t)
	tc.connect(connectOpts{id: "c1", clean: true})
	tc.send(publishPacket("a/+/b", 0, 0, false))
	assert.ErrorIs(t, tc.wait(), ErrProtocol)
}

func TestSubscribe(t *testing.T) {
	b := newTestBroker()
	b.po.refuse["secret/#"] = true
	tc := b.dial(t)
	tc.connect(connectOpts{id: "c1", clean: true})

	tc.send(&packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
		PacketID:    5,
		Filters: packets.Subscriptions{
			{Filter: "a/+", Qos: 1},
			{Filter: "secret/#", Qos: 2},
		},
	})
	ack := tc.expect(packets.Suback)
	assert.Equal(t, uint16(5), ack.PacketID)
	assert.Equal(t, []byte{0x01, mqtt.SubackFailure}, ack.ReasonCodes)

	assert.Eventually(t, func() bool {
		b.po.mu.Lock()
		defer b.po.mu.Unlock()
		return len(b.po.retained) == 1
	}, time.Second, 5*time.Millisecond)
	b.po.mu.Lock()
	assert.Equal(t, []string{"a/+"}, b.po.retained)
	b.po.mu.Unlock()

	tc.send(&packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe, Qos: 1},
		PacketID:    6,
		Filters:     packets.Subscriptions{{Filter: "a/+"}},
	})
	assert.Equal(t, uint16(6), tc.expect(packets.Unsuback).PacketID)
}

func TestDeliveryAndAcknowledgement(t *testing.T) {
	b := newTestBroker()
	tc := b.dial(t)
	tc.connect(connectOpts{id: "c1", clean: true})

	s, ok := b.registry.Lookup("c1")
	require.True(t, ok)
	require.NoError(t, s.Deliver(context.Background(), message.New("x/y", []byte("hi"), 1, false)))

	pub := tc.expect(packets.Publish)
	assert.Equal(t, "x/y", pub.TopicName)
	assert.Equal(t, []byte("hi"), pub.Payload)
	assert.Equal(t, byte(1), pub.FixedHeader.Qos)

	tc.send(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Puback}, PacketID: pub.PacketID})
	require.NoError(t, s.Deliver(context.Background(), message.New("x/y", nil, 2, false)))
	pub2 := tc.expect(packets.Publish)
	tc.send(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubrec}, PacketID: pub2.PacketID})
	assert.Equal(t, pub2.PacketID, tc.expect(packets.Pubrel).PacketID)
	tc.send(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pubcomp}, PacketID: pub2.PacketID})

	assert.Eventually(t, func() bool {
		b.po.mu.Lock()
		defer b.po.mu.Unlock()
		return len(b.po.acked) == 1 && len(b.po.received) == 1 && len(b.po.completed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestKeepAliveExpiryPublishesWill(t *testing.T) {
	b := newTestBroker()
	b.opts.IdleTimeout = 50 * time.Millisecond
	tc := b.dial(t)
	tc.connect(connectOpts{id: "c1", clean: true, will: &session.Will{Topic: "status/c1", Payload: []byte("offline"), QoS: 1}})

	assert.ErrorIs(t, tc.wait(), ErrKeepAliveTimeout)
	require.Equal(t, 1, b.wills.count())
	b.wills.mu.Lock()
	assert.Equal(t, "status/c1", b.wills.wills[0].Topic)
	assert.Equal(t, byte(1), b.wills.wills[0].QoS)
	b.wills.mu.Unlock()
}

func TestGracefulDisconnectDiscardsWill(t *testing.T) {
	b := newTestBroker()
	tc := b.dial(t)
	tc.connect(connectOpts{id: "c1", clean: false, will: &session.Will{Topic: "status/c1"}})
	tc.send(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Disconnect}})
	assert.NoError(t, tc.wait())
	assert.Zero(t, b.wills.count())

	s, ok := b.registry.Lookup("c1")
	require.True(t, ok)
	assert.False(t, s.Connected())
}

func TestTakeoverClosesFirstConnection(t *testing.T) {
	b := newTestBroker()
	first := b.dial(t)
	first.connect(connectOpts{id: "dup", clean: false, will: &session.Will{Topic: "w"}})

	second := b.dial(t)
	ack := second.connect(connectOpts{id: "dup", clean: false})
	assert.True(t, ack.SessionPresent)

	assert.ErrorIs(t, first.wait(), session.ErrSessionTakenOver)
	assert.Zero(t, b.wills.count(), "the evicted connection's will is discarded")

	s, ok := b.registry.Lookup("dup")
	require.True(t, ok)
	assert.True(t, s.Owns(second.server))
}

func TestDurableReconnectReplaysOffline(t *testing.T) {
	b := newTestBroker()
	first := b.dial(t)
	first.connect(connectOpts{id: "d1", clean: false})
	first.send(&packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Disconnect}})
	require.NoError(t, first.wait())

	s, ok := b.registry.Lookup("d1")
	require.True(t, ok)
	for _, p := range []string{"one", "two"} {
		require.NoError(t, s.Deliver(context.Background(), message.New("q", []byte(p), 1, false)))
	}

	second := b.dial(t)
	ack := second.connect(connectOpts{id: "d1", clean: false})
	assert.True(t, ack.SessionPresent)
	assert.Equal(t, []byte("one"), second.expect(packets.Publish).Payload)
	assert.Equal(t, []byte("two"), second.expect(packets.Publish).Payload)
}

func TestSlowConsumerClosesConnection(t *testing.T) {
	b := newTestBroker()
	cfg := session.DefaultConfig()
	cfg.OutboundQueueSize = 1
	cfg.SlowConsumerTimeout = 20 * time.Millisecond
	b.registry = session.NewRegistry(cfg, nil, logger.Discard())

	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close() })
	c := New(serverConn, Deps{Registry: b.registry, PostOffice: b.po}, b.opts)
	done := make(chan error, 1)
	go func() { done <- c.Serve(context.Background()) }()

	require.NoError(t, mqtt.WritePacket(clientConn, connectPacket(connectOpts{id: "slow", clean: true})))
	r := bufio.NewReader(clientConn)
	_, err := mqtt.ReadPacket(r, 0, mqtt.Version311)
	require.NoError(t, err)
	// A PINGRESP means the handshake, including replay, has finished.
	ping := &packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}, ProtocolVersion: mqtt.Version311}
	require.NoError(t, mqtt.WritePacket(clientConn, ping))
	_, err = mqtt.ReadPacket(r, 0, mqtt.Version311)
	require.NoError(t, err)

	// The client stops reading; the writer blocks and the mailbox fills up.
	s, ok := b.registry.Lookup("slow")
	require.True(t, ok)
	var slow error
	for i := 0; i < 10 && slow == nil; i++ {
		slow = s.Deliver(context.Background(), message.New("t", make([]byte, 32), 0, false))
	}
	assert.ErrorIs(t, slow, session.ErrSlowConsumer)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, session.ErrSlowConsumer)
	case <-time.After(3 * time.Second):
		t.Fatal("slow consumer was not disconnected")
	}
}
