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

package broker

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mqtt-postoffice/pkg/auth"
	"github.com/turtacn/mqtt-postoffice/pkg/blacklist"
	"github.com/turtacn/mqtt-postoffice/pkg/config"
	"github.com/turtacn/mqtt-postoffice/pkg/interceptor"
	"github.com/turtacn/mqtt-postoffice/pkg/logger"
	"github.com/turtacn/mqtt-postoffice/pkg/message"
	"github.com/turtacn/mqtt-postoffice/pkg/protocol/mqtt"
	"github.com/turtacn/mqtt-postoffice/pkg/supervisor"
)

// startTestBroker starts a broker on a random local port and returns it with
// its tcp:// address.
func startTestBroker(t *testing.T, cfg *config.Config, opts ...Option) (*Broker, string) {
	t.Helper()
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.Protocol.FlushInterval = 0

	b, err := New(cfg, append([]Option{WithLogger(logger.Discard())}, opts...)...)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- b.Serve(context.Background(), ln) }()

	t.Cleanup(func() {
		require.NoError(t, b.Close())
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("listener did not stop")
		}
	})
	return b, fmt.Sprintf("tcp://%s", ln.Addr().String())
}

func newClient(t *testing.T, addr, clientID string, configure ...func(*paho.ClientOptions)) paho.Client {
	t.Helper()
	opts := paho.NewClientOptions().
		AddBroker(addr).
		SetClientID(clientID).
		SetAutoReconnect(false).
		SetConnectRetry(false)
	for _, fn := range configure {
		fn(opts)
	}
	c := paho.NewClient(opts)
	token := c.Connect()
	require.True(t, token.WaitTimeout(2*time.Second), "timed out connecting")
	require.NoError(t, token.Error())
	t.Cleanup(func() {
		if c.IsConnected() {
			c.Disconnect(50)
		}
	})
	return c
}

func waitToken(t *testing.T, token paho.Token) {
	t.Helper()
	require.True(t, token.WaitTimeout(2*time.Second), "timed out")
	require.NoError(t, token.Error())
}

func receive(t *testing.T, ch <-chan paho.Message) paho.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestBrokerIntegrationConnectDisconnect(t *testing.T) {
	b, addr := startTestBroker(t, nil)

	client := newClient(t, addr, "test-client-connect")
	assert.True(t, client.IsConnected())
	_, ok := b.Sessions().Lookup("test-client-connect")
	assert.True(t, ok)

	client.Disconnect(100)
	assert.Eventually(t, func() bool {
		_, ok := b.Sessions().Lookup("test-client-connect")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "clean session removed on disconnect")
}

func TestBrokerIntegrationSubscribePublish(t *testing.T) {
	_, addr := startTestBroker(t, nil)

	msgs := make(chan paho.Message, 10)
	sub := newClient(t, addr, "subscriber")
	waitToken(t, sub.Subscribe("sensors/+/temp", 1, func(_ paho.Client, m paho.Message) { msgs <- m }))

	pub := newClient(t, addr, "publisher")
	waitToken(t, pub.Publish("sensors/room1/humidity", 1, false, "40"))
	waitToken(t, pub.Publish("sensors/room1/temp", 2, false, "21.5"))

	m := receive(t, msgs)
	assert.Equal(t, "sensors/room1/temp", m.Topic())
	assert.Equal(t, "21.5", string(m.Payload()))
	assert.Equal(t, byte(1), m.Qos())
	assert.False(t, m.Retained())
}

func TestBrokerIntegrationRetained(t *testing.T) {
	_, addr := startTestBroker(t, nil)

	pub := newClient(t, addr, "publisher")
	waitToken(t, pub.Publish("sensors/room1/temp", 1, true, "21"))

	msgs := make(chan paho.Message, 10)
	sub := newClient(t, addr, "late-subscriber")
	waitToken(t, sub.Subscribe("sensors/#", 1, func(_ paho.Client, m paho.Message) { msgs <- m }))

	m := receive(t, msgs)
	assert.Equal(t, "sensors/room1/temp", m.Topic())
	assert.True(t, m.Retained())
}

func TestBrokerIntegrationQoS2(t *testing.T) {
	b, addr := startTestBroker(t, nil)
	delivered := make(chan interceptor.Event, 1)
	require.NoError(t, b.AddInterceptor(interceptor.Func("delivered", func(ev interceptor.Event) error {
		delivered <- ev
		return nil
	}, interceptor.Delivered)))

	msgs := make(chan paho.Message, 10)
	sub := newClient(t, addr, "q2-sub")
	waitToken(t, sub.Subscribe("exact", 2, func(_ paho.Client, m paho.Message) { msgs <- m }))

	pub := newClient(t, addr, "q2-pub")
	waitToken(t, pub.Publish("exact", 2, false, "once"))
	m := receive(t, msgs)
	assert.Equal(t, byte(2), m.Qos())

	select {
	case ev := <-delivered:
		assert.Equal(t, "q2-sub", ev.ClientID)
		assert.Equal(t, "exact", ev.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("no delivered event after PUBCOMP")
	}
	assert.True(t, b.RemoveInterceptor("delivered"))
}

func TestBrokerIntegrationDurableSession(t *testing.T) {
	_, addr := startTestBroker(t, nil)
	durable := func(o *paho.ClientOptions) { o.SetCleanSession(false) }

	sub := newClient(t, addr, "durable", durable)
	waitToken(t, sub.Subscribe("jobs", 1, nil))
	sub.Disconnect(50)

	pub := newClient(t, addr, "producer")
	for i := 0; i < 3; i++ {
		waitToken(t, pub.Publish("jobs", 1, false, fmt.Sprintf("job-%d", i)))
	}

	msgs := make(chan paho.Message, 10)
	newClient(t, addr, "durable", durable, func(o *paho.ClientOptions) {
		o.SetDefaultPublishHandler(func(_ paho.Client, m paho.Message) { msgs <- m })
	})
	for i := 0; i < 3; i++ {
		assert.Equal(t, fmt.Sprintf("job-%d", i), string(receive(t, msgs).Payload()))
	}
}

func TestBrokerIntegrationAuthentication(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Auth.Enabled = true
	require.NoError(t, cfg.AddUser("alice", "secret", "bcrypt", true))
	_, addr := startTestBroker(t, cfg)

	opts := paho.NewClientOptions().AddBroker(addr).SetClientID("intruder").
		SetUsername("alice").SetPassword("wrong").SetAutoReconnect(false)
	token := paho.NewClient(opts).Connect()
	require.True(t, token.WaitTimeout(2*time.Second))
	assert.Error(t, token.Error())

	newClient(t, addr, "alice-1", func(o *paho.ClientOptions) {
		o.SetUsername("alice").SetPassword("secret")
	})
}

func TestBrokerIntegrationACL(t *testing.T) {
	acl := auth.NewACL(
		auth.Rule{Client: auth.AnyClient, Topic: "restricted/#", Action: auth.ReadWrite, Allow: false},
		auth.Rule{Client: auth.AnyClient, Topic: "#", Action: auth.ReadWrite, Allow: true},
	)
	_, addr := startTestBroker(t, nil, WithAuthorizer(acl))

	sub := newClient(t, addr, "acl-sub")
	token := sub.Subscribe("restricted/#", 1, nil)
	require.True(t, token.WaitTimeout(2*time.Second))
	st, ok := token.(*paho.SubscribeToken)
	require.True(t, ok)
	assert.Equal(t, byte(mqtt.SubackFailure), st.Result()["restricted/#"])
}

func TestBrokerBlacklist(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Blacklist.Entries = []blacklist.Entry{
		{Kind: blacklist.ClientID, Value: "banned-client"},
		{Kind: blacklist.Topic, Value: "secret/#"},
	}
	b, addr := startTestBroker(t, cfg)

	opts := paho.NewClientOptions().AddBroker(addr).SetClientID("banned-client").SetAutoReconnect(false)
	token := paho.NewClient(opts).Connect()
	require.True(t, token.WaitTimeout(2*time.Second))
	assert.Error(t, token.Error())

	c := newClient(t, addr, "allowed")
	sub := c.Subscribe("secret/plans", 0, nil)
	require.True(t, sub.WaitTimeout(2*time.Second))
	assert.Equal(t, byte(mqtt.SubackFailure), sub.(*paho.SubscribeToken).Result()["secret/plans"])

	_, err := b.Blacklist().Ban(blacklist.ClientID, "allowed-later", "runtime ban", 0)
	require.NoError(t, err)
	token = paho.NewClient(paho.NewClientOptions().AddBroker(addr).SetClientID("allowed-later").SetAutoReconnect(false)).Connect()
	require.True(t, token.WaitTimeout(2*time.Second))
	assert.Error(t, token.Error())
	assert.Positive(t, b.Blacklist().Stats().TotalBlocks)
}

// rawConnect dials addr and completes a CONNECT handshake by hand.
func rawConnect(t *testing.T, addr string, connect packets.ConnectParams) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	connect.ProtocolName = []byte("MQTT")
	require.NoError(t, mqtt.WritePacket(conn, &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connect},
		ProtocolVersion: mqtt.Version311,
		Connect:         connect,
	}))
	r := bufio.NewReader(conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	ack, err := mqtt.ReadPacket(r, 0, mqtt.Version311)
	require.NoError(t, err)
	require.Equal(t, packets.Connack, ack.FixedHeader.Type)
	require.Equal(t, byte(0), ack.ReasonCode)
	return conn, r
}

func TestBrokerWillOnAbruptClose(t *testing.T) {
	_, addr := startTestBroker(t, nil)
	hostport := addr[len("tcp://"):]

	msgs := make(chan paho.Message, 1)
	watcher := newClient(t, addr, "watcher")
	waitToken(t, watcher.Subscribe("status/#", 1, func(_ paho.Client, m paho.Message) { msgs <- m }))

	conn, _ := rawConnect(t, hostport, packets.ConnectParams{
		ClientIdentifier: "device",
		Clean:            true,
		Keepalive:        60,
		WillFlag:         true,
		WillTopic:        "status/device",
		WillPayload:      []byte("offline"),
		WillQos:          1,
	})
	require.NoError(t, conn.Close())

	m := receive(t, msgs)
	assert.Equal(t, "status/device", m.Topic())
	assert.Equal(t, "offline", string(m.Payload()))
}

func TestBrokerTakeover(t *testing.T) {
	b, addr := startTestBroker(t, nil)
	hostport := addr[len("tcp://"):]

	first, r := rawConnect(t, hostport, packets.ConnectParams{ClientIdentifier: "twin", Clean: true, Keepalive: 60})
	rawConnect(t, hostport, packets.ConnectParams{ClientIdentifier: "twin", Clean: true, Keepalive: 60})

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := mqtt.ReadPacket(r, 0, mqtt.Version311)
	assert.Error(t, err, "the first connection is closed")
	assert.Equal(t, []string{"twin"}, b.Sessions().Sessions())
}

func TestBrokerRejectsNonMQTT(t *testing.T) {
	_, addr := startTestBroker(t, nil)
	conn, err := net.Dial("tcp", addr[len("tcp://"):])
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "connection closed without a reply")
}

func TestBrokerInternalPublishAndClose(t *testing.T) {
	b, addr := startTestBroker(t, nil)
	msgs := make(chan paho.Message, 1)
	sub := newClient(t, addr, "sys-watcher")
	waitToken(t, sub.Subscribe("$SYS/broker/uptime", 0, func(_ paho.Client, m paho.Message) { msgs <- m }))

	require.NoError(t, b.InternalPublish(context.Background(), message.New("$SYS/broker/uptime", []byte("1"), 0, false)))
	assert.Equal(t, "1", string(receive(t, msgs).Payload()))
	assert.True(t, b.CanSupport([]byte{0x10, 0x0c, 0x00, 0x04, 'M', 'Q', 'T', 'T', 4, 2, 0, 60, 0, 0}))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Broker.NodeID = ""
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestClosedBroker(t *testing.T) {
	b, err := New(nil, WithLogger(logger.Discard()))
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.InternalPublish(context.Background(), message.New("t", nil, 0, false)), ErrClosed)
	server, client := net.Pipe()
	defer client.Close()
	assert.ErrorIs(t, b.ServeConn(context.Background(), server), ErrClosed)
	assert.ErrorIs(t, b.ListenAndServe(context.Background(), "127.0.0.1:0"), ErrClosed)
}

func TestBrokerKafkaBridge(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Bridge.Kafka.Brokers = []string{"127.0.0.1:9092"}
	cfg.Bridge.Kafka.Topic = "mqtt-events"
	cfg.Bridge.Kafka.Events = []string{"connect"}

	b, err := New(cfg, WithLogger(logger.Discard()))
	require.NoError(t, err)
	var ids []string
	for _, h := range b.events.Handlers() {
		ids = append(ids, h.ID())
	}
	assert.Contains(t, ids, "kafka-bridge")
	require.Len(t, b.bridges, 1)
	require.NoError(t, b.Close())

	cfg.Bridge.Kafka.Topic = ""
	_, err = New(cfg, WithLogger(logger.Discard()))
	assert.Error(t, err)
}

func TestBrokerServiceStartErrors(t *testing.T) {
	b, err := New(config.DefaultConfig(), WithLogger(logger.Discard()))
	require.NoError(t, err)
	defer b.Close()

	var ids []string
	for _, spec := range b.serviceSpecs() {
		ids = append(ids, spec.ID)
	}
	assert.Equal(t, []string{"session-sweeper", "retained-cleanup", "blacklist-cleanup"}, ids)

	err = b.startServices(nil)
	assert.ErrorIs(t, err, supervisor.ErrNoSpecs)
}
