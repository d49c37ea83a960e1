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

// Package mqtt adapts the mochi packets codec to the broker: bounded frame
// reading, CONNECT sniffing, packet constructors for the server side of the
// protocol and the per-connection state machine.
package mqtt

import (
	"fmt"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/mqtt-postoffice/pkg/message"
)

// Protocol levels carried in CONNECT.
const (
	Version31  byte = 3
	Version311 byte = 4
	Version5   byte = 5
)

// SubackFailure is the SUBACK return code for a rejected filter.
const SubackFailure byte = 0x80

// ConnectCode is a CONNECT outcome, encoded differently per protocol level.
type ConnectCode int

// CONNECT outcomes.
const (
	ConnAccepted ConnectCode = iota
	ConnUnsupportedVersion
	ConnIdentifierRejected
	ConnServerUnavailable
	ConnBadCredentials
	ConnNotAuthorized
)

var v3ConnackCodes = [...]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}

var v5ConnackCodes = [...]byte{
	packets.CodeSuccess.Code,
	packets.ErrUnsupportedProtocolVersion.Code,
	packets.ErrClientIdentifierNotValid.Code,
	packets.ErrServerUnavailable.Code,
	packets.ErrBadUsernameOrPassword.Code,
	packets.ErrNotAuthorized.Code,
}

// Byte returns the CONNACK return code for the protocol level.
func (c ConnectCode) Byte(version byte) byte {
	if c < 0 || int(c) >= len(v3ConnackCodes) {
		c = ConnServerUnavailable
	}
	if version == Version5 {
		return v5ConnackCodes[c]
	}
	return v3ConnackCodes[c]
}

func (c ConnectCode) String() string {
	switch c {
	case ConnAccepted:
		return "accepted"
	case ConnUnsupportedVersion:
		return "unsupported protocol version"
	case ConnIdentifierRejected:
		return "identifier rejected"
	case ConnServerUnavailable:
		return "server unavailable"
	case ConnBadCredentials:
		return "bad user name or password"
	case ConnNotAuthorized:
		return "not authorized"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

var typeNames = map[byte]string{
	packets.Connect:     "connect",
	packets.Connack:     "connack",
	packets.Publish:     "publish",
	packets.Puback:      "puback",
	packets.Pubrec:      "pubrec",
	packets.Pubrel:      "pubrel",
	packets.Pubcomp:     "pubcomp",
	packets.Subscribe:   "subscribe",
	packets.Suback:      "suback",
	packets.Unsubscribe: "unsubscribe",
	packets.Unsuback:    "unsuback",
	packets.Pingreq:     "pingreq",
	packets.Pingresp:    "pingresp",
	packets.Disconnect:  "disconnect",
}

// TypeName returns the lower-case name of a control packet type.
func TypeName(t byte) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", t)
}

// SupportedVersion reports whether the CONNECT protocol name and level are
// accepted.
func SupportedVersion(name string, version byte) bool {
	switch {
	case name == "MQIsdp" && version == Version31:
		return true
	case name == "MQTT" && (version == Version311 || version == Version5):
		return true
	default:
		return false
	}
}

// Connack builds a CONNACK.
func Connack(version byte, present bool, code ConnectCode) *packets.Packet {
	return &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connack},
		ProtocolVersion: version,
		SessionPresent:  present && code == ConnAccepted,
		ReasonCode:      code.Byte(version),
	}
}

// Publish builds an outbound PUBLISH for msg.
func Publish(version byte, msg message.Message) *packets.Packet {
	return &packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    msg.QoS,
			Retain: msg.Retain,
			Dup:    msg.Dup && msg.QoS > 0,
		},
		ProtocolVersion: version,
		TopicName:       msg.Topic,
		Payload:         msg.Payload,
		PacketID:        msg.PacketID,
	}
}

// Ack builds a PUBACK, PUBREC, PUBREL or PUBCOMP.
func Ack(version, typ byte, packetID uint16) *packets.Packet {
	fh := packets.FixedHeader{Type: typ}
	if typ == packets.Pubrel {
		fh.Qos = 1
	}
	return &packets.Packet{
		FixedHeader:     fh,
		ProtocolVersion: version,
		PacketID:        packetID,
	}
}

// Suback builds a SUBACK with one return code per requested filter.
func Suback(version byte, packetID uint16, codes []byte) *packets.Packet {
	return &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Suback},
		ProtocolVersion: version,
		PacketID:        packetID,
		ReasonCodes:     codes,
	}
}

// Unsuback builds an UNSUBACK.
func Unsuback(version byte, packetID uint16, filters int) *packets.Packet {
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Unsuback},
		ProtocolVersion: version,
		PacketID:        packetID,
	}
	if version == Version5 {
		pk.ReasonCodes = make([]byte, filters)
	}
	return pk
}

// Pingresp builds a PINGRESP.
func Pingresp() *packets.Packet {
	return &packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}}
}

// ToMessage converts an inbound PUBLISH into an application message.
func ToMessage(pk *packets.Packet, origin string) message.Message {
	msg := message.New(pk.TopicName, pk.Payload, pk.FixedHeader.Qos, pk.FixedHeader.Retain)
	msg.Dup = pk.FixedHeader.Dup
	msg.PacketID = pk.PacketID
	msg.Origin = origin
	return msg
}
