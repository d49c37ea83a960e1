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

// Package message defines the application message value that flows from a
// publisher through the post office to subscriber sessions.
package message

import (
	"fmt"
	"time"
)

// QoS levels.
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
	ExactlyOnce byte = 2
)

// Message is an application message. Values are never mutated after they are
// handed to the post office; the With* helpers return modified copies that
// share the payload slice.
type Message struct {
	// Topic is the concrete topic name the message was published to.
	Topic string
	// Payload is the opaque application payload.
	Payload []byte
	// QoS is the quality of service of this particular delivery.
	QoS byte
	// Retain is set on publishes that update the retained store and on
	// retained messages replayed to new subscribers.
	Retain bool
	// Dup marks a redelivery of a QoS 1/2 message.
	Dup bool
	// PacketID is assigned per recipient session for QoS 1/2 deliveries. On an
	// inbound publish it carries the publisher's packet id.
	PacketID uint16
	// Origin is the client id of the publisher; empty for broker-originated
	// messages.
	Origin string
	// Created is when the broker accepted the message.
	Created time.Time
	// Expiry is an optional absolute expiry; zero means never.
	Expiry time.Time
}

// New creates a message stamped with the current time.
func New(topic string, payload []byte, qos byte, retain bool) Message {
	return Message{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
		Created: time.Now(),
	}
}

// WithDelivery returns a copy addressed to one recipient at the given QoS
// and packet id. The Dup flag is cleared.
func (m Message) WithDelivery(qos byte, packetID uint16) Message {
	m.QoS = qos
	m.PacketID = packetID
	m.Dup = false
	return m
}

// AsDuplicate returns a copy flagged as a redelivery.
func (m Message) AsDuplicate() Message {
	m.Dup = true
	return m
}

// WithRetain returns a copy with the retain flag set to r.
func (m Message) WithRetain(r bool) Message {
	m.Retain = r
	return m
}

// Expired reports whether the message has an expiry that lies before now.
func (m Message) Expired(now time.Time) bool {
	return !m.Expiry.IsZero() && now.After(m.Expiry)
}

// IsClear reports whether the message is a retained-store clear request.
func (m Message) IsClear() bool {
	return m.Retain && len(m.Payload) == 0
}

// MinQoS returns the lower of two QoS levels.
func MinQoS(a, b byte) byte {
	if a < b {
		return a
	}
	return b
}

// ValidQoS reports whether q is 0, 1 or 2.
func ValidQoS(q byte) bool {
	return q <= ExactlyOnce
}

func (m Message) String() string {
	return fmt.Sprintf("Message{topic=%s qos=%d retain=%t dup=%t id=%d len=%d}",
		m.Topic, m.QoS, m.Retain, m.Dup, m.PacketID, len(m.Payload))
}
