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

package interceptor

import (
	"fmt"
	"time"
)

// Kind identifies a broker lifecycle event.
type Kind int

const (
	// Connect fires after a CONNACK accepting the client.
	Connect Kind = iota + 1
	// Disconnect fires when a client sends DISCONNECT.
	Disconnect
	// ConnectionLost fires when a connection ends without DISCONNECT.
	ConnectionLost
	// Publish fires for every routed message.
	Publish
	// PublishDenied fires when a publish is rejected by authorization.
	PublishDenied
	// Subscribe fires for every accepted subscription.
	Subscribe
	// Unsubscribe fires for every removed subscription.
	Unsubscribe
	// Delivered fires when a QoS 1 or 2 delivery is acknowledged.
	Delivered
)

func (k Kind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	case ConnectionLost:
		return "connection_lost"
	case Publish:
		return "publish"
	case PublishDenied:
		return "publish_denied"
	case Subscribe:
		return "subscribe"
	case Unsubscribe:
		return "unsubscribe"
	case Delivered:
		return "delivered"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind returns the Kind whose String form is name.
func ParseKind(name string) (Kind, error) {
	for k := Connect; k <= Delivered; k++ {
		if k.String() == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event kind %q", name)
}

// Event is an immutable notification passed to handlers. Fields that do not
// apply to a Kind are left zero.
type Event struct {
	Kind     Kind
	ClientID string
	Username string
	// Topic is the topic name for publish events and the filter for
	// subscribe and unsubscribe events.
	Topic    string
	Payload  []byte
	QoS      byte
	Retain   bool
	PacketID uint16
	// Clean is the clean-session flag of a Connect.
	Clean bool
	// Reason describes why a connection ended.
	Reason string
	Time   time.Time
}
