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

package mqtt

import (
	"errors"
	"fmt"

	"github.com/mochi-mqtt/server/v2/packets"
)

var (
	// ErrExpectedConnect is returned when the first frame is not CONNECT.
	ErrExpectedConnect = errors.New("mqtt: first packet must be CONNECT")
	// ErrSecondConnect is returned for a CONNECT on a connected session.
	ErrSecondConnect = errors.New("mqtt: duplicate CONNECT")
	// ErrUnexpectedPacket is returned for packets a client must not send.
	ErrUnexpectedPacket = errors.New("mqtt: unexpected packet from client")
	// ErrClosed is returned for frames after DISCONNECT.
	ErrClosed = errors.New("mqtt: connection closed")
)

// State of a client connection.
type State int

// Connection states.
const (
	AwaitingConnect State = iota
	Connected
	Disconnected
)

func (s State) String() string {
	switch s {
	case AwaitingConnect:
		return "awaiting_connect"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Action is what the connection must do with an accepted frame.
type Action int

// Actions.
const (
	ActNone Action = iota
	ActConnect
	ActPublish
	ActPuback
	ActPubrec
	ActPubrel
	ActPubcomp
	ActSubscribe
	ActUnsubscribe
	ActPing
	ActDisconnect
)

var connectedActions = map[byte]Action{
	packets.Publish:     ActPublish,
	packets.Puback:      ActPuback,
	packets.Pubrec:      ActPubrec,
	packets.Pubrel:      ActPubrel,
	packets.Pubcomp:     ActPubcomp,
	packets.Subscribe:   ActSubscribe,
	packets.Unsubscribe: ActUnsubscribe,
	packets.Pingreq:     ActPing,
	packets.Disconnect:  ActDisconnect,
}

// Transition applies an inbound packet type to state. On error the
// connection must be closed.
func Transition(state State, packetType byte) (State, Action, error) {
	switch state {
	case AwaitingConnect:
		if packetType != packets.Connect {
			return Disconnected, ActNone, ErrExpectedConnect
		}
		return Connected, ActConnect, nil
	case Connected:
		if packetType == packets.Connect {
			return Disconnected, ActNone, ErrSecondConnect
		}
		act, ok := connectedActions[packetType]
		if !ok {
			return Disconnected, ActNone, fmt.Errorf("%w: %s", ErrUnexpectedPacket, TypeName(packetType))
		}
		if act == ActDisconnect {
			return Disconnected, act, nil
		}
		return Connected, act, nil
	default:
		return Disconnected, ActNone, ErrClosed
	}
}
