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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/mochi-mqtt/server/v2/packets"
)

var (
	// ErrFrameTooLarge is returned for frames exceeding the configured size.
	ErrFrameTooLarge = errors.New("mqtt: frame too large")
	// ErrMalformedPacket wraps decoding failures.
	ErrMalformedPacket = errors.New("mqtt: malformed packet")
	// ErrUnsupportedPacket is returned for packet types the codec cannot
	// encode or decode.
	ErrUnsupportedPacket = errors.New("mqtt: unsupported packet type")
)

// PeekSize is the number of leading bytes CanSupport needs. Every valid
// CONNECT frame is at least this long.
const PeekSize = 14

// ReadPacket reads one frame from r. Frames whose total size exceeds
// maxSize are rejected before the body is read; maxSize <= 0 disables the
// limit. version is the protocol level negotiated by CONNECT and selects
// the property encoding for later packets.
func ReadPacket(r *bufio.Reader, maxSize int, version byte) (*packets.Packet, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	fh := new(packets.FixedHeader)
	if err := fh.Decode(b); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	rem, lenBytes, err := packets.DecodeLength(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	if maxSize > 0 && 1+lenBytes+rem > maxSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, 1+lenBytes+rem)
	}
	fh.Remaining = rem

	buf := make([]byte, rem)
	if rem > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}

	pk := &packets.Packet{FixedHeader: *fh, ProtocolVersion: version}
	switch fh.Type {
	case packets.Connect:
		err = pk.ConnectDecode(buf)
	case packets.Publish:
		err = pk.PublishDecode(buf)
	case packets.Puback:
		err = pk.PubackDecode(buf)
	case packets.Pubrec:
		err = pk.PubrecDecode(buf)
	case packets.Pubrel:
		err = pk.PubrelDecode(buf)
	case packets.Pubcomp:
		err = pk.PubcompDecode(buf)
	case packets.Subscribe:
		err = pk.SubscribeDecode(buf)
	case packets.Unsubscribe:
		err = pk.UnsubscribeDecode(buf)
	case packets.Pingreq:
		err = pk.PingreqDecode(buf)
	case packets.Disconnect:
		err = pk.DisconnectDecode(buf)
	case packets.Connack:
		err = pk.ConnackDecode(buf)
	case packets.Suback:
		err = pk.SubackDecode(buf)
	case packets.Unsuback:
		err = pk.UnsubackDecode(buf)
	case packets.Pingresp:
		err = pk.PingrespDecode(buf)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedPacket, fh.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPacket, TypeName(fh.Type), err)
	}
	return pk, nil
}

// Encode appends the wire form of pk to buf.
func Encode(buf *bytes.Buffer, pk *packets.Packet) error {
	var err error
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectEncode(buf)
	case packets.Connack:
		err = pk.ConnackEncode(buf)
	case packets.Publish:
		err = pk.PublishEncode(buf)
	case packets.Puback:
		err = pk.PubackEncode(buf)
	case packets.Pubrec:
		err = pk.PubrecEncode(buf)
	case packets.Pubrel:
		err = pk.PubrelEncode(buf)
	case packets.Pubcomp:
		err = pk.PubcompEncode(buf)
	case packets.Subscribe:
		err = pk.SubscribeEncode(buf)
	case packets.Suback:
		err = pk.SubackEncode(buf)
	case packets.Unsubscribe:
		err = pk.UnsubscribeEncode(buf)
	case packets.Unsuback:
		err = pk.UnsubackEncode(buf)
	case packets.Pingreq:
		err = pk.PingreqEncode(buf)
	case packets.Pingresp:
		err = pk.PingrespEncode(buf)
	case packets.Disconnect:
		err = pk.DisconnectEncode(buf)
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedPacket, pk.FixedHeader.Type)
	}
	return err
}

// WritePacket encodes pk and writes it to w in one call.
func WritePacket(w io.Writer, pk *packets.Packet) error {
	var buf bytes.Buffer
	if err := Encode(&buf, pk); err != nil {
		return err
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// CanSupport reports whether prefix starts a CONNECT frame for a supported
// protocol name ("MQTT" or "MQIsdp").
func CanSupport(prefix []byte) bool {
	if len(prefix) < 2 || prefix[0] != packets.Connect<<4 {
		return false
	}
	i := 1
	for ; i < len(prefix) && i <= 4; i++ {
		if prefix[i]&0x80 == 0 {
			break
		}
	}
	i++
	if i > 5 || len(prefix) < i+2 {
		return false
	}
	n := int(prefix[i])<<8 | int(prefix[i+1])
	i += 2
	if len(prefix) < i+n {
		return false
	}
	name := string(prefix[i : i+n])
	return name == "MQTT" || name == "MQIsdp"
}
