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
	"context"
	"log/slog"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/mqtt-postoffice/pkg/logger"
	"github.com/turtacn/mqtt-postoffice/pkg/metrics"
	"github.com/turtacn/mqtt-postoffice/pkg/protocol/mqtt"
)

// Hook observes frames crossing a connection. Hooks must not retain pk or
// block.
type Hook interface {
	PacketReceived(clientID string, pk *packets.Packet)
	PacketSent(clientID string, pk *packets.Packet)
}

// LogHook logs every frame at debug level.
type LogHook struct {
	Logger *slog.Logger
}

// PacketReceived implements Hook.
func (h LogHook) PacketReceived(clientID string, pk *packets.Packet) {
	h.log("packet received", clientID, pk)
}

// PacketSent implements Hook.
func (h LogHook) PacketSent(clientID string, pk *packets.Packet) {
	h.log("packet sent", clientID, pk)
}

func (h LogHook) log(msg, clientID string, pk *packets.Packet) {
	l := logger.OrDefault(h.Logger)
	if !l.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	attrs := []any{
		logger.KeyClientID, clientID,
		"type", mqtt.TypeName(pk.FixedHeader.Type),
	}
	if pk.PacketID != 0 {
		attrs = append(attrs, "packet_id", pk.PacketID)
	}
	if pk.FixedHeader.Type == packets.Publish {
		attrs = append(attrs, logger.KeyTopic, pk.TopicName, "qos", pk.FixedHeader.Qos, "bytes", len(pk.Payload))
	}
	l.Debug(msg, attrs...)
}

// MetricsHook counts frames by type.
type MetricsHook struct{}

// PacketReceived implements Hook.
func (MetricsHook) PacketReceived(_ string, pk *packets.Packet) {
	metrics.PacketsReceived.WithLabelValues(mqtt.TypeName(pk.FixedHeader.Type)).Inc()
}

// PacketSent implements Hook.
func (MetricsHook) PacketSent(_ string, pk *packets.Packet) {
	metrics.PacketsSent.WithLabelValues(mqtt.TypeName(pk.FixedHeader.Type)).Inc()
}

// DefaultHooks returns the hooks installed on every connection.
func DefaultHooks(log *slog.Logger) []Hook {
	return []Hook{LogHook{Logger: log}, MetricsHook{}}
}
