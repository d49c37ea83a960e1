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

// Package bridge forwards broker lifecycle events to external systems. The
// Kafka bridge is an interceptor handler that writes one JSON record per
// event through an asynchronous kafka-go writer.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/turtacn/mqtt-postoffice/pkg/interceptor"
	"github.com/turtacn/mqtt-postoffice/pkg/logger"
	"github.com/turtacn/mqtt-postoffice/pkg/metrics"
)

// KafkaHandlerID is the interceptor id of the Kafka bridge.
const KafkaHandlerID = "kafka-bridge"

// DefaultWriteTimeout bounds a single record write.
const DefaultWriteTimeout = 5 * time.Second

var (
	// ErrNoBrokers is returned when no Kafka broker address is configured.
	ErrNoBrokers = errors.New("bridge: no kafka brokers")
	// ErrNoTopic is returned when the Kafka topic is missing.
	ErrNoTopic = errors.New("bridge: no kafka topic")
)

// MessageWriter is the part of *kafka.Writer the bridge uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaOptions configures a Kafka bridge.
type KafkaOptions struct {
	Brokers []string
	Topic   string
	// Kinds limits the forwarded events; empty forwards every kind.
	Kinds []interceptor.Kind
	// Compression is one of none, gzip, snappy, lz4 or zstd.
	Compression  string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	// RequiredAcks is 0 (none), 1 (leader) or -1 (all).
	RequiredAcks int
	Node         string
	Logger       *slog.Logger
}

// Record is the JSON value written for each event. The message key is the
// client id, so every client's events stay in one partition.
type Record struct {
	Kind     string    `json:"kind"`
	Node     string    `json:"node,omitempty"`
	ClientID string    `json:"clientid"`
	Username string    `json:"username,omitempty"`
	Topic    string    `json:"topic,omitempty"`
	Payload  []byte    `json:"payload,omitempty"`
	QoS      byte      `json:"qos"`
	Retain   bool      `json:"retain,omitempty"`
	PacketID uint16    `json:"packet_id,omitempty"`
	Clean    bool      `json:"clean,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

// Kafka is an interceptor handler writing events to a Kafka topic.
type Kafka struct {
	w       MessageWriter
	kinds   map[interceptor.Kind]bool
	node    string
	timeout time.Duration
	logger  *slog.Logger
}

var (
	_ interceptor.Handler = (*Kafka)(nil)
	_ interceptor.Filter  = (*Kafka)(nil)
)

// ParseCompression maps a codec name to its kafka-go value. Empty means
// none.
func ParseCompression(name string) (kafka.Compression, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	default:
		return 0, fmt.Errorf("bridge: unknown compression %q", name)
	}
}

// NewKafka creates a bridge backed by an asynchronous kafka.Writer. The
// writer connects lazily, so an unreachable cluster only shows up as
// logged write failures.
func NewKafka(opts KafkaOptions) (*Kafka, error) {
	if len(opts.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if opts.Topic == "" {
		return nil, ErrNoTopic
	}
	codec, err := ParseCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	log := logger.OrDefault(opts.Logger).With("component", KafkaHandlerID)

	w := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{},
		Compression:  codec,
		BatchSize:    opts.BatchSize,
		BatchTimeout: opts.BatchTimeout,
		WriteTimeout: opts.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(opts.RequiredAcks),
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				metrics.BridgeFailures.WithLabelValues("kafka").Add(float64(len(msgs)))
				log.Warn("kafka write failed", "records", len(msgs), logger.Err(err))
				return
			}
			metrics.BridgeRecords.WithLabelValues("kafka").Add(float64(len(msgs)))
		},
	}
	return NewKafkaWithWriter(w, opts), nil
}

// NewKafkaWithWriter creates a bridge over an existing writer. Brokers,
// Topic and the writer tuning fields of opts are ignored.
func NewKafkaWithWriter(w MessageWriter, opts KafkaOptions) *Kafka {
	k := &Kafka{
		w:       w,
		node:    opts.Node,
		timeout: opts.WriteTimeout,
		logger:  logger.OrDefault(opts.Logger).With("component", KafkaHandlerID),
	}
	if k.timeout <= 0 {
		k.timeout = DefaultWriteTimeout
	}
	if len(opts.Kinds) > 0 {
		k.kinds = make(map[interceptor.Kind]bool, len(opts.Kinds))
		for _, kind := range opts.Kinds {
			k.kinds[kind] = true
		}
	}
	return k
}

// ID implements interceptor.Handler.
func (k *Kafka) ID() string { return KafkaHandlerID }

// Intercepts implements interceptor.Filter.
func (k *Kafka) Intercepts(kind interceptor.Kind) bool {
	return k.kinds == nil || k.kinds[kind]
}

// OnEvent implements interceptor.Handler.
func (k *Kafka) OnEvent(ev interceptor.Event) error {
	value, err := json.Marshal(NewRecord(ev, k.node))
	if err != nil {
		return fmt.Errorf("bridge: encode %s event: %w", ev.Kind, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	return k.w.WriteMessages(ctx, kafka.Message{
		Key:     []byte(ev.ClientID),
		Value:   value,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(ev.Kind.String())}},
		Time:    ev.Time,
	})
}

// Close flushes pending records and closes the writer.
func (k *Kafka) Close() error {
	return k.w.Close()
}

// NewRecord converts ev into its wire record.
func NewRecord(ev interceptor.Event, node string) Record {
	return Record{
		Kind:     ev.Kind.String(),
		Node:     node,
		ClientID: ev.ClientID,
		Username: ev.Username,
		Topic:    ev.Topic,
		Payload:  ev.Payload,
		QoS:      ev.QoS,
		Retain:   ev.Retain,
		PacketID: ev.PacketID,
		Clean:    ev.Clean,
		Reason:   ev.Reason,
		Time:     ev.Time,
	}
}
