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

package session

import (
	"errors"
	"time"
)

var (
	// ErrEmptyClientID is returned by Connect for a missing client id.
	ErrEmptyClientID = errors.New("session: empty client id")
	// ErrSessionClosed is returned for operations on a destroyed session.
	ErrSessionClosed = errors.New("session: closed")
	// ErrNotConnected is returned when an operation needs a bound session.
	ErrNotConnected = errors.New("session: not connected")
	// ErrSessionTakenOver is the reason given to a connection evicted by a
	// newer connection with the same client id.
	ErrSessionTakenOver = errors.New("session: taken over by a new connection")
	// ErrSlowConsumer is the reason given to a connection whose outbound
	// queue stayed full for longer than the slow-consumer timeout.
	ErrSlowConsumer = errors.New("session: slow consumer")
	// ErrKicked is the reason given to a connection closed by Kick.
	ErrKicked = errors.New("session: kicked by an administrator")
	// ErrPacketIDsExhausted is returned when every packet id is inflight.
	ErrPacketIDsExhausted = errors.New("session: no free packet identifier")
)

// Defaults.
const (
	DefaultOutboundQueueSize   = 256
	DefaultSlowConsumerTimeout = 5 * time.Second
	DefaultMaxOfflineMessages  = 1000
	DefaultSweepInterval       = 30 * time.Second
)

// Config defines session behaviour shared by every session of a registry.
type Config struct {
	// Capacity of each connection's outbound mailbox
	OutboundQueueSize int `yaml:"outbound_queue_size" json:"outbound_queue_size"`

	// How long a delivery may wait for outbound space before the subscriber
	// is disconnected as a slow consumer
	SlowConsumerTimeout time.Duration `yaml:"slow_consumer_timeout" json:"slow_consumer_timeout"`

	// Maximum number of messages queued for a parked session; the oldest is
	// dropped on overflow
	MaxOfflineMessages int `yaml:"max_offline_messages" json:"max_offline_messages"`

	// How long a parked durable session is kept, 0 means forever
	SessionExpiry time.Duration `yaml:"session_expiry" json:"session_expiry"`

	// Interval for re-sending unacknowledged QoS 1/2 messages to connected
	// clients, 0 disables retries
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`

	// Maximum number of retries per message, 0 means unlimited
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// Interval of the registry sweep
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultConfig returns a default session configuration.
func DefaultConfig() *Config {
	return &Config{
		OutboundQueueSize:   DefaultOutboundQueueSize,
		SlowConsumerTimeout: DefaultSlowConsumerTimeout,
		MaxOfflineMessages:  DefaultMaxOfflineMessages,
		SessionExpiry:       0,
		RetryInterval:       0,
		MaxRetries:          3,
		SweepInterval:       DefaultSweepInterval,
	}
}

func (c *Config) offlineLimit() int {
	if c.MaxOfflineMessages <= 0 {
		return DefaultMaxOfflineMessages
	}
	return c.MaxOfflineMessages
}

// MailboxSize returns the outbound mailbox capacity to use for new
// connections.
func (c *Config) MailboxSize() int {
	if c.OutboundQueueSize <= 0 {
		return DefaultOutboundQueueSize
	}
	return c.OutboundQueueSize
}
