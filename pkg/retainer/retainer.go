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

// Package retainer keeps the last retained message per topic and replays
// matching entries to new subscribers.
package retainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/turtacn/mqtt-postoffice/pkg/actor"
	"github.com/turtacn/mqtt-postoffice/pkg/message"
	"github.com/turtacn/mqtt-postoffice/pkg/metrics"
	"github.com/turtacn/mqtt-postoffice/pkg/topic"
)

var (
	// ErrPayloadTooLarge is returned when a retained payload exceeds MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("retained payload too large")
	// ErrStoreFull is returned when MaxRetainedMessages would be exceeded.
	ErrStoreFull = errors.New("retained store full")
)

// Config defines retainer configuration.
type Config struct {
	// Message retention time, 0 means no expiry
	MessageExpiryInterval time.Duration `yaml:"message_expiry_interval" json:"message_expiry_interval"`

	// Maximum payload size allowed, 0 means unlimited
	MaxPayloadSize int64 `yaml:"max_payload_size" json:"max_payload_size"`

	// Whether to stop routing clear messages (empty payload with retain=true)
	// to current subscribers
	StopPublishClearMsg bool `yaml:"stop_publish_clear_msg" json:"stop_publish_clear_msg"`

	// Maximum number of retained messages, 0 means unlimited
	MaxRetainedMessages uint64 `yaml:"max_retained_messages" json:"max_retained_messages"`

	// Cleanup interval for expired messages, 0 disables the sweep
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// DefaultConfig returns a default retainer configuration.
func DefaultConfig() *Config {
	return &Config{
		MessageExpiryInterval: 0,
		MaxPayloadSize:        1024 * 1024,
		StopPublishClearMsg:   false,
		MaxRetainedMessages:   10000,
		CleanupInterval:       5 * time.Minute,
	}
}

// Stats provides retainer statistics.
type Stats struct {
	RetainedMessages uint64        `json:"retained_messages"`
	TotalSize        uint64        `json:"total_size_bytes"`
	MaxMessages      uint64        `json:"max_messages"`
	MaxPayloadSize   int64         `json:"max_payload_size"`
	ExpiryInterval   time.Duration `json:"expiry_interval"`
}

// Cleanup asks a running retainer to sweep expired messages immediately.
type Cleanup struct{}

// Retainer manages retained messages. Reads take a shared lock and never
// block on I/O.
type Retainer struct {
	config *Config
	logger *slog.Logger

	mu       sync.RWMutex
	messages map[string]message.Message
	size     uint64
}

// New creates a new retainer instance.
func New(config *Config, logger *slog.Logger) *Retainer {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retainer{
		config:   config,
		logger:   logger.With("component", "retainer"),
		messages: make(map[string]message.Message),
	}
}

// Config returns the retainer configuration.
func (r *Retainer) Config() *Config {
	return r.config
}

// Store records msg as the retained message for its topic. An empty payload
// clears the topic instead.
func (r *Retainer) Store(msg message.Message) error {
	if len(msg.Payload) == 0 {
		r.Delete(msg.Topic)
		return nil
	}
	if r.config.MaxPayloadSize > 0 && int64(len(msg.Payload)) > r.config.MaxPayloadSize {
		return fmt.Errorf("%w: %d exceeds %d", ErrPayloadTooLarge, len(msg.Payload), r.config.MaxPayloadSize)
	}

	msg.Retain = true
	msg.Dup = false
	msg.PacketID = 0
	if msg.Created.IsZero() {
		msg.Created = time.Now()
	}
	if r.config.MessageExpiryInterval > 0 && msg.Expiry.IsZero() {
		msg.Expiry = msg.Created.Add(r.config.MessageExpiryInterval)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev, exists := r.messages[msg.Topic]
	if !exists && r.config.MaxRetainedMessages > 0 && uint64(len(r.messages)) >= r.config.MaxRetainedMessages {
		return fmt.Errorf("%w: limit %d reached", ErrStoreFull, r.config.MaxRetainedMessages)
	}
	if exists {
		r.size -= uint64(len(prev.Payload))
	}
	r.messages[msg.Topic] = msg
	r.size += uint64(len(msg.Payload))
	metrics.RetainedMessages.Set(float64(len(r.messages)))

	r.logger.Debug("stored retained message", "topic", msg.Topic, "size", len(msg.Payload))
	return nil
}

// Delete removes the retained message of topic. It reports whether one existed.
func (r *Retainer) Delete(topicName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(topicName)
}

func (r *Retainer) deleteLocked(topicName string) bool {
	prev, ok := r.messages[topicName]
	if !ok {
		return false
	}
	delete(r.messages, topicName)
	r.size -= uint64(len(prev.Payload))
	metrics.RetainedMessages.Set(float64(len(r.messages)))
	r.logger.Debug("deleted retained message", "topic", topicName)
	return true
}

// Get returns the retained message of an exact topic.
func (r *Retainer) Get(topicName string) (message.Message, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	msg, ok := r.messages[topicName]
	if !ok || msg.Expired(time.Now()) {
		return message.Message{}, false
	}
	return msg, true
}

// Match returns the unexpired retained messages whose topic matches filter,
// ordered by topic.
func (r *Retainer) Match(filter string) []message.Message {
	now := time.Now()

	r.mu.RLock()
	var out []message.Message
	if !topic.IsWildcard(filter) {
		if msg, ok := r.messages[filter]; ok && !msg.Expired(now) {
			out = append(out, msg)
		}
	} else {
		for name, msg := range r.messages {
			if topic.Match(filter, name) && !msg.Expired(now) {
				out = append(out, msg)
			}
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

// Len returns the number of retained messages, expired ones included until
// the next cleanup.
func (r *Retainer) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}

// GetStats returns retainer statistics.
func (r *Retainer) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		RetainedMessages: uint64(len(r.messages)),
		TotalSize:        r.size,
		MaxMessages:      r.config.MaxRetainedMessages,
		MaxPayloadSize:   r.config.MaxPayloadSize,
		ExpiryInterval:   r.config.MessageExpiryInterval,
	}
}

// CleanupExpired removes messages that expired before now and returns how
// many were removed.
func (r *Retainer) CleanupExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	deleted := 0
	for name, msg := range r.messages {
		if msg.Expired(now) && r.deleteLocked(name) {
			deleted++
		}
	}
	if deleted > 0 {
		r.logger.Info("cleanup completed", "deleted", deleted)
	}
	return deleted
}

// Start runs the periodic cleanup until ctx is cancelled. A Cleanup message
// on mb triggers an immediate sweep. It implements actor.Actor so the sweep
// can run under a supervisor.
func (r *Retainer) Start(ctx context.Context, mb *actor.Mailbox) error {
	var tick <-chan time.Time
	if r.config.CleanupInterval > 0 {
		ticker := time.NewTicker(r.config.CleanupInterval)
		defer ticker.Stop()
		tick = ticker.C
		r.logger.Info("started retained message cleanup", "interval", r.config.CleanupInterval)
	}

	var inbox <-chan any
	if mb != nil {
		inbox = mb.Chan()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tick:
			r.CleanupExpired(now)
		case msg := <-inbox:
			if _, ok := msg.(Cleanup); ok {
				r.CleanupExpired(time.Now())
			}
		}
	}
}
