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

package retainer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/mqtt-postoffice/pkg/actor"
	"github.com/turtacn/mqtt-postoffice/pkg/logger"
	"github.com/turtacn/mqtt-postoffice/pkg/message"
)

func createTestRetainer(t *testing.T, mutate func(*Config)) *Retainer {
	t.Helper()
	config := DefaultConfig()
	if mutate != nil {
		mutate(config)
	}
	return New(config, logger.Discard())
}

func retained(topicName, payload string, qos byte) message.Message {
	msg := message.New(topicName, []byte(payload), qos, true)
	msg.Origin = "test-client"
	return msg
}

func TestRetainerStoreAndMatch(t *testing.T) {
	r := createTestRetainer(t, nil)

	require.NoError(t, r.Store(retained("test/retained", "hello world", 1)))

	msgs := r.Match("test/retained")
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, "test/retained", msg.Topic)
	assert.Equal(t, []byte("hello world"), msg.Payload)
	assert.Equal(t, byte(1), msg.QoS)
	assert.True(t, msg.Retain)
	assert.Equal(t, "test-client", msg.Origin)
	assert.False(t, msg.Created.IsZero())

	got, ok := r.Get("test/retained")
	assert.True(t, ok)
	assert.Equal(t, msg, got)
}

func TestRetainerReplacesPerTopic(t *testing.T) {
	r := createTestRetainer(t, nil)
	require.NoError(t, r.Store(retained("a/b", "v1", 0)))
	require.NoError(t, r.Store(retained("a/b", "v2", 1)))

	assert.Equal(t, 1, r.Len())
	msg, ok := r.Get("a/b")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), msg.Payload)
	assert.Equal(t, uint64(2), r.GetStats().TotalSize)
}

func TestRetainerWildcardMatchOrdered(t *testing.T) {
	r := createTestRetainer(t, nil)
	for _, name := range []string{"sensors/b/temp", "sensors/a/temp", "sensors/a/humidity", "other/x"} {
		require.NoError(t, r.Store(retained(name, name, 0)))
	}

	var topics []string
	for _, m := range r.Match("sensors/#") {
		topics = append(topics, m.Topic)
	}
	assert.Equal(t, []string{"sensors/a/humidity", "sensors/a/temp", "sensors/b/temp"}, topics)

	topics = topics[:0]
	for _, m := range r.Match("sensors/+/temp") {
		topics = append(topics, m.Topic)
	}
	assert.Equal(t, []string{"sensors/a/temp", "sensors/b/temp"}, topics)
	assert.Empty(t, r.Match("nothing/#"))
}

func TestRetainerClearWithEmptyPayload(t *testing.T) {
	r := createTestRetainer(t, nil)
	require.NoError(t, r.Store(retained("test/delete", "test", 0)))
	require.Len(t, r.Match("test/delete"), 1)

	require.NoError(t, r.Store(retained("test/delete", "", 0)))
	assert.Empty(t, r.Match("test/delete"))
	assert.Empty(t, r.Match("test/#"))
	assert.Zero(t, r.GetStats().TotalSize)
}

func TestRetainerExplicitDelete(t *testing.T) {
	r := createTestRetainer(t, nil)
	require.NoError(t, r.Store(retained("test/explicit/delete", "test", 0)))

	assert.True(t, r.Delete("test/explicit/delete"))
	assert.False(t, r.Delete("test/explicit/delete"))
	assert.Empty(t, r.Match("test/explicit/delete"))
}

func TestRetainerPayloadSizeLimit(t *testing.T) {
	r := createTestRetainer(t, func(c *Config) { c.MaxPayloadSize = 10 })

	err := r.Store(retained("test/large", string(make([]byte, 20)), 0))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Empty(t, r.Match("test/large"))
}

func TestRetainerMessageExpiry(t *testing.T) {
	r := createTestRetainer(t, func(c *Config) { c.MessageExpiryInterval = 50 * time.Millisecond })

	require.NoError(t, r.Store(retained("test/expiry", "expiring", 0)))
	assert.Len(t, r.Match("test/expiry"), 1)

	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, r.Match("test/expiry"), "expired message should be filtered out")
	_, ok := r.Get("test/expiry")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len(), "expired entry stays until cleanup")
	assert.Equal(t, 1, r.CleanupExpired(time.Now()))
	assert.Zero(t, r.Len())
}

func TestRetainerMaxRetainedMessages(t *testing.T) {
	r := createTestRetainer(t, func(c *Config) { c.MaxRetainedMessages = 2 })

	require.NoError(t, r.Store(retained("test/1", "1", 0)))
	require.NoError(t, r.Store(retained("test/2", "2", 0)))

	err := r.Store(retained("test/3", "3", 0))
	assert.ErrorIs(t, err, ErrStoreFull)

	// Replacing an existing topic is still allowed at the limit.
	assert.NoError(t, r.Store(retained("test/2", "22", 0)))
}

func TestRetainerStats(t *testing.T) {
	r := createTestRetainer(t, nil)
	assert.Equal(t, uint64(0), r.GetStats().RetainedMessages)

	require.NoError(t, r.Store(retained("test/stats/1", "1", 0)))
	require.NoError(t, r.Store(retained("test/stats/2", "2", 1)))

	stats := r.GetStats()
	assert.Equal(t, uint64(2), stats.RetainedMessages)
	assert.Equal(t, r.Config().MaxRetainedMessages, stats.MaxMessages)
	assert.Equal(t, r.Config().MaxPayloadSize, stats.MaxPayloadSize)
}

func TestRetainerCleanupRoutine(t *testing.T) {
	r := createTestRetainer(t, func(c *Config) {
		c.MessageExpiryInterval = 50 * time.Millisecond
		c.CleanupInterval = 25 * time.Millisecond
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx, actor.NewMailbox(1)) }()

	require.NoError(t, r.Store(retained("test/cleanup", "expiring", 0)))
	assert.Equal(t, uint64(1), r.GetStats().RetainedMessages)

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRetainerCleanupOnDemand(t *testing.T) {
	r := createTestRetainer(t, func(c *Config) {
		c.MessageExpiryInterval = time.Millisecond
		c.CleanupInterval = 0
	})
	mb := actor.NewMailbox(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Start(ctx, mb) }()

	require.NoError(t, r.Store(retained("test/now", "x", 0)))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, mb.Send(Cleanup{}))

	assert.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRetainerConcurrentAccess(t *testing.T) {
	r := createTestRetainer(t, nil)
	const numGoroutines = 10
	const messagesPerGoroutine = 10

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < messagesPerGoroutine; j++ {
				name := fmt.Sprintf("concurrent/%d/%d", id, j)
				assert.NoError(t, r.Store(retained(name, name, 0)))
			}
		}(i)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < messagesPerGoroutine; j++ {
				r.Match(fmt.Sprintf("concurrent/%d/+", id))
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.Match("#"), numGoroutines*messagesPerGoroutine)
}
