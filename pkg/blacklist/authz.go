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

package blacklist

import (
	"context"
	"log/slog"
	"time"

	"github.com/turtacn/mqtt-postoffice/pkg/actor"
	"github.com/turtacn/mqtt-postoffice/pkg/auth"
	"github.com/turtacn/mqtt-postoffice/pkg/logger"
)

// DefaultCleanupInterval is how often Cleaner drops expired entries.
const DefaultCleanupInterval = time.Minute

// Authorizer denies any access to a banned topic and defers everything else
// to the wrapped Authorizer.
type Authorizer struct {
	bans *Manager
	next auth.Authorizer
}

// NewAuthorizer wraps next, nil meaning auth.PermitAll.
func NewAuthorizer(bans *Manager, next auth.Authorizer) *Authorizer {
	if next == nil {
		next = auth.PermitAll{}
	}
	return &Authorizer{bans: bans, next: next}
}

// Authorize implements auth.Authorizer.
func (a *Authorizer) Authorize(clientID, topicName string, action auth.Action) bool {
	if a.bans.TopicBanned(topicName) {
		return false
	}
	return a.next.Authorize(clientID, topicName, action)
}

// Cleaner periodically removes expired entries. It runs under a
// supervisor; a Cleanup message on its mailbox forces a pass.
type Cleaner struct {
	bans     *Manager
	interval time.Duration
	logger   *slog.Logger
}

// Cleanup asks a running Cleaner for an immediate pass.
type Cleanup struct{}

// NewCleaner creates a Cleaner; interval <= 0 means DefaultCleanupInterval.
func NewCleaner(bans *Manager, interval time.Duration, log *slog.Logger) *Cleaner {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	return &Cleaner{
		bans:     bans,
		interval: interval,
		logger:   logger.OrDefault(log).With("component", "blacklist"),
	}
}

// Start implements actor.Actor.
func (c *Cleaner) Start(ctx context.Context, mb *actor.Mailbox) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.run()
		case msg := <-mb.Chan():
			if _, ok := msg.(Cleanup); ok {
				c.run()
			}
		}
	}
}

func (c *Cleaner) run() {
	if n := c.bans.CleanupExpired(time.Now()); n > 0 {
		c.logger.Info("expired bans removed", "count", n)
	}
}
