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
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map"

	"github.com/turtacn/mqtt-postoffice/pkg/actor"
	"github.com/turtacn/mqtt-postoffice/pkg/logger"
	"github.com/turtacn/mqtt-postoffice/pkg/metrics"
)

// WillPublisher publishes a will on behalf of a client.
type WillPublisher interface {
	PublishWill(clientID string, will Will)
}

// SubscriptionRemover drops every subscription held by a client id. The
// subscription directory satisfies it.
type SubscriptionRemover interface {
	RemoveAll(clientID string) []string
}

// ConnectRequest carries what the registry needs from an accepted CONNECT.
type ConnectRequest struct {
	ClientID string
	Clean    bool
	Conn     Conn
	Will     *Will
}

// Stats counts sessions by state.
type Stats struct {
	Connected int `json:"connected"`
	Parked    int `json:"parked"`
}

// SweepResult reports the work done by one Sweep.
type SweepResult struct {
	Expired int
	Resent  int
	Dropped int
}

// Sweep is the mailbox message that triggers an immediate sweep.
type Sweep struct{}

// entry serializes connects and disconnects for one client id.
type entry struct {
	mu      sync.Mutex
	session *Session
	removed bool
}

// Registry maps client ids to sessions.
type Registry struct {
	cfg     *Config
	entries cmap.ConcurrentMap
	subs    SubscriptionRemover
	logger  *slog.Logger

	willMu sync.RWMutex
	wills  WillPublisher
}

// NewRegistry creates a registry. subs may be nil when subscriptions are
// not tracked.
func NewRegistry(cfg *Config, subs SubscriptionRemover, log *slog.Logger) *Registry {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Registry{
		cfg:     cfg,
		entries: cmap.New(),
		subs:    subs,
		logger:  logger.OrDefault(log).With("component", "sessions"),
	}
}

// Config returns the registry configuration.
func (r *Registry) Config() *Config { return r.cfg }

// SetWillPublisher installs the publisher used for wills.
func (r *Registry) SetWillPublisher(p WillPublisher) {
	r.willMu.Lock()
	r.wills = p
	r.willMu.Unlock()
}

func (r *Registry) willPublisher() WillPublisher {
	r.willMu.RLock()
	defer r.willMu.RUnlock()
	return r.wills
}

// lock returns the locked entry for clientID, creating it if needed.
func (r *Registry) lock(clientID string) *entry {
	for {
		v := r.entries.Upsert(clientID, nil, func(exist bool, valueInMap, _ interface{}) interface{} {
			if exist {
				return valueInMap
			}
			return &entry{}
		})
		e := v.(*entry)
		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// lookup returns the locked existing entry for clientID.
func (r *Registry) lookup(clientID string) (*entry, bool) {
	v, ok := r.entries.Get(clientID)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return nil, false
	}
	return e, true
}

// removeLocked drops the entry from the map. e.mu must be held.
func (r *Registry) removeLocked(clientID string, e *entry) {
	e.removed = true
	e.session = nil
	r.entries.RemoveCb(clientID, func(_ string, v interface{}, exists bool) bool {
		return exists && v == e
	})
}

// destroy marks s destroyed and removes its subscriptions.
func (r *Registry) destroy(s *Session) {
	s.mu.Lock()
	s.destroyLocked()
	s.mu.Unlock()
	if r.subs != nil {
		r.subs.RemoveAll(s.clientID)
	}
}

// Connect binds req.Conn to the session for req.ClientID. An existing
// connection for the same id is closed with ErrSessionTakenOver and its will
// is discarded. A durable session is resumed when both the old session and
// the request are not clean; otherwise a new session replaces it. The
// returned bool reports whether a previous session was resumed.
func (r *Registry) Connect(req ConnectRequest) (*Session, bool, error) {
	if req.ClientID == "" {
		return nil, false, ErrEmptyClientID
	}

	e := r.lock(req.ClientID)
	defer e.mu.Unlock()

	old := e.session
	var evicted Conn
	if old != nil {
		old.mu.Lock()
		if old.conn != nil {
			old.will = nil
			evicted = old.unbindLocked()
		}
		old.mu.Unlock()
	}
	if evicted != nil {
		r.logger.Info("session taken over",
			logger.KeyClientID, req.ClientID,
			logger.KeyRemote, evicted.RemoteAddr())
		evicted.Close(ErrSessionTakenOver)
	}

	s := old
	present := old != nil && !old.Clean() && !req.Clean
	if !present {
		if old != nil {
			r.destroy(old)
		}
		s = newSession(req.ClientID, req.Clean, r.cfg)
		e.session = s
	}

	s.mu.Lock()
	s.bindLocked(req.Conn, req.Will)
	s.mu.Unlock()

	r.logger.Debug("session bound",
		logger.KeyClientID, req.ClientID,
		"clean", req.Clean,
		"present", present)
	return s, present, nil
}

// Disconnect unbinds conn from the session of clientID. It is a no-op when
// conn is no longer the bound connection, for example after a takeover. A
// clean session is destroyed, a durable one parked. The will is published
// when sendWill is set.
func (r *Registry) Disconnect(clientID string, conn Conn, sendWill bool) bool {
	e, ok := r.lookup(clientID)
	if !ok {
		return false
	}

	s := e.session
	if s == nil {
		e.mu.Unlock()
		return false
	}
	s.mu.Lock()
	if s.conn == nil || s.conn != conn {
		s.mu.Unlock()
		e.mu.Unlock()
		return false
	}
	will := s.will
	s.will = nil
	s.unbindLocked()
	clean := s.clean
	s.mu.Unlock()

	if clean {
		r.destroy(s)
		r.removeLocked(clientID, e)
	}
	e.mu.Unlock()

	r.logger.Debug("session unbound",
		logger.KeyClientID, clientID,
		"clean", clean,
		"will", sendWill && will != nil)

	if sendWill && will != nil {
		if p := r.willPublisher(); p != nil {
			p.PublishWill(clientID, *will)
		}
	}
	return true
}

// BindOffline parks a connected durable session without closing its
// connection; subsequent deliveries are queued offline.
func (r *Registry) BindOffline(clientID string) bool {
	e, ok := r.lookup(clientID)
	if !ok {
		return false
	}
	defer e.mu.Unlock()
	s := e.session
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clean || s.conn == nil {
		return false
	}
	s.unbindLocked()
	return true
}

// Kick closes the connection bound to clientID with ErrKicked. The
// connection then disconnects as after any ungraceful close, so the will is
// published. It reports whether a connection was bound.
func (r *Registry) Kick(clientID string) bool {
	s, ok := r.Lookup(clientID)
	if !ok {
		return false
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return false
	}
	r.logger.Info("session kicked", logger.KeyClientID, clientID)
	conn.Close(ErrKicked)
	return true
}

// Lookup returns the session for clientID.
func (r *Registry) Lookup(clientID string) (*Session, bool) {
	v, ok := r.entries.Get(clientID)
	if !ok {
		return nil, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil, false
	}
	return e.session, true
}

// Expire destroys a parked session. Connected sessions are left alone.
func (r *Registry) Expire(clientID string) bool {
	e, ok := r.lookup(clientID)
	if !ok {
		return false
	}
	defer e.mu.Unlock()
	s := e.session
	if s == nil || s.Connected() {
		return false
	}
	r.destroy(s)
	r.removeLocked(clientID, e)
	r.logger.Info("session expired", logger.KeyClientID, clientID)
	return true
}

// Sweep expires parked sessions idle for longer than SessionExpiry and
// re-sends unacknowledged messages of connected sessions.
func (r *Registry) Sweep(now time.Time) SweepResult {
	var res SweepResult
	for _, id := range r.entries.Keys() {
		e, ok := r.lookup(id)
		if !ok {
			continue
		}
		s := e.session
		if s == nil {
			e.mu.Unlock()
			continue
		}
		s.mu.Lock()
		parked := s.conn == nil
		idle := now.Sub(s.lastSeen)
		s.mu.Unlock()

		if parked && r.cfg.SessionExpiry > 0 && idle > r.cfg.SessionExpiry {
			r.destroy(s)
			r.removeLocked(id, e)
			res.Expired++
			r.logger.Info("session expired", logger.KeyClientID, id, "idle", idle)
		} else if !parked {
			resent, dropped := s.retry(now)
			res.Resent += resent
			res.Dropped += dropped
		}
		e.mu.Unlock()
	}

	stats := r.Stats()
	metrics.Sessions.WithLabelValues("connected").Set(float64(stats.Connected))
	metrics.Sessions.WithLabelValues("parked").Set(float64(stats.Parked))
	return res
}

// Stats counts sessions by state.
func (r *Registry) Stats() Stats {
	var st Stats
	for item := range r.entries.IterBuffered() {
		e := item.Val.(*entry)
		e.mu.Lock()
		if s := e.session; s != nil {
			if s.Connected() {
				st.Connected++
			} else {
				st.Parked++
			}
		}
		e.mu.Unlock()
	}
	return st
}

// Sessions returns the client ids that have a session, sorted.
func (r *Registry) Sessions() []string {
	ids := make([]string, 0, r.entries.Count())
	for item := range r.entries.IterBuffered() {
		e := item.Val.(*entry)
		e.mu.Lock()
		if e.session != nil {
			ids = append(ids, item.Key)
		}
		e.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// Start runs the periodic sweep until ctx is done. A Sweep message on mb
// triggers an extra sweep.
func (r *Registry) Start(ctx context.Context, mb *actor.Mailbox) error {
	interval := r.cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.logSweep(r.Sweep(time.Now()))
		case msg := <-mb.Chan():
			if _, ok := msg.(Sweep); ok {
				r.logSweep(r.Sweep(time.Now()))
			}
		}
	}
}

func (r *Registry) logSweep(res SweepResult) {
	if res.Expired+res.Resent+res.Dropped == 0 {
		return
	}
	r.logger.Debug("session sweep",
		"expired", res.Expired,
		"resent", res.Resent,
		"dropped", res.Dropped)
}
