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

// Package blacklist bans clients by client id, username or peer address and
// bans topics outright. Client bans are checked once per CONNECT; topic bans
// wrap the broker's Authorizer and deny both publish and subscribe.
package blacklist

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emirpasic/gods/queues/circularbuffer"
	"github.com/google/uuid"

	"github.com/turtacn/mqtt-postoffice/pkg/metrics"
	"github.com/turtacn/mqtt-postoffice/pkg/topic"
)

// Kind selects what an entry matches.
type Kind string

// Entry kinds.
const (
	ClientID  Kind = "clientid"
	Username  Kind = "username"
	IPAddress Kind = "ipaddress"
	Topic     Kind = "topic"
)

// RecentBlocks is how many blocks Stats remembers.
const RecentBlocks = 100

var (
	ErrEntryNotFound      = errors.New("blacklist entry not found")
	ErrEntryAlreadyExists = errors.New("blacklist entry already exists")
	ErrInvalidPattern     = errors.New("invalid regex pattern")
	ErrInvalidKind        = errors.New("invalid blacklist kind")
	ErrEmptyValue         = errors.New("blacklist entry needs a value or a pattern")
)

// Entry is one ban.
//
// Value is matched exactly, except that an ipaddress value may be a CIDR
// range and a topic value may be a filter with wildcards. Pattern, when set,
// is a regular expression tried in addition to Value.
type Entry struct {
	ID        string     `json:"id" yaml:"id"`
	Kind      Kind       `json:"kind" yaml:"kind"`
	Value     string     `json:"value,omitempty" yaml:"value,omitempty"`
	Pattern   string     `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Reason    string     `json:"reason,omitempty" yaml:"reason,omitempty"`
	CreatedAt time.Time  `json:"created_at" yaml:"-"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"`

	re      *regexp.Regexp
	network *net.IPNet
}

// Expired reports whether the entry stopped applying at now.
func (e *Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

func (e *Entry) matches(value string) bool {
	switch {
	case e.Kind == Topic && e.Value != "" && topic.Match(e.Value, value):
		return true
	case e.network != nil:
		if ip := net.ParseIP(value); ip != nil && e.network.Contains(ip) {
			return true
		}
	case e.Value != "" && e.Value == value:
		return true
	}
	return e.re != nil && e.re.MatchString(value)
}

// Block records one rejected connection or topic access.
type Block struct {
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	Value   string    `json:"value"`
	EntryID string    `json:"entry_id"`
}

// Stats summarises the list.
type Stats struct {
	Entries      map[Kind]int `json:"entries"`
	TotalBlocks  int64        `json:"total_blocks"`
	RecentBlocks []Block      `json:"recent_blocks"`
}

// Manager holds the ban entries. It is safe for concurrent use.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	byKind  map[Kind][]*Entry

	blocksMu sync.Mutex
	recent   *circularbuffer.Queue
	total    atomic.Int64

	now func() time.Time
}

// NewManager creates an empty ban list.
func NewManager() *Manager {
	return &Manager{
		entries: make(map[string]*Entry),
		byKind:  make(map[Kind][]*Entry),
		recent:  circularbuffer.New(RecentBlocks),
		now:     time.Now,
	}
}

func compile(e *Entry) error {
	switch e.Kind {
	case ClientID, Username, IPAddress, Topic:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, e.Kind)
	}
	if e.Value == "" && e.Pattern == "" {
		return ErrEmptyValue
	}
	e.re, e.network = nil, nil
	if e.Pattern != "" {
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPattern, err)
		}
		e.re = re
	}
	if e.Kind == IPAddress && strings.Contains(e.Value, "/") {
		_, network, err := net.ParseCIDR(e.Value)
		if err != nil {
			return fmt.Errorf("invalid cidr %q: %w", e.Value, err)
		}
		e.network = network
	}
	if e.Kind == Topic && e.Value != "" {
		if err := topic.ValidateFilter(e.Value); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the entry without storing it.
func (e Entry) Validate() error {
	return compile(&e)
}

// Add validates and stores entry, assigning an id when it has none. It
// returns the stored id.
func (m *Manager) Add(entry Entry) (string, error) {
	if err := compile(&entry); err != nil {
		return "", err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[entry.ID]; ok {
		return "", ErrEntryAlreadyExists
	}
	e := &entry
	m.entries[e.ID] = e
	m.byKind[e.Kind] = append(m.byKind[e.Kind], e)
	return e.ID, nil
}

// Ban adds a client id, username or address ban lasting d; zero d never
// expires.
func (m *Manager) Ban(kind Kind, value, reason string, d time.Duration) (string, error) {
	entry := Entry{Kind: kind, Value: value, Reason: reason}
	if d > 0 {
		at := m.now().Add(d)
		entry.ExpiresAt = &at
	}
	return m.Add(entry)
}

// Remove deletes the entry with id.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	m.removeLocked(e)
	return nil
}

func (m *Manager) removeLocked(e *Entry) {
	delete(m.entries, e.ID)
	list := m.byKind[e.Kind]
	for i, x := range list {
		if x == e {
			m.byKind[e.Kind] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
}

// Get returns a copy of the entry with id.
func (m *Manager) Get(id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	if !ok {
		return Entry{}, ErrEntryNotFound
	}
	return *e, nil
}

// List returns the live entries of kind, or of every kind when kind is
// empty, ordered by creation time.
func (m *Manager) List(kind Kind) []Entry {
	now := m.now()
	m.mu.RLock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		if (kind == "" || e.Kind == kind) && !e.Expired(now) {
			out = append(out, *e)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of stored entries, expired ones included.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Manager) find(kind Kind, value string) *Entry {
	now := m.now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.byKind[kind] {
		if !e.Expired(now) && e.matches(value) {
			return e
		}
	}
	return nil
}

// Banned reports whether a client connecting with these identities is
// banned. remoteAddr may carry a port.
func (m *Manager) Banned(clientID, username, remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	checks := []struct {
		kind  Kind
		value string
	}{
		{ClientID, clientID},
		{Username, username},
		{IPAddress, host},
	}
	for _, c := range checks {
		if c.value == "" {
			continue
		}
		if e := m.find(c.kind, c.value); e != nil {
			m.record(e, c.value)
			return true
		}
	}
	return false
}

// TopicBanned reports whether name (a topic or a subscription filter) is
// banned.
func (m *Manager) TopicBanned(name string) bool {
	if e := m.find(Topic, name); e != nil {
		m.record(e, name)
		return true
	}
	return false
}

func (m *Manager) record(e *Entry, value string) {
	m.total.Add(1)
	metrics.BlacklistBlocks.WithLabelValues(string(e.Kind)).Inc()

	m.blocksMu.Lock()
	defer m.blocksMu.Unlock()
	if m.recent.Full() {
		m.recent.Dequeue()
	}
	m.recent.Enqueue(Block{Time: m.now(), Kind: e.Kind, Value: value, EntryID: e.ID})
}

// Stats returns entry counts and the most recent blocks, oldest first.
func (m *Manager) Stats() Stats {
	st := Stats{Entries: make(map[Kind]int), TotalBlocks: m.total.Load()}
	m.mu.RLock()
	for kind, list := range m.byKind {
		if len(list) > 0 {
			st.Entries[kind] = len(list)
		}
	}
	m.mu.RUnlock()

	m.blocksMu.Lock()
	for _, v := range m.recent.Values() {
		st.RecentBlocks = append(st.RecentBlocks, v.(Block))
	}
	m.blocksMu.Unlock()
	return st
}

// CleanupExpired removes entries expired at now and returns how many.
func (m *Manager) CleanupExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Expired(now) {
			m.removeLocked(e)
			n++
		}
	}
	return n
}
