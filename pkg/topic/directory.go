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

package topic

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map"
)

// ErrEmptyClientID is returned when a subscription has no owner.
var ErrEmptyClientID = errors.New("subscription client id cannot be empty")

// Subscription is a single client's interest in a topic filter. There is at
// most one Subscription per (ClientID, Filter) pair.
type Subscription struct {
	ClientID string
	Filter   string
	QoS      byte
}

// Directory is a concurrent index from topic filters to subscriptions. It is
// a trie keyed by filter level; '+' and '#' are ordinary child edges that the
// matcher treats specially. Every node carries its own lock and no trie
// operation other than pruning holds more than one node lock at a time.
// Pruning locks a parent before its child and marks the child dead, and an
// insert that reaches a dead node restarts from the root. Changes for one
// client hold that client's index lock across the trie update, so the index
// always lists exactly the client's filters in the trie.
type Directory struct {
	root    *node
	clients cmap.ConcurrentMap // client id -> *clientIndex
	count   atomic.Int64
}

type node struct {
	mu       sync.RWMutex
	parent   *node
	level    string
	children map[string]*node
	subs     map[string]Subscription // keyed by client id
	dead     bool
}

type clientIndex struct {
	mu      sync.Mutex
	filters map[string]byte
	dead    bool
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{
		root:    newNode(nil, ""),
		clients: cmap.New(),
	}
}

func newNode(parent *node, level string) *node {
	return &node{
		parent:   parent,
		level:    level,
		children: make(map[string]*node),
		subs:     make(map[string]Subscription),
	}
}

// Add inserts sub, replacing the QoS of an existing subscription for the same
// client and filter. It reports whether an existing subscription was
// replaced.
func (d *Directory) Add(sub Subscription) (bool, error) {
	if sub.ClientID == "" {
		return false, ErrEmptyClientID
	}
	if err := ValidateFilter(sub.Filter); err != nil {
		return false, err
	}

	levels := strings.Split(sub.Filter, string(separator))
	idx := d.lockIndex(sub.ClientID)
	defer idx.mu.Unlock()
	for {
		replaced, ok := d.insert(levels, sub)
		if !ok {
			// Raced with a prune of a node on the path.
			continue
		}
		if !replaced {
			d.count.Add(1)
		}
		idx.filters[sub.Filter] = sub.QoS
		return replaced, nil
	}
}

func (d *Directory) insert(levels []string, sub Subscription) (replaced bool, ok bool) {
	n := d.root
	for _, level := range levels {
		if n = n.child(level); n == nil {
			return false, false
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dead {
		return false, false
	}
	_, replaced = n.subs[sub.ClientID]
	n.subs[sub.ClientID] = sub
	return replaced, true
}

// child returns the child for level, creating it if needed. It returns nil
// if n has been pruned.
func (n *node) child(level string) *node {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.dead {
		return nil
	}
	c, ok := n.children[level]
	if !ok {
		c = newNode(n, level)
		n.children[level] = c
	}
	return c
}

// Remove deletes the subscription of clientID on filter. It reports whether a
// subscription existed.
func (d *Directory) Remove(clientID, filter string) bool {
	v, ok := d.clients.Get(clientID)
	if !ok {
		return false
	}
	idx := v.(*clientIndex)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.dead {
		return false
	}
	if _, ok := idx.filters[filter]; !ok {
		return false
	}
	removed := d.remove(clientID, filter)
	delete(idx.filters, filter)
	if len(idx.filters) == 0 {
		idx.dead = true
		d.clients.RemoveCb(clientID, func(_ string, v interface{}, exists bool) bool {
			return exists && v == idx
		})
	}
	return removed
}

func (d *Directory) remove(clientID, filter string) bool {
	n := d.root
	for _, level := range strings.Split(filter, string(separator)) {
		n.mu.RLock()
		c := n.children[level]
		n.mu.RUnlock()
		if c == nil {
			return false
		}
		n = c
	}

	n.mu.Lock()
	_, ok := n.subs[clientID]
	delete(n.subs, clientID)
	n.mu.Unlock()
	if !ok {
		return false
	}
	d.count.Add(-1)
	d.prune(n)
	return true
}

// prune removes empty nodes from n upwards.
func (d *Directory) prune(n *node) {
	for n != d.root {
		p := n.parent
		p.mu.Lock()
		n.mu.Lock()
		removable := !n.dead && len(n.subs) == 0 && len(n.children) == 0 && p.children[n.level] == n
		if removable {
			n.dead = true
			delete(p.children, n.level)
		}
		n.mu.Unlock()
		p.mu.Unlock()
		if !removable {
			return
		}
		n = p
	}
}

// RemoveAll deletes every subscription owned by clientID and returns the
// removed filters.
func (d *Directory) RemoveAll(clientID string) []string {
	var idx *clientIndex
	d.clients.RemoveCb(clientID, func(_ string, v interface{}, exists bool) bool {
		if !exists {
			return false
		}
		idx = v.(*clientIndex)
		return true
	})
	if idx == nil {
		return nil
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.dead = true
	removed := make([]string, 0, len(idx.filters))
	for f := range idx.filters {
		if d.remove(clientID, f) {
			removed = append(removed, f)
		}
	}
	idx.filters = make(map[string]byte)
	sort.Strings(removed)
	return removed
}

// Match returns every subscription whose filter matches topic. A client
// subscribed through several matching filters appears once per filter.
func (d *Directory) Match(topic string) []Subscription {
	if topic == "" {
		return nil
	}
	var out []Subscription
	d.root.match(strings.Split(topic, string(separator)), 0, topic[0] == '$', &out)
	return out
}

func (n *node) match(levels []string, i int, system bool, out *[]Subscription) {
	var hash, plus, exact *node

	n.mu.RLock()
	if !system || i > 0 {
		hash = n.children[multiWildcard]
		plus = n.children[singleWildcard]
	}
	if i == len(levels) {
		for _, s := range n.subs {
			*out = append(*out, s)
		}
	} else {
		exact = n.children[levels[i]]
	}
	n.mu.RUnlock()

	if hash != nil {
		hash.collect(out)
	}
	if i == len(levels) {
		return
	}
	if exact != nil {
		exact.match(levels, i+1, system, out)
	}
	if plus != nil {
		plus.match(levels, i+1, system, out)
	}
}

func (n *node) collect(out *[]Subscription) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, s := range n.subs {
		*out = append(*out, s)
	}
}

// Subscriptions returns the subscriptions owned by clientID, sorted by filter.
func (d *Directory) Subscriptions(clientID string) []Subscription {
	v, ok := d.clients.Get(clientID)
	if !ok {
		return nil
	}
	idx := v.(*clientIndex)
	idx.mu.Lock()
	out := make([]Subscription, 0, len(idx.filters))
	for f, q := range idx.filters {
		out = append(out, Subscription{ClientID: clientID, Filter: f, QoS: q})
	}
	idx.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Filter < out[j].Filter })
	return out
}

// Len returns the number of subscriptions in the directory.
func (d *Directory) Len() int {
	return int(d.count.Load())
}

// lockIndex returns the live index of clientID, creating it if needed, with
// its lock held.
func (d *Directory) lockIndex(clientID string) *clientIndex {
	for {
		v := d.clients.Upsert(clientID, nil, func(exist bool, inMap interface{}, _ interface{}) interface{} {
			if exist {
				return inMap
			}
			return &clientIndex{filters: make(map[string]byte)}
		})
		idx := v.(*clientIndex)
		idx.mu.Lock()
		if !idx.dead {
			return idx
		}
		idx.mu.Unlock()
	}
}
