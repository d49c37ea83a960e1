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

package auth

import (
	"fmt"
	"strings"
)

// Action is the kind of access being authorized.
type Action int

const (
	// Read covers subscribing and receiving messages.
	Read Action = 1 << iota
	// Write covers publishing.
	Write
	// ReadWrite matches both actions in ACL rules.
	ReadWrite = Read | Write
)

// String returns the string representation of the action.
func (a Action) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	case ReadWrite:
		return "readwrite"
	default:
		return "unknown"
	}
}

// ParseAction parses read, write or readwrite (also "pubsub", "publish",
// "subscribe").
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read", "subscribe", "sub":
		return Read, nil
	case "write", "publish", "pub":
		return Write, nil
	case "readwrite", "pubsub", "all":
		return ReadWrite, nil
	default:
		return 0, fmt.Errorf("unknown action %q", s)
	}
}

// Authorizer decides whether a client may perform action on a topic. For
// Write the topic is a concrete topic name; for Read it is either a
// subscription filter or, at delivery time, the concrete topic.
type Authorizer interface {
	Authorize(clientID, topic string, action Action) bool
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(clientID, topic string, action Action) bool

// Authorize calls f.
func (f AuthorizerFunc) Authorize(clientID, topic string, action Action) bool {
	return f(clientID, topic, action)
}

// PermitAll allows every action.
type PermitAll struct{}

// Authorize always allows the action.
func (PermitAll) Authorize(string, string, Action) bool { return true }

// DenyAll denies every action.
type DenyAll struct{}

// Authorize always denies the action.
func (DenyAll) Authorize(string, string, Action) bool { return false }
