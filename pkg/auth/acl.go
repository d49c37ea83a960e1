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
	"log/slog"
	"strings"

	"github.com/turtacn/mqtt-postoffice/pkg/topic"
)

const (
	// AnyClient matches every client id in a rule.
	AnyClient = "*"
	// ClientPlaceholder is replaced by the client id in rule topics.
	ClientPlaceholder = "%c"
)

// Entry is an uncompiled ACL line as read from a file or table.
type Entry struct {
	Client string `yaml:"client" json:"client"`
	Topic  string `yaml:"topic" json:"topic"`
	Action string `yaml:"action" json:"action"`
	Allow  bool   `yaml:"allow" json:"allow"`
}

// Rule is a compiled ACL rule.
type Rule struct {
	Client string
	Topic  string
	Action Action
	Allow  bool
}

func (r Rule) String() string {
	verdict := "deny"
	if r.Allow {
		verdict = "allow"
	}
	return fmt.Sprintf("%s %s %s %s", verdict, r.Client, r.Action, r.Topic)
}

// ACL is an ordered rule list. The first rule matching the client, topic and
// action decides; if none matches access is denied. An ACL is immutable once
// built.
type ACL struct {
	rules []Rule
}

// NewACL builds an ACL from already valid rules.
func NewACL(rules ...Rule) *ACL {
	return &ACL{rules: append([]Rule(nil), rules...)}
}

// Compile turns entries into an ACL. A malformed entry never aborts
// compilation and only affects its own client and topic: an entry with a
// valid client and topic but a bad action becomes a rule denying every
// action there, and an entry whose client or topic is unusable is dropped.
func Compile(entries []Entry, logger *slog.Logger) *ACL {
	if logger == nil {
		logger = slog.Default()
	}
	rules := make([]Rule, 0, len(entries))
	for i, e := range entries {
		rule, err := compileEntry(e)
		if err != nil {
			deny, ok := denyRuleFor(e)
			if !ok {
				logger.Error("malformed acl entry, dropped", "index", i, "client", e.Client, "topic", e.Topic, "action", e.Action, "err", err)
				continue
			}
			logger.Error("malformed acl entry, denying", "index", i, "client", e.Client, "topic", e.Topic, "action", e.Action, "err", err, "rule", deny.String())
			rule = deny
		}
		rules = append(rules, rule)
	}
	return &ACL{rules: rules}
}

func compileEntry(e Entry) (Rule, error) {
	client := strings.TrimSpace(e.Client)
	if client == "" {
		return Rule{}, fmt.Errorf("empty client")
	}
	action, err := ParseAction(e.Action)
	if err != nil {
		return Rule{}, err
	}
	if err := validateRuleTopic(e.Topic); err != nil {
		return Rule{}, err
	}
	return Rule{Client: client, Topic: e.Topic, Action: action, Allow: e.Allow}, nil
}

func validateRuleTopic(t string) error {
	// Validate with a placeholder-free stand-in so "%c" levels pass.
	return topic.ValidateFilter(strings.ReplaceAll(t, ClientPlaceholder, "c"))
}

// denyRuleFor reports false when the entry's client or topic cannot be
// determined; such an entry has no scope of its own to deny.
func denyRuleFor(e Entry) (Rule, bool) {
	client := strings.TrimSpace(e.Client)
	if client == "" || validateRuleTopic(e.Topic) != nil {
		return Rule{}, false
	}
	return Rule{Client: client, Topic: e.Topic, Action: ReadWrite, Allow: false}, true
}

// Authorize applies the first matching rule.
func (a *ACL) Authorize(clientID, topicName string, action Action) bool {
	for _, r := range a.rules {
		if r.matches(clientID, topicName, action) {
			return r.Allow
		}
	}
	return false
}

func (r Rule) matches(clientID, topicName string, action Action) bool {
	if r.Action&action == 0 {
		return false
	}
	if r.Client != AnyClient && r.Client != clientID {
		return false
	}
	filter := r.Topic
	if strings.Contains(filter, ClientPlaceholder) {
		filter = strings.ReplaceAll(filter, ClientPlaceholder, clientID)
		if topic.ValidateFilter(filter) != nil {
			return false
		}
	}
	return filter == topicName || topic.Match(filter, topicName)
}

// Rules returns a copy of the compiled rules.
func (a *ACL) Rules() []Rule {
	return append([]Rule(nil), a.rules...)
}

// Len returns the number of rules.
func (a *ACL) Len() int {
	return len(a.rules)
}
