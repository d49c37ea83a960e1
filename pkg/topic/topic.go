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

// Package topic provides MQTT topic validation, wildcard matching and the
// concurrent subscription directory used by the broker to route messages.
// Topics are slash separated; filters may use the single-level wildcard '+'
// and, as their last level, the multi-level wildcard '#'.
package topic

import (
	"errors"
	"strings"
	"unicode/utf8"
)

const (
	separator      = '/'
	singleWildcard = "+"
	multiWildcard  = "#"

	maxTopicLength = 65535
)

var (
	// ErrEmptyTopic is returned for zero-length topic names and filters.
	ErrEmptyTopic = errors.New("topic cannot be empty")
	// ErrInvalidTopicName is returned for names containing wildcards, NUL or
	// invalid UTF-8.
	ErrInvalidTopicName = errors.New("invalid topic name")
	// ErrInvalidTopicFilter is returned for filters that misuse wildcards.
	ErrInvalidTopicFilter = errors.New("invalid topic filter")
)

// ValidateName checks that topic is a publishable topic name.
func ValidateName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if len(topic) > maxTopicLength || !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, "+#\x00") {
		return ErrInvalidTopicName
	}
	return nil
}

// ValidateFilter checks that filter is a well formed subscription filter.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}
	if len(filter) > maxTopicLength || !utf8.ValidString(filter) || strings.IndexByte(filter, 0) >= 0 {
		return ErrInvalidTopicFilter
	}

	levels := strings.Split(filter, string(separator))
	for i, level := range levels {
		if strings.Contains(level, singleWildcard) && level != singleWildcard {
			return ErrInvalidTopicFilter
		}
		if strings.Contains(level, multiWildcard) {
			if level != multiWildcard || i != len(levels)-1 {
				return ErrInvalidTopicFilter
			}
		}
	}
	return nil
}

// IsWildcard reports whether filter contains a wildcard level.
func IsWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// Match reports whether topic matches filter. It walks both strings level by
// level without allocating. A trailing '#' also matches the parent level, so
// "a/#" matches "a". Topics starting with '$' are not matched by filters whose
// first level is a wildcard.
func Match(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}
	if topic[0] == '$' && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	fi, ti := 0, 0
	for {
		fend := levelEnd(filter, fi)
		flevel := filter[fi:fend]
		if flevel == multiWildcard {
			return true
		}

		tend := levelEnd(topic, ti)
		if flevel != singleWildcard && flevel != topic[ti:tend] {
			return false
		}

		fdone, tdone := fend == len(filter), tend == len(topic)
		switch {
		case fdone && tdone:
			return true
		case tdone:
			return filter[fend:] == "/#"
		case fdone:
			return false
		}
		fi, ti = fend+1, tend+1
	}
}

// levelEnd returns the index of the separator ending the level that starts
// at from, or len(s).
func levelEnd(s string, from int) int {
	if i := strings.IndexByte(s[from:], separator); i >= 0 {
		return from + i
	}
	return len(s)
}
