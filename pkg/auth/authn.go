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

// Package auth decides who may connect and what they may do once connected.
// Authentication runs once per CONNECT through a Chain of Authenticators;
// authorization is consulted by the post office on every publish, subscribe
// and delivery through an Authorizer.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// HashAlgorithm defines the password hashing algorithm type
type HashAlgorithm string

const (
	// HashPlain represents plain text passwords (not recommended for production)
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 represents salted SHA256 hashed passwords
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt represents bcrypt hashed passwords (recommended)
	HashBcrypt HashAlgorithm = "bcrypt"
)

// AuthResult represents the result of an authentication attempt
type AuthResult int

const (
	// AuthSuccess indicates successful authentication
	AuthSuccess AuthResult = iota
	// AuthFailure indicates authentication failed due to invalid credentials
	AuthFailure
	// AuthError indicates an error occurred during authentication
	AuthError
	// AuthIgnore indicates the authenticator has no opinion
	AuthIgnore
)

// String returns the string representation of AuthResult
func (ar AuthResult) String() string {
	switch ar {
	case AuthSuccess:
		return "success"
	case AuthFailure:
		return "failure"
	case AuthError:
		return "error"
	case AuthIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Authenticator is a single credential check in a Chain.
type Authenticator interface {
	// Authenticate verifies the provided credentials
	Authenticate(username, password string) AuthResult
	// Name returns the name of the authenticator
	Name() string
	// Enabled returns whether the authenticator is enabled
	Enabled() bool
}

// Chain runs authenticators in order. The first success or failure decides;
// errors and ignores fall through to the next authenticator. If every
// authenticator abstains the client is rejected. An empty chain accepts
// everyone, and a disabled chain returns AuthIgnore.
type Chain struct {
	mu             sync.RWMutex
	authenticators []Authenticator
	enabled        bool
	logger         *slog.Logger
}

// NewChain creates an enabled, empty chain.
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		enabled: true,
		logger:  logger.With("component", "authn"),
	}
}

// Add appends an authenticator to the chain
func (c *Chain) Add(a Authenticator) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticators = append(c.authenticators, a)
}

// Authenticate processes authentication through the chain.
func (c *Chain) Authenticate(username, password string) AuthResult {
	c.mu.RLock()
	enabled := c.enabled
	authenticators := c.authenticators
	c.mu.RUnlock()

	if !enabled {
		return AuthIgnore
	}
	if len(authenticators) == 0 {
		return AuthSuccess
	}

	for _, a := range authenticators {
		if !a.Enabled() {
			continue
		}
		result := a.Authenticate(username, password)
		c.logger.Debug("authenticator returned", "authenticator", a.Name(), "username", username, "result", result.String())

		switch result {
		case AuthSuccess:
			return AuthSuccess
		case AuthFailure:
			c.logger.Warn("authentication failed", "authenticator", a.Name(), "username", username)
			return AuthFailure
		case AuthError:
			c.logger.Error("authentication error", "authenticator", a.Name(), "username", username)
		}
	}

	c.logger.Warn("no authenticator accepted credentials", "username", username)
	return AuthFailure
}

// Accept reports whether a client presenting these credentials may connect.
func (c *Chain) Accept(username, password string) bool {
	switch c.Authenticate(username, password) {
	case AuthSuccess, AuthIgnore:
		return true
	default:
		return false
	}
}

// SetEnabled enables or disables the authentication chain
func (c *Chain) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = enabled
}

// IsEnabled returns whether the authentication chain is enabled
func (c *Chain) IsEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.enabled
}

// Clear removes all authenticators from the chain
func (c *Chain) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticators = nil
}

// Count returns the number of authenticators in the chain
func (c *Chain) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.authenticators)
}

// hashPassword creates a hash of the password using the specified algorithm
func hashPassword(password, salt string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return password, nil
	case HashSHA256:
		sum := sha256.Sum256([]byte(salt + password))
		return hex.EncodeToString(sum[:]), nil
	case HashBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// verifyPassword verifies a password against a hash using the specified algorithm
func verifyPassword(password, hash, salt string, algorithm HashAlgorithm) bool {
	switch algorithm {
	case HashPlain:
		return subtle.ConstantTimeCompare([]byte(password), []byte(hash)) == 1
	case HashSHA256:
		expected, err := hashPassword(password, salt, HashSHA256)
		if err != nil {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(expected), []byte(hash)) == 1
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	default:
		return false
	}
}
