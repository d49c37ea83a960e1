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
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// ErrUserNotFound is returned for operations on unknown users.
var ErrUserNotFound = errors.New("user not found")

// User is a stored credential.
type User struct {
	Username     string        `json:"username" yaml:"username"`
	PasswordHash string        `json:"password_hash" yaml:"password_hash"`
	Algorithm    HashAlgorithm `json:"algorithm" yaml:"algorithm"`
	Salt         string        `json:"salt,omitempty" yaml:"salt,omitempty"`
	Enabled      bool          `json:"enabled" yaml:"enabled"`
}

// MemoryAuthenticator checks username/password pairs against an in-memory
// user table. Unknown usernames are ignored so a later authenticator in the
// chain may handle them.
type MemoryAuthenticator struct {
	mu      sync.RWMutex
	users   map[string]*User
	enabled bool
	logger  *slog.Logger
}

// NewMemoryAuthenticator creates an enabled authenticator with no users.
func NewMemoryAuthenticator(logger *slog.Logger) *MemoryAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryAuthenticator{
		users:   make(map[string]*User),
		enabled: true,
		logger:  logger.With("component", "authn", "authenticator", "memory"),
	}
}

// Name returns the name of this authenticator
func (ma *MemoryAuthenticator) Name() string {
	return "memory"
}

// Enabled returns whether this authenticator is enabled
func (ma *MemoryAuthenticator) Enabled() bool {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return ma.enabled
}

// SetEnabled enables or disables this authenticator
func (ma *MemoryAuthenticator) SetEnabled(enabled bool) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.enabled = enabled
}

func newSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func newUser(username, password string, algorithm HashAlgorithm) (*User, error) {
	salt := ""
	if algorithm == HashSHA256 {
		var err error
		if salt, err = newSalt(); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}
	hash, err := hashPassword(password, salt, algorithm)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	return &User{
		Username:     username,
		PasswordHash: hash,
		Algorithm:    algorithm,
		Salt:         salt,
		Enabled:      true,
	}, nil
}

// AddUser hashes password with algorithm and stores the user, replacing any
// existing entry.
func (ma *MemoryAuthenticator) AddUser(username, password string, algorithm HashAlgorithm) error {
	if username == "" {
		return errors.New("username cannot be empty")
	}
	user, err := newUser(username, password, algorithm)
	if err != nil {
		return err
	}

	ma.mu.Lock()
	ma.users[username] = user
	ma.mu.Unlock()
	ma.logger.Info("added user", "username", username, "algorithm", algorithm)
	return nil
}

// AddHashedUser stores a user whose password is already hashed, as found in
// configuration files.
func (ma *MemoryAuthenticator) AddHashedUser(u User) error {
	if u.Username == "" {
		return errors.New("username cannot be empty")
	}
	switch u.Algorithm {
	case HashPlain, HashSHA256, HashBcrypt:
	default:
		return fmt.Errorf("unsupported hash algorithm: %s", u.Algorithm)
	}
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.users[u.Username] = &u
	return nil
}

// RemoveUser removes a user from the authenticator
func (ma *MemoryAuthenticator) RemoveUser(username string) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()

	if _, exists := ma.users[username]; !exists {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	delete(ma.users, username)
	return nil
}

// UpdateUser replaces an existing user's password.
func (ma *MemoryAuthenticator) UpdateUser(username, password string, algorithm HashAlgorithm) error {
	updated, err := newUser(username, password, algorithm)
	if err != nil {
		return err
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()
	user, exists := ma.users[username]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	updated.Enabled = user.Enabled
	ma.users[username] = updated
	return nil
}

// GetUser returns user information without the password hash.
func (ma *MemoryAuthenticator) GetUser(username string) (*User, error) {
	ma.mu.RLock()
	defer ma.mu.RUnlock()

	user, exists := ma.users[username]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	return &User{
		Username:  user.Username,
		Algorithm: user.Algorithm,
		Enabled:   user.Enabled,
	}, nil
}

// ListUsers returns all usernames in sorted order.
func (ma *MemoryAuthenticator) ListUsers() []string {
	ma.mu.RLock()
	defer ma.mu.RUnlock()

	users := make([]string, 0, len(ma.users))
	for username := range ma.users {
		users = append(users, username)
	}
	sort.Strings(users)
	return users
}

// SetUserEnabled enables or disables a specific user
func (ma *MemoryAuthenticator) SetUserEnabled(username string, enabled bool) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()

	user, exists := ma.users[username]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	user.Enabled = enabled
	return nil
}

// Authenticate verifies the provided credentials
func (ma *MemoryAuthenticator) Authenticate(username, password string) AuthResult {
	ma.mu.RLock()
	enabled := ma.enabled
	user, exists := ma.users[username]
	var u User
	if exists {
		u = *user
	}
	ma.mu.RUnlock()

	if !enabled || username == "" || !exists {
		return AuthIgnore
	}
	if !u.Enabled {
		ma.logger.Warn("user is disabled", "username", username)
		return AuthFailure
	}
	if verifyPassword(password, u.PasswordHash, u.Salt, u.Algorithm) {
		return AuthSuccess
	}
	return AuthFailure
}

// Clear removes all users
func (ma *MemoryAuthenticator) Clear() {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.users = make(map[string]*User)
}

// Count returns the number of users
func (ma *MemoryAuthenticator) Count() int {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return len(ma.users)
}
