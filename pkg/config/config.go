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

// Package config provides configuration management for the post office:
// listener addresses, protocol limits, session and retained-message policy,
// authentication users, the ACL source, the ban list and logging.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/turtacn/mqtt-postoffice/pkg/auth"
	"github.com/turtacn/mqtt-postoffice/pkg/blacklist"
	"github.com/turtacn/mqtt-postoffice/pkg/bridge"
	"github.com/turtacn/mqtt-postoffice/pkg/interceptor"
	"github.com/turtacn/mqtt-postoffice/pkg/logger"
	"github.com/turtacn/mqtt-postoffice/pkg/retainer"
	"github.com/turtacn/mqtt-postoffice/pkg/session"
)

// ErrUnsupportedFormat is returned for config files that are neither YAML
// nor JSON.
var ErrUnsupportedFormat = errors.New("unsupported config file format (supported: .yaml, .yml, .json)")

// Duration is a time.Duration written as a Go duration string ("5s",
// "250ms") in YAML and JSON. Plain integers are read as nanoseconds.
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func parseDuration(s string) (Duration, error) {
	if s == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	return Duration(v), nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if nerr := json.Unmarshal(b, &n); nerr != nil {
			return fmt.Errorf("duration must be a string or integer: %w", err)
		}
		*d = Duration(n)
		return nil
	}
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// BrokerConfig holds node identity and listener addresses. An empty address
// disables that listener.
type BrokerConfig struct {
	NodeID      string `yaml:"node_id" json:"node_id"`
	MQTTAddr    string `yaml:"mqtt_addr" json:"mqtt_addr"`
	HealthAddr  string `yaml:"health_addr" json:"health_addr"`
	GRPCAddr    string `yaml:"grpc_addr" json:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr"`
	AdminAddr   string `yaml:"admin_addr" json:"admin_addr"`
}

// ProtocolConfig tunes every connection pipeline.
type ProtocolConfig struct {
	MaxFrameSize   int      `yaml:"max_frame_size" json:"max_frame_size"`
	IdleTimeout    Duration `yaml:"idle_timeout" json:"idle_timeout"`
	ConnectTimeout Duration `yaml:"connect_timeout" json:"connect_timeout"`
	FlushInterval  Duration `yaml:"flush_interval" json:"flush_interval"`
}

// SessionConfig mirrors session.Config.
type SessionConfig struct {
	OutboundQueueSize   int      `yaml:"outbound_queue_size" json:"outbound_queue_size"`
	SlowConsumerTimeout Duration `yaml:"slow_consumer_timeout" json:"slow_consumer_timeout"`
	MaxOfflineMessages  int      `yaml:"max_offline_messages" json:"max_offline_messages"`
	SessionExpiry       Duration `yaml:"session_expiry" json:"session_expiry"`
	RetryInterval       Duration `yaml:"retry_interval" json:"retry_interval"`
	MaxRetries          int      `yaml:"max_retries" json:"max_retries"`
	SweepInterval       Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// RetainerConfig mirrors retainer.Config.
type RetainerConfig struct {
	MessageExpiryInterval Duration `yaml:"message_expiry_interval" json:"message_expiry_interval"`
	MaxPayloadSize        int64    `yaml:"max_payload_size" json:"max_payload_size"`
	StopPublishClearMsg   bool     `yaml:"stop_publish_clear_msg" json:"stop_publish_clear_msg"`
	MaxRetainedMessages   uint64   `yaml:"max_retained_messages" json:"max_retained_messages"`
	CleanupInterval       Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// InterceptorConfig bounds the interceptor event queue.
type InterceptorConfig struct {
	QueueSize int `yaml:"queue_size" json:"queue_size"`
}

// UserConfig represents a user configuration entry
type UserConfig struct {
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
	Algorithm string `yaml:"algorithm" json:"algorithm"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

// AuthConfig represents the authentication configuration
type AuthConfig struct {
	Enabled bool         `yaml:"enabled" json:"enabled"`
	Users   []UserConfig `yaml:"users" json:"users"`
}

// ACLConfig names the authorization rule source. Leaving File and DSN empty
// permits every action.
type ACLConfig struct {
	File   string `yaml:"file" json:"file"`
	DSN    string `yaml:"dsn" json:"dsn"`
	Table  string `yaml:"table" json:"table"`
	Driver string `yaml:"driver" json:"driver"`
}

// BlacklistConfig lists the bans loaded at startup. More can be added at
// runtime through the admin API.
type BlacklistConfig struct {
	Entries         []blacklist.Entry `yaml:"entries" json:"entries"`
	CleanupInterval Duration          `yaml:"cleanup_interval" json:"cleanup_interval"`
}

// BridgeConfig configures event forwarding to external systems.
type BridgeConfig struct {
	Kafka KafkaBridgeConfig `yaml:"kafka" json:"kafka"`
}

// KafkaBridgeConfig configures the Kafka event bridge. An empty broker list
// disables it.
type KafkaBridgeConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	Topic   string   `yaml:"topic" json:"topic"`
	// Events lists the forwarded event kinds; empty forwards all of them.
	Events       []string `yaml:"events" json:"events"`
	Compression  string   `yaml:"compression" json:"compression"`
	BatchSize    int      `yaml:"batch_size" json:"batch_size"`
	BatchTimeout Duration `yaml:"batch_timeout" json:"batch_timeout"`
	WriteTimeout Duration `yaml:"write_timeout" json:"write_timeout"`
	RequiredAcks int      `yaml:"required_acks" json:"required_acks"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Config holds the complete configuration
type Config struct {
	Broker      BrokerConfig      `yaml:"broker" json:"broker"`
	Protocol    ProtocolConfig    `yaml:"protocol" json:"protocol"`
	Session     SessionConfig     `yaml:"session" json:"session"`
	Retainer    RetainerConfig    `yaml:"retainer" json:"retainer"`
	Interceptor InterceptorConfig `yaml:"interceptor" json:"interceptor"`
	Auth        AuthConfig        `yaml:"auth" json:"auth"`
	ACL         ACLConfig         `yaml:"acl" json:"acl"`
	Blacklist   BlacklistConfig   `yaml:"blacklist" json:"blacklist"`
	Bridge      BridgeConfig      `yaml:"bridge" json:"bridge"`
	Log         LogConfig         `yaml:"log" json:"log"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	sess := session.DefaultConfig()
	ret := retainer.DefaultConfig()
	return &Config{
		Broker: BrokerConfig{
			NodeID:      "postoffice",
			MQTTAddr:    ":1883",
			HealthAddr:  ":8081",
			GRPCAddr:    ":8083",
			MetricsAddr: ":8082",
			AdminAddr:   ":18083",
		},
		Protocol: ProtocolConfig{
			MaxFrameSize:  8092,
			IdleTimeout:   Duration(10 * time.Second),
			FlushInterval: Duration(5 * time.Millisecond),
		},
		Session: SessionConfig{
			OutboundQueueSize:   sess.OutboundQueueSize,
			SlowConsumerTimeout: Duration(sess.SlowConsumerTimeout),
			MaxOfflineMessages:  sess.MaxOfflineMessages,
			SessionExpiry:       Duration(sess.SessionExpiry),
			RetryInterval:       Duration(sess.RetryInterval),
			MaxRetries:          sess.MaxRetries,
			SweepInterval:       Duration(sess.SweepInterval),
		},
		Retainer: RetainerConfig{
			MessageExpiryInterval: Duration(ret.MessageExpiryInterval),
			MaxPayloadSize:        ret.MaxPayloadSize,
			StopPublishClearMsg:   ret.StopPublishClearMsg,
			MaxRetainedMessages:   ret.MaxRetainedMessages,
			CleanupInterval:       Duration(ret.CleanupInterval),
		},
		Interceptor: InterceptorConfig{QueueSize: 1024},
		Blacklist:   BlacklistConfig{CleanupInterval: Duration(blacklist.DefaultCleanupInterval)},
		Log:         LogConfig{Level: "info", Format: "tint"},
	}
}

// LoadConfig loads configuration from a file on top of DefaultConfig. An
// empty path returns the defaults.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	if configPath == "" {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	case ".json":
		err = json.Unmarshal(data, config)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to a file
func SaveConfig(config *Config, configPath string) error {
	var data []byte
	var err error

	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(config)
	case ".json":
		data, err = json.MarshalIndent(config, "", "  ")
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

func validAlgorithm(algorithm string) bool {
	switch auth.HashAlgorithm(algorithm) {
	case auth.HashPlain, auth.HashSHA256, auth.HashBcrypt:
		return true
	}
	return false
}

// Validate checks the configuration for values the broker cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Broker.NodeID == "" {
		errs = append(errs, errors.New("broker.node_id cannot be empty"))
	}
	if c.Protocol.MaxFrameSize < 0 {
		errs = append(errs, errors.New("protocol.max_frame_size cannot be negative"))
	}
	for name, d := range map[string]Duration{
		"protocol.idle_timeout":         c.Protocol.IdleTimeout,
		"protocol.connect_timeout":      c.Protocol.ConnectTimeout,
		"protocol.flush_interval":       c.Protocol.FlushInterval,
		"session.slow_consumer_timeout": c.Session.SlowConsumerTimeout,
		"session.session_expiry":        c.Session.SessionExpiry,
		"session.retry_interval":        c.Session.RetryInterval,
		"session.sweep_interval":        c.Session.SweepInterval,
		"retainer.cleanup_interval":     c.Retainer.CleanupInterval,
		"blacklist.cleanup_interval":    c.Blacklist.CleanupInterval,
		"bridge.kafka.batch_timeout":    c.Bridge.Kafka.BatchTimeout,
		"bridge.kafka.write_timeout":    c.Bridge.Kafka.WriteTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s cannot be negative", name))
		}
	}
	if c.Session.OutboundQueueSize < 0 || c.Session.MaxOfflineMessages < 0 || c.Session.MaxRetries < 0 {
		errs = append(errs, errors.New("session limits cannot be negative"))
	}
	if c.Interceptor.QueueSize < 0 {
		errs = append(errs, errors.New("interceptor.queue_size cannot be negative"))
	}
	if c.ACL.File != "" && c.ACL.DSN != "" {
		errs = append(errs, errors.New("acl: set either file or dsn, not both"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}

	if _, _, err := c.KafkaBridgeOptions(nil); err != nil {
		errs = append(errs, err)
	}

	for i, e := range c.Blacklist.Entries {
		if err := e.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("blacklist entry %d: %w", i, err))
		}
	}

	usernames := make(map[string]bool)
	for i, user := range c.Auth.Users {
		if user.Username == "" {
			errs = append(errs, fmt.Errorf("user %d: username cannot be empty", i))
			continue
		}
		if usernames[user.Username] {
			errs = append(errs, fmt.Errorf("duplicate username: %s", user.Username))
		}
		usernames[user.Username] = true
		if user.Password == "" {
			errs = append(errs, fmt.Errorf("user %s: password cannot be empty", user.Username))
		}
		if !validAlgorithm(user.Algorithm) {
			errs = append(errs, fmt.Errorf("user %s: unsupported algorithm: %s (supported: plain, sha256, bcrypt)", user.Username, user.Algorithm))
		}
	}
	return errors.Join(errs...)
}

// SessionOptions converts the session section.
func (c *Config) SessionOptions() *session.Config {
	s := c.Session
	return &session.Config{
		OutboundQueueSize:   s.OutboundQueueSize,
		SlowConsumerTimeout: s.SlowConsumerTimeout.D(),
		MaxOfflineMessages:  s.MaxOfflineMessages,
		SessionExpiry:       s.SessionExpiry.D(),
		RetryInterval:       s.RetryInterval.D(),
		MaxRetries:          s.MaxRetries,
		SweepInterval:       s.SweepInterval.D(),
	}
}

// RetainerOptions converts the retainer section.
func (c *Config) RetainerOptions() *retainer.Config {
	r := c.Retainer
	return &retainer.Config{
		MessageExpiryInterval: r.MessageExpiryInterval.D(),
		MaxPayloadSize:        r.MaxPayloadSize,
		StopPublishClearMsg:   r.StopPublishClearMsg,
		MaxRetainedMessages:   r.MaxRetainedMessages,
		CleanupInterval:       r.CleanupInterval.D(),
	}
}

// ACLSource converts the acl section.
func (c *Config) ACLSource() auth.ACLSource {
	return auth.ACLSource{File: c.ACL.File, DSN: c.ACL.DSN, Table: c.ACL.Table, Driver: c.ACL.Driver}
}

// BuildBlacklist creates a ban list holding the configured entries.
func (c *Config) BuildBlacklist() (*blacklist.Manager, error) {
	m := blacklist.NewManager()
	for i, e := range c.Blacklist.Entries {
		if _, err := m.Add(e); err != nil {
			return nil, fmt.Errorf("blacklist entry %d: %w", i, err)
		}
	}
	return m, nil
}

// KafkaBridgeOptions converts the bridge.kafka section. It reports false
// when the bridge is disabled.
func (c *Config) KafkaBridgeOptions(log *slog.Logger) (bridge.KafkaOptions, bool, error) {
	k := c.Bridge.Kafka
	if len(k.Brokers) == 0 {
		return bridge.KafkaOptions{}, false, nil
	}
	if k.Topic == "" {
		return bridge.KafkaOptions{}, false, errors.New("bridge.kafka.topic cannot be empty")
	}
	if _, err := bridge.ParseCompression(k.Compression); err != nil {
		return bridge.KafkaOptions{}, false, fmt.Errorf("bridge.kafka.compression: %w", err)
	}
	switch k.RequiredAcks {
	case -1, 0, 1:
	default:
		return bridge.KafkaOptions{}, false, fmt.Errorf("bridge.kafka.required_acks must be -1, 0 or 1, got %d", k.RequiredAcks)
	}
	kinds := make([]interceptor.Kind, 0, len(k.Events))
	for _, name := range k.Events {
		kind, err := interceptor.ParseKind(name)
		if err != nil {
			return bridge.KafkaOptions{}, false, fmt.Errorf("bridge.kafka.events: %w", err)
		}
		kinds = append(kinds, kind)
	}
	return bridge.KafkaOptions{
		Brokers:      k.Brokers,
		Topic:        k.Topic,
		Kinds:        kinds,
		Compression:  k.Compression,
		BatchSize:    k.BatchSize,
		BatchTimeout: k.BatchTimeout.D(),
		WriteTimeout: k.WriteTimeout.D(),
		RequiredAcks: k.RequiredAcks,
		Node:         c.Broker.NodeID,
		Logger:       log,
	}, true, nil
}

// LoggerOptions converts the log section.
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{Level: c.Log.Level, Format: c.Log.Format}
}

// ConfigureAuth configures authentication from the config
func (c *Config) ConfigureAuth(chain *auth.Chain, log *slog.Logger) error {
	chain.Clear()

	if !c.Auth.Enabled {
		chain.SetEnabled(false)
		return nil
	}
	chain.SetEnabled(true)

	users := auth.NewMemoryAuthenticator(log)
	for _, u := range c.Auth.Users {
		if err := users.AddUser(u.Username, u.Password, auth.HashAlgorithm(u.Algorithm)); err != nil {
			return fmt.Errorf("failed to add user %s: %w", u.Username, err)
		}
		if err := users.SetUserEnabled(u.Username, u.Enabled); err != nil {
			return fmt.Errorf("failed to set user %s enabled status: %w", u.Username, err)
		}
	}
	chain.Add(users)
	logger.OrDefault(log).Info("authentication configured", "users", len(c.Auth.Users))
	return nil
}

// AddUser adds a new user to the configuration
func (c *Config) AddUser(username, password, algorithm string, enabled bool) error {
	for _, user := range c.Auth.Users {
		if user.Username == username {
			return fmt.Errorf("user %s already exists", username)
		}
	}
	if !validAlgorithm(algorithm) {
		return fmt.Errorf("unsupported algorithm: %s (supported: plain, sha256, bcrypt)", algorithm)
	}
	c.Auth.Users = append(c.Auth.Users, UserConfig{
		Username:  username,
		Password:  password,
		Algorithm: algorithm,
		Enabled:   enabled,
	})
	return nil
}

// UpdateUser updates an existing user in the configuration. Empty password
// or algorithm keep the current value.
func (c *Config) UpdateUser(username, password, algorithm string, enabled bool) error {
	for i, user := range c.Auth.Users {
		if user.Username != username {
			continue
		}
		if algorithm != "" {
			if !validAlgorithm(algorithm) {
				return fmt.Errorf("unsupported algorithm: %s (supported: plain, sha256, bcrypt)", algorithm)
			}
			c.Auth.Users[i].Algorithm = algorithm
		}
		if password != "" {
			c.Auth.Users[i].Password = password
		}
		c.Auth.Users[i].Enabled = enabled
		return nil
	}
	return fmt.Errorf("user %s not found", username)
}

// RemoveUser removes a user from the configuration
func (c *Config) RemoveUser(username string) error {
	for i, user := range c.Auth.Users {
		if user.Username == username {
			c.Auth.Users = append(c.Auth.Users[:i], c.Auth.Users[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("user %s not found", username)
}

// ListUsers returns all users in the configuration
func (c *Config) ListUsers() []UserConfig {
	return c.Auth.Users
}
