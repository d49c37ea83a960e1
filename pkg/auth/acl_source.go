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
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	_ "github.com/go-sql-driver/mysql" // registers the "mysql" driver
	_ "github.com/lib/pq"              // registers the "postgres" driver
	"gopkg.in/yaml.v2"
)

// aclFile is the on-disk layout of an ACL file:
//
//	rules:
//	  - {client: "*", topic: "restricted/#", action: readwrite, allow: false}
//	  - {client: "*", topic: "#", action: readwrite, allow: true}
type aclFile struct {
	Rules []Entry `yaml:"rules" json:"rules"`
}

// LoadACLFile reads an ACL from a YAML or JSON file, chosen by extension.
// Unreadable or unparsable files return an error; malformed entries become
// deny rules.
func LoadACLFile(path string, logger *slog.Logger) (*ACL, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read acl file %s: %w", path, err)
	}

	var f aclFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &f)
	default:
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse acl file %s: %w", path, err)
	}
	return Compile(f.Rules, logger), nil
}

// RowScanner is the subset of *sql.Rows used to load ACL rows.
type RowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// LoadACLRows compiles (client, topic, action, allow) rows in iteration
// order. Rows that fail to scan are skipped; NULL columns are compiled as
// empty values.
func LoadACLRows(rows RowScanner, logger *slog.Logger) (*ACL, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var entries []Entry
	row := 0
	for rows.Next() {
		var client, topicName, action sql.NullString
		var allow sql.NullBool
		if err := rows.Scan(&client, &topicName, &action, &allow); err != nil {
			logger.Error("failed to scan acl row, skipped", "row", row, "err", err)
			row++
			continue
		}
		entries = append(entries, Entry{
			Client: client.String,
			Topic:  topicName.String,
			Action: action.String,
			Allow:  allow.Valid && allow.Bool,
		})
		row++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read acl rows: %w", err)
	}
	return Compile(entries, logger), nil
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// LoadACLFromDB loads rules from table, which must have the columns
// id, client, topic, action and allow. Rules are applied in id order.
func LoadACLFromDB(ctx context.Context, db *sql.DB, table string, logger *slog.Logger) (*ACL, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid acl table name %q", table)
	}
	query := fmt.Sprintf("SELECT client, topic, action, allow FROM %s ORDER BY id", table)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query acl table %s: %w", table, err)
	}
	defer rows.Close()
	return LoadACLRows(rows, logger)
}

// SQL drivers registered by this package.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// OpenDB opens and pings a database through the named database/sql driver,
// DriverPostgres when driver is empty.
func OpenDB(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	if driver == "" {
		driver = DriverPostgres
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}
	return db, nil
}

// ACLSource says where authorization rules come from. A zero value selects
// PermitAll.
type ACLSource struct {
	// File is a YAML or JSON rules file.
	File string
	// DSN is a database connection string; Table names the rules table.
	DSN   string
	Table string
	// Driver is the database/sql driver name: DriverPostgres (the default),
	// DriverMySQL or any other registered driver.
	Driver string
}

// Configured reports whether any source is set.
func (s ACLSource) Configured() bool {
	return s.File != "" || s.DSN != ""
}

// LoadPolicy selects the authorization policy for a broker. With no source
// configured every action is permitted. If the configured source cannot be
// loaded the error is logged and every action is denied.
func LoadPolicy(ctx context.Context, src ACLSource, logger *slog.Logger) Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	if !src.Configured() {
		logger.Info("no acl configured, permitting all actions")
		return PermitAll{}
	}

	acl, err := loadSource(ctx, src, logger)
	if err != nil {
		logger.Error("failed to load acl, denying all actions", "err", err)
		return DenyAll{}
	}
	logger.Info("loaded acl", "rules", acl.Len())
	return acl
}

func loadSource(ctx context.Context, src ACLSource, logger *slog.Logger) (*ACL, error) {
	if src.File != "" {
		return LoadACLFile(src.File, logger)
	}

	db, err := OpenDB(ctx, src.Driver, src.DSN)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	table := src.Table
	if table == "" {
		table = "mqtt_acl"
	}
	return LoadACLFromDB(ctx, db, table, logger)
}
