// Copyright 2025 Tom Barlow
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

// Package store owns the engine's database handle and schema. SQL-backed
// components (ledger, guard, dead letters, schedules) write their queries
// once with ? placeholders and rebind through the handle, so sqlite and
// postgres share one code path.
package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Dialect captures the few DDL differences between supported engines.
type Dialect interface {
	// Name identifies the dialect ("sqlite", "postgres").
	Name() string

	// AutoIncrementPK is the column definition for an auto-assigned
	// integer primary key.
	AutoIncrementPK() string
}

// Store wraps the database handle with its dialect.
type Store struct {
	db      *sqlx.DB
	dialect Dialect
}

// New wraps an open handle. Callers normally use the sqlite or postgres
// subpackage Open instead.
func New(db *sqlx.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sqlx.DB { return s.db }

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

// Rebind rewrites ? placeholders into the dialect's bindvar style.
func (s *Store) Rebind(query string) string {
	return s.db.Rebind(query)
}

// Ping verifies the connection round-trips.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close releases the handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the engine's tables and indexes. Statements are
// idempotent, so it is safe on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range Schema(s.dialect) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
