// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package database provides the DuckDB-backed store that is the single
// source of truth for the engine. In-memory caches elsewhere are derived
// state rebuildable from this store and the event log.
//
// Serialization model: DuckDB has no SELECT ... FOR UPDATE, so mutating
// operations serialize per aggregate through the in-process LockManager
// (one mutex per aggregate id) and run their reads and writes inside a
// single SQL transaction. Operations on different aggregates proceed in
// parallel. On a multi-node deployment the lock manager would be replaced
// by database row locks; nothing above this package assumes otherwise.
//
// States are stored as short validated strings, not ENUMs, for dialect
// portability. All queries are institution-scoped; a row belonging to
// another tenant is reported as absent.
package database
