// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package models defines the domain entities of the moot court engine:
// sessions, participants, rounds, turns, rubric versions, judge
// evaluations, leaderboard snapshots and their entries, plus the closed
// string sets used for states, sides and roles.
//
// States are stored as short strings from a closed set and validated at
// the domain layer rather than with database ENUM types, keeping the
// schema portable across SQL dialects.
//
// The package also defines the stable error taxonomy (DomainError) that
// every engine returns and the HTTP layer maps to status codes.
package models
