// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package eventlog is the append-only domain event log and its fan-out
// bus.
//
// Every successful mutation and every recorded failure appends exactly
// one row inside the mutation's own transaction, so the log and the
// state it describes commit or roll back together. The audit trail, the
// live websocket feed and event replay are all views over this one log.
//
// Fan-out is Watermill over an in-process gochannel bus; builds tagged
// "nats" can mirror publications to NATS JetStream for multi-process
// consumers. Publication happens after commit and is best-effort: a
// failed publish never rolls back the mutation, and a circuit breaker
// keeps a broken bus from stalling writers.
package eventlog
