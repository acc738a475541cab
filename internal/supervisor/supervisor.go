// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Package supervisor hosts the long-running services under a suture
// supervision tree: the HTTP server, the websocket hub, the timer
// sweeper and the publication poller. A crashed service restarts with
// backoff instead of taking the process down.
package supervisor

import (
	"context"

	"github.com/thejerf/suture/v4"

	"github.com/gavelworks/oyez/internal/logging"
)

// Tree wraps the root supervisor.
type Tree struct {
	sup *suture.Supervisor
}

// New creates the tree.
func New() *Tree {
	sup := suture.New("oyez", suture.Spec{
		EventHook: func(e suture.Event) {
			switch e.Type() {
			case suture.EventTypeServiceTerminate, suture.EventTypeBackoff:
				logging.Component("supervisor").Warn().
					Interface("event", e.Map()).
					Msg(e.String())
			default:
				logging.Component("supervisor").Info().Msg(e.String())
			}
		},
	})
	return &Tree{sup: sup}
}

// Add registers a service. Services implement suture.Service: Serve(ctx)
// runs until ctx is cancelled or the service fails.
func (t *Tree) Add(svc suture.Service) {
	t.sup.Add(svc)
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.sup.Serve(ctx)
}
