// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package leaderboard

import (
	"context"
	"time"

	"github.com/gavelworks/oyez/internal/logging"
	"github.com/gavelworks/oyez/internal/models"
)

// Poller publishes finalized SCHEDULED snapshots once their publication
// date arrives. Visibility itself does not depend on the poller — reads
// consult the publication date directly — so a stalled poller only
// delays the published_at stamp and the broadcast.
//
// Runs under the supervision tree.
type Poller struct {
	engine   *Engine
	interval time.Duration
}

// NewPoller creates the publication poller.
func NewPoller(engine *Engine, interval time.Duration) *Poller {
	return &Poller{engine: engine, interval: interval}
}

// Serve polls until ctx is cancelled.
func (p *Poller) Serve(ctx context.Context) error {
	log := logging.Component("publication")
	log.Info().Dur("interval", p.interval).Msg("publication poller started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("publication poller stopped")
			return ctx.Err()
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	now, err := p.engine.db.Now(ctx)
	if err != nil {
		logging.Component("publication").Error().Err(err).Msg("clock read failed")
		return
	}

	due, err := p.engine.db.ListScheduledDueSnapshots(ctx, p.engine.db.Conn(), now)
	if err != nil {
		logging.Component("publication").Error().Err(err).Msg("due snapshot scan failed")
		return
	}

	for _, s := range due {
		if _, err := p.engine.Publish(ctx, s.InstitutionID, s.ID, models.System); err != nil {
			logging.Component("publication").Error().Err(err).
				Int64("snapshot_id", s.ID).
				Msg("scheduled publication failed")
			continue
		}
		logging.Component("publication").Info().
			Int64("snapshot_id", s.ID).
			Int64("session_id", s.SessionID).
			Msg("snapshot published on schedule")
	}
}

func (p *Poller) String() string { return "leaderboard.poller" }
