// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package rounds

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gavelworks/oyez/internal/logging"
	"github.com/gavelworks/oyez/internal/metrics"
	"github.com/gavelworks/oyez/internal/models"
)

// Sweeper periodically settles turns whose ceiling has passed. It is a
// liveness aid, not a correctness requirement: expiry is also detected
// lazily on every timer read, so a dead sweeper only delays the push.
//
// Runs under the supervision tree; Serve follows the suture contract.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewSweeper creates the sweeper service.
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	return &Sweeper{engine: engine, interval: interval}
}

// Serve polls until ctx is cancelled.
func (s *Sweeper) Serve(ctx context.Context) error {
	log := logging.Component("sweeper")
	log.Info().Dur("interval", s.interval).Msg("timer sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("timer sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	timer := prometheus.NewTimer(metrics.SweepDuration)
	defer timer.ObserveDuration()

	now, err := s.engine.db.Now(ctx)
	if err != nil {
		logging.Component("sweeper").Error().Err(err).Msg("clock read failed")
		return
	}

	expired, err := s.engine.db.ListExpiredTurns(ctx, s.engine.db.Conn(), now)
	if err != nil {
		logging.Component("sweeper").Error().Err(err).Msg("expired turn scan failed")
		return
	}

	for _, t := range expired {
		if _, err := s.engine.ForceSubmit(ctx, t.RoundID, t.ID); err != nil {
			// Losing the race to a manual submit or a lazy read is the
			// intended outcome, not a failure.
			if models.CodeOf(err) == models.ErrCodeTurnAlreadySubmitted {
				continue
			}
			logging.Component("sweeper").Error().Err(err).
				Int64("round_id", t.RoundID).
				Int64("turn_id", t.ID).
				Msg("force-submit failed")
		}
	}
}

func (s *Sweeper) String() string { return "rounds.sweeper" }
