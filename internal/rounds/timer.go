// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package rounds

import (
	"context"

	"github.com/gavelworks/oyez/internal/logging"
	"github.com/gavelworks/oyez/internal/models"
)

// Timer returns the authoritative remaining time for the round's active
// turn. When the read observes expiry it settles the turn (force-submit)
// before returning, so a crashed sweeper never leaves a turn open past
// its ceiling for an observer.
func (e *Engine) Timer(ctx context.Context, institutionID, roundID int64) (*models.TimerReading, error) {
	r, err := e.db.GetRound(ctx, e.db.Conn(), institutionID, roundID)
	if err != nil {
		return nil, err
	}

	reading := &models.TimerReading{
		RoundID: roundID,
		Phase:   r.State,
	}
	if r.State.IsTerminal() {
		return reading, nil
	}

	t, err := e.db.GetActiveTurn(ctx, e.db.Conn(), roundID)
	if err != nil {
		if models.CodeOf(err) == models.ErrCodeNotFound {
			return reading, nil
		}
		return nil, err
	}

	now, err := e.db.Now(ctx)
	if err != nil {
		return nil, err
	}

	reading.StartedAt = t.StartedAt

	// Paused rounds freeze the countdown; report the remainder as of the
	// pause instant.
	elapsed := int(now.Sub(*t.StartedAt).Seconds()) - r.PauseAccumulatedSeconds
	if r.State == models.RoundPaused {
		elapsed = int(r.StateUpdatedAt.Sub(*t.StartedAt).Seconds()) - r.PauseAccumulatedSeconds
	}
	remaining := t.AllowedSeconds - elapsed

	if remaining <= 0 && r.State != models.RoundPaused {
		reading.Expired = true
		reading.RemainingSeconds = 0
		if _, err := e.ForceSubmit(ctx, roundID, t.ID); err != nil &&
			models.CodeOf(err) != models.ErrCodeTurnAlreadySubmitted {
			logging.Component("rounds").Error().Err(err).
				Int64("round_id", roundID).
				Int64("turn_id", t.ID).
				Msg("lazy expiry force-submit failed")
		}
		return reading, nil
	}

	if remaining < 0 {
		remaining = 0
	}
	reading.RemainingSeconds = remaining
	return reading, nil
}
