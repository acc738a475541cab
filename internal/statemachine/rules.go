// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package statemachine

import (
	"github.com/gavelworks/oyez/internal/database"
	"github.com/gavelworks/oyez/internal/models"
)

// Aggregate kinds in the transition table.
const (
	KindSession = "session"
	KindRound   = "round"
)

// CanonicalRules returns the full transition rule set seeded into the
// database at startup. The table is the single authority on adjacency;
// the machine consults it for every non-forced transition.
func CanonicalRules() []database.TransitionRule {
	rules := []database.TransitionRule{
		// Session lifecycle.
		sessionRule(models.SessionCreated, models.SessionPreparing, models.TriggerFaculty, false, true),
		sessionRule(models.SessionPreparing, models.SessionArgumentPetitioner, models.TriggerFaculty, false, true),
		sessionRule(models.SessionArgumentPetitioner, models.SessionArgumentRespondent, models.TriggerRoundCompleted, false, false),
		sessionRule(models.SessionArgumentRespondent, models.SessionRebuttal, models.TriggerRoundCompleted, false, false),
		sessionRule(models.SessionRebuttal, models.SessionSurRebuttal, models.TriggerFaculty, false, true),
		sessionRule(models.SessionRebuttal, models.SessionJudging, models.TriggerFaculty, false, true),
		sessionRule(models.SessionSurRebuttal, models.SessionJudging, models.TriggerFaculty, false, true),
		sessionRule(models.SessionJudging, models.SessionCompleted, models.TriggerFaculty, true, true),

		// Round lifecycle.
		roundRule(models.RoundWaiting, models.RoundArgumentPetitioner, models.TriggerFaculty),
		roundRule(models.RoundArgumentPetitioner, models.RoundArgumentRespondent, models.TriggerSystem),
		roundRule(models.RoundArgumentRespondent, models.RoundRebuttal, models.TriggerSystem),
		roundRule(models.RoundRebuttal, models.RoundSurRebuttal, models.TriggerFaculty),
		roundRule(models.RoundRebuttal, models.RoundJudgeQuestions, models.TriggerSystem),
		roundRule(models.RoundSurRebuttal, models.RoundJudgeQuestions, models.TriggerSystem),
		roundRule(models.RoundJudgeQuestions, models.RoundScoring, models.TriggerSystem),
		roundRule(models.RoundScoring, models.RoundCompleted, models.TriggerSystem),
	}

	// Every non-terminal session state may cancel or pause; PAUSED
	// resumes are validated against previous_state in code, not here.
	for _, s := range models.ValidSessionStates {
		if s.IsTerminal() {
			continue
		}
		if s != models.SessionCancelled {
			rules = append(rules, sessionRule(s, models.SessionCancelled, models.TriggerFaculty, false, true))
		}
		if s != models.SessionPaused && s != models.SessionCreated {
			rules = append(rules, sessionRule(s, models.SessionPaused, models.TriggerFaculty, false, true))
		}
	}
	for _, r := range models.ValidRoundStates {
		if r.IsTerminal() {
			continue
		}
		if r != models.RoundCancelled {
			rules = append(rules, roundRule(r, models.RoundCancelled, models.TriggerFaculty))
		}
		if r != models.RoundPaused && r != models.RoundWaiting {
			rules = append(rules, roundRule(r, models.RoundPaused, models.TriggerFaculty))
		}
	}

	return rules
}

func sessionRule(from, to models.SessionState, trigger models.TriggerType, allEvals, faculty bool) database.TransitionRule {
	return database.TransitionRule{
		AggregateKind:                  KindSession,
		FromState:                      string(from),
		ToState:                        string(to),
		TriggerType:                    string(trigger),
		RequiresAllEvaluationsComplete: allEvals,
		RequiresFaculty:                faculty,
	}
}

func roundRule(from, to models.RoundState, trigger models.TriggerType) database.TransitionRule {
	return database.TransitionRule{
		AggregateKind: KindRound,
		FromState:     string(from),
		ToState:       string(to),
		TriggerType:   string(trigger),
	}
}

// ruleIndex is the in-memory lookup built from the seeded table.
type ruleIndex map[string]map[string][]database.TransitionRule

func indexRules(rules []database.TransitionRule) ruleIndex {
	idx := make(ruleIndex)
	for _, r := range rules {
		if idx[r.AggregateKind] == nil {
			idx[r.AggregateKind] = make(map[string][]database.TransitionRule)
		}
		idx[r.AggregateKind][r.FromState] = append(idx[r.AggregateKind][r.FromState], r)
	}
	return idx
}

// find returns the rule for (kind, from, to), if any.
func (idx ruleIndex) find(kind, from, to string) (database.TransitionRule, bool) {
	for _, r := range idx[kind][from] {
		if r.ToState == to {
			return r, true
		}
	}
	return database.TransitionRule{}, false
}

// allowedNext lists the reachable states from (kind, from), for
// INVALID_TRANSITION details.
func (idx ruleIndex) allowedNext(kind, from string) []string {
	rules := idx[kind][from]
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.ToState)
	}
	return out
}
