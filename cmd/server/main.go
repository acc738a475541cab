// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

// Command server runs the Oyez engine: DuckDB storage, the event log and
// fan-out bus, the domain engines and the HTTP/websocket front, all
// under one supervision tree.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/gavelworks/oyez/internal/api"
	"github.com/gavelworks/oyez/internal/assignment"
	"github.com/gavelworks/oyez/internal/audit"
	"github.com/gavelworks/oyez/internal/authz"
	"github.com/gavelworks/oyez/internal/config"
	"github.com/gavelworks/oyez/internal/database"
	"github.com/gavelworks/oyez/internal/evaluation"
	"github.com/gavelworks/oyez/internal/eventlog"
	"github.com/gavelworks/oyez/internal/leaderboard"
	"github.com/gavelworks/oyez/internal/logging"
	"github.com/gavelworks/oyez/internal/presence"
	"github.com/gavelworks/oyez/internal/rounds"
	"github.com/gavelworks/oyez/internal/sessions"
	"github.com/gavelworks/oyez/internal/statemachine"
	"github.com/gavelworks/oyez/internal/supervisor"
	"github.com/gavelworks/oyez/internal/websocket"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal().Err(err).Msg("server exited")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Format = cfg.Logging.Format
	logCfg.Caller = cfg.Logging.Caller
	logging.Init(logCfg)
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.New(&cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info().Str("path", cfg.Database.Path).Msg("database opened")

	bus := eventlog.NewBus(&cfg.EventBus, watermillLogger())
	defer bus.Close()

	if cfg.EventBus.NATSEnabled {
		if cfg.EventBus.EmbeddedServer {
			ns, err := eventlog.NewEmbeddedServer(&cfg.EventBus)
			if err != nil {
				return err
			}
			defer ns.Shutdown(context.Background())
			cfg.EventBus.NATSURL = ns.ClientURL()
		}
		mirror, err := eventlog.NewMirrorPublisher(&cfg.EventBus, watermillLogger())
		if err != nil {
			return err
		}
		bus.SetMirror(mirror)
		log.Info().Str("url", cfg.EventBus.NATSURL).Msg("jetstream mirror attached")
	}

	eventLog := eventlog.NewLog(db, bus)

	machine, err := statemachine.New(ctx, db, eventLog, &cfg.Engine)
	if err != nil {
		return err
	}

	presenceStore, err := presence.Open(cfg.Presence)
	if err != nil {
		return err
	}
	defer presenceStore.Close()

	auditStore, err := audit.NewDuckDBStore(ctx, db)
	if err != nil {
		return err
	}
	auditLogger := audit.NewLogger(auditStore, &cfg.Audit)
	defer auditLogger.Close()

	enforcer, err := authz.NewEnforcer()
	if err != nil {
		return err
	}

	sessionEngine := sessions.New(db, eventLog)
	assignmentEngine := assignment.New(db, eventLog)
	roundEngine := rounds.New(db, eventLog, machine, &cfg.Engine)
	evaluationEngine := evaluation.New(db, eventLog)
	leaderboardEngine := leaderboard.New(db, eventLog)
	hub := websocket.NewHub(bus, eventLog, presenceStore)

	server := api.NewServer(&cfg.Server, cfg.Metrics, api.Deps{
		DB:          db,
		Log:         eventLog,
		Sessions:    sessionEngine,
		Assignment:  assignmentEngine,
		Machine:     machine,
		Rounds:      roundEngine,
		Evaluation:  evaluationEngine,
		Leaderboard: leaderboardEngine,
		Hub:         hub,
		Authz:       enforcer,
		Audit:       auditLogger,
	})

	tree := supervisor.New()
	tree.Add(hub)
	tree.Add(rounds.NewSweeper(roundEngine, cfg.Engine.SweepInterval))
	tree.Add(leaderboard.NewPoller(leaderboardEngine, cfg.Governance.PublicationPollInterval))
	tree.Add(server)

	log.Info().Msg("oyez engine starting")
	return tree.Serve(ctx)
}

// watermillLogger bridges Watermill's logging into zerolog.
func watermillLogger() watermill.LoggerAdapter {
	return watermill.NewStdLoggerWithOut(logWriter{}, false, false)
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	logging.Component("watermill").Debug().Msg(string(p))
	return len(p), nil
}
