// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

//go:build !nats

package eventlog

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/gavelworks/oyez/internal/config"
)

// EmbeddedServer is a stub; build with -tags=nats for JetStream support.
type EmbeddedServer struct{}

// NewEmbeddedServer returns an error when NATS support is not compiled
// in.
func NewEmbeddedServer(cfg *config.EventBusConfig) (*EmbeddedServer, error) {
	return nil, fmt.Errorf("NATS support not available: build with -tags=nats")
}

// ClientURL is a stub.
func (s *EmbeddedServer) ClientURL() string { return "" }

// Shutdown is a no-op stub.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error { return nil }

// NewMirrorPublisher returns an error when NATS support is not compiled
// in.
func NewMirrorPublisher(cfg *config.EventBusConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nil, fmt.Errorf("NATS support not available: build with -tags=nats")
}
