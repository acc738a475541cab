// Oyez - Real-Time Moot Court Session Engine
// Copyright 2026 GavelWorks
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/gavelworks/oyez

package eventlog

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/gavelworks/oyez/internal/config"
	"github.com/gavelworks/oyez/internal/models"
)

// TopicEvents is the fan-out topic all domain events flow through.
const TopicEvents = "oyez.events"

// Bus is the in-process Watermill fan-out with circuit breaker
// protection. Builds tagged "nats" additionally mirror every publish to
// JetStream via the mirror publisher.
type Bus struct {
	pubsub  *gochannel.GoChannel
	breaker *gobreaker.CircuitBreaker[interface{}]
	mirror  message.Publisher

	mu     sync.RWMutex
	closed bool
}

// NewBus creates the gochannel bus. The mirror (NATS) publisher is
// attached separately by the tagged constructor.
func NewBus(cfg *config.EventBusConfig, logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            int64(cfg.BufferSize),
		BlockPublishUntilSubscriberAck: false,
	}, logger)

	settings := gobreaker.Settings{
		Name:        "event-bus",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && ratio >= cfg.BreakerFailureRatio
		},
	}

	return &Bus{
		pubsub:  pubsub,
		breaker: gobreaker.NewCircuitBreaker[interface{}](settings),
	}
}

// SetMirror attaches a secondary publisher that receives a copy of every
// publish. Used by the NATS build; nil disables mirroring.
func (b *Bus) SetMirror(pub message.Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = pub
}

// Publish serializes the event and sends it through the breaker.
func (b *Bus) Publish(ctx context.Context, e *models.DomainEvent) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("event bus is closed")
	}
	mirror := b.mirror
	b.mu.RUnlock()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), data)
	msg.Metadata.Set("aggregate_type", string(e.AggregateType))
	msg.Metadata.Set("aggregate_id", fmt.Sprintf("%d", e.AggregateID))
	msg.Metadata.Set("action", e.Action)
	msg.Metadata.Set("cursor", fmt.Sprintf("%d", e.Cursor))

	_, err = b.breaker.Execute(func() (interface{}, error) {
		if err := b.pubsub.Publish(TopicEvents, msg); err != nil {
			return nil, err
		}
		if mirror != nil {
			if err := mirror.Publish(TopicEvents, msg); err != nil {
				return nil, fmt.Errorf("mirror publish: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// Subscribe returns a channel of raw event messages on the fan-out
// topic. Each subscriber gets its own copy of every message.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, TopicEvents)
}

// BreakerState exposes the circuit breaker state for health reporting.
func (b *Bus) BreakerState() string {
	return b.breaker.State().String()
}

// Close shuts the bus down. Pending subscriber channels are closed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	if b.mirror != nil {
		if err := b.mirror.Close(); err != nil {
			return fmt.Errorf("close mirror publisher: %w", err)
		}
	}
	return b.pubsub.Close()
}

// DecodeEvent deserializes a bus message back into a DomainEvent.
func DecodeEvent(msg *message.Message) (*models.DomainEvent, error) {
	var e models.DomainEvent
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return nil, fmt.Errorf("decode event message %s: %w", msg.UUID, err)
	}
	return &e, nil
}
