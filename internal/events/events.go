// Package events announces workflow results to other services over NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/eternisai/enchanted-workflows/internal/logger"
)

// SubjectTitleUpdated carries TitleUpdated events.
const SubjectTitleUpdated = "chat.title.updated"

// TitleUpdated is published after a generated title has been written.
type TitleUpdated struct {
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	Title     string    `json:"title"`
	Forced    bool      `json:"forced"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Publisher emits domain events. Delivery is best effort.
type Publisher interface {
	TitleUpdated(ctx context.Context, ev TitleUpdated) error
}

// Noop drops every event.
type Noop struct{}

func (Noop) TitleUpdated(context.Context, TitleUpdated) error { return nil }

// conn is the subset of *nats.Conn used for publishing.
type conn interface {
	Publish(subject string, data []byte) error
}

// NatsPublisher publishes events as JSON on core NATS subjects.
type NatsPublisher struct {
	nc     conn
	logger *logger.Logger
}

// NewNatsPublisher wraps an established connection. A nil connection yields a Noop publisher.
func NewNatsPublisher(nc *nats.Conn, log *logger.Logger) Publisher {
	if nc == nil {
		return Noop{}
	}
	return &NatsPublisher{nc: nc, logger: log.WithComponent("events")}
}

func (p *NatsPublisher) TitleUpdated(ctx context.Context, ev TitleUpdated) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := p.nc.Publish(SubjectTitleUpdated, data); err != nil {
		return fmt.Errorf("failed to publish %s: %w", SubjectTitleUpdated, err)
	}

	p.logger.WithContext(ctx).Debug("event published",
		slog.String("subject", SubjectTitleUpdated),
		slog.String("chat_id", ev.ChatID))
	return nil
}

// Connect dials NATS with reconnect handling that logs through log.
func Connect(url string, log *logger.Logger) (*nats.Conn, error) {
	log = log.WithComponent("nats")
	nc, err := nats.Connect(url,
		nats.Name("enchanted-workflows"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("disconnected from NATS", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("reconnected to NATS", slog.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}
