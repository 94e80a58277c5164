package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shaiso/Jobpilot/internal/domain"
)

// MessageType — тип сообщения.
type MessageType string

// Типы сообщений.
const (
	MessageTypeApplicationPending      MessageType = "application.pending"
	MessageTypeApplicationTransitioned MessageType = "application.transitioned"
)

// Message — конверт сообщения.
type Message struct {
	ID        string      `json:"id"`
	Type      MessageType `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// ApplicationPendingPayload — application ждёт воркера не раньше NotBefore.
type ApplicationPendingPayload struct {
	ApplicationID uuid.UUID `json:"application_id"`
	NotBefore     time.Time `json:"not_before"`
}

// ApplicationTransitionedPayload — зафиксированный переход.
type ApplicationTransitionedPayload struct {
	ApplicationID uuid.UUID      `json:"application_id"`
	BatchID       *uuid.UUID     `json:"batch_id,omitempty"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Event         domain.Event   `json:"event"`
	Cause         string         `json:"cause,omitempty"`
	Attempt       int            `json:"attempt"`
	Outcome       domain.Outcome `json:"outcome,omitempty"`
	Version       int64          `json:"version"`
}

// NewTransitionedPayload строит payload из application и записи history.
func NewTransitionedPayload(app *domain.Application, entry domain.HistoryEntry) ApplicationTransitionedPayload {
	return ApplicationTransitionedPayload{
		ApplicationID: app.ID,
		BatchID:       app.BatchID,
		From:          entry.From.String(),
		To:            entry.To.String(),
		Event:         entry.Event,
		Cause:         entry.Cause,
		Attempt:       entry.Attempt,
		Outcome:       app.Outcome,
		Version:       app.Version,
	}
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
		now:    time.Now,
	}
}

// newMessage оборачивает payload в конверт.
func (p *Publisher) newMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: p.now().UTC(),
	}
}

// Publish публикует сообщение.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Type:         string(msg.Type),
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			slog.String("exchange", string(exchange)),
			slog.String("routing_key", string(routingKey)),
			slog.String("message_id", msg.ID),
			slog.String("type", string(msg.Type)),
		)
		return nil
	})
}

// PublishApplicationPending будит воркеров.
// Потребитель: scheduler.Pool.
func (p *Publisher) PublishApplicationPending(ctx context.Context, id uuid.UUID, notBefore time.Time) error {
	msg := p.newMessage(MessageTypeApplicationPending, ApplicationPendingPayload{
		ApplicationID: id,
		NotBefore:     notBefore.UTC(),
	})
	return p.Publish(ctx, ExchangeApplications, RoutingKeyPending, msg)
}

// PublishTransition публикует событие перехода.
func (p *Publisher) PublishTransition(ctx context.Context, payload ApplicationTransitionedPayload) error {
	msg := p.newMessage(MessageTypeApplicationTransitioned, payload)
	return p.Publish(ctx, ExchangeApplications, RoutingKeyTransitioned, msg)
}

// TransitionHook возвращает statemachine-хук, публикующий переходы.
// Ошибки публикации только логируются: переход уже зафиксирован.
func (p *Publisher) TransitionHook() func(ctx context.Context, app *domain.Application, entry domain.HistoryEntry) {
	return func(ctx context.Context, app *domain.Application, entry domain.HistoryEntry) {
		if err := p.PublishTransition(ctx, NewTransitionedPayload(app, entry)); err != nil {
			p.logger.Warn("failed to publish transition",
				slog.String("application_id", app.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}
