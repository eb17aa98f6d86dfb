package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shaiso/Preingest/internal/orchestrator"
)

// ErrNotConfirmed — брокер ответил nack на публикацию.
var ErrNotConfirmed = errors.New("publish not confirmed by broker")

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeTaskSubmit MessageType = "task.submit"
	MessageTypeTaskReport MessageType = "task.report"
	MessageTypeTaskAbort  MessageType = "task.abort"
)

// Publisher публикует сообщения в RabbitMQ и ждёт подтверждения брокера.
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

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload json.RawMessage `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// AbortPayload — payload сообщения task.abort.
type AbortPayload struct {
	TaskID uuid.UUID `json:"task_id"`
}

// NewMessage собирает сообщение с сериализованным payload.
func NewMessage(msgType MessageType, payload any, at time.Time) (*Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   body,
		Timestamp: at,
	}, nil
}

// Publish публикует сообщение и ждёт publisher confirm.
// nil означает, что брокер принял сообщение.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var confirm *amqp.DeferredConfirmation
	err = p.conn.WithPublishChannel(ctx, func(ch *amqp.Channel) error {
		dc, err := ch.PublishWithDeferredConfirmWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,              // mandatory
			false,              // immediate
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
		confirm = dc
		return nil
	})
	if err != nil {
		return err
	}

	if confirm != nil {
		ok, err := confirm.WaitContext(ctx)
		if err != nil {
			return fmt.Errorf("wait confirm %s: %w", msg.ID, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotConfirmed, msg.ID)
		}
	}

	p.logger.Debug("published message",
		"exchange", exchange,
		"routing_key", routingKey,
		"message_id", msg.ID,
		"type", msg.Type,
	)

	return nil
}

// PublishJSON публикует произвольный payload.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	msg, err := NewMessage(msgType, payload, p.now())
	if err != nil {
		return err
	}
	return p.Publish(ctx, exchange, routingKey, msg)
}

// PublishTask публикует task в очередь воркеров.
// Потребитель: Worker.
func (p *Publisher) PublishTask(ctx context.Context, d orchestrator.Delivery) error {
	return p.PublishJSON(ctx, ExchangeTasks, RoutingKeyReady, MessageTypeTaskSubmit, d)
}

// PublishReport публикует отчёт воркера.
// Потребитель: Orchestrator.
func (p *Publisher) PublishReport(ctx context.Context, r orchestrator.Report) error {
	return p.PublishJSON(ctx, ExchangeTasks, RoutingKeyReport, MessageTypeTaskReport, r)
}

// PublishAbort рассылает всем воркерам просьбу прервать task.
func (p *Publisher) PublishAbort(ctx context.Context, taskID uuid.UUID) error {
	return p.PublishJSON(ctx, ExchangeControl, "", MessageTypeTaskAbort, AbortPayload{TaskID: taskID})
}
