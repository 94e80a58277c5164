package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

// Exchanges.
const (
	ExchangeApplications Exchange = "jobpilot.applications"
	ExchangeDLQ          Exchange = "jobpilot.dlq"
)

// Queues.
const (
	QueueApplicationsPending     Queue = "applications.pending"
	QueueApplicationsTransitions Queue = "applications.transitions"
	QueueDLQApplications         Queue = "dlq.applications"
)

// Routing keys.
const (
	RoutingKeyPending      RoutingKey = "pending"
	RoutingKeyTransitioned RoutingKey = "transitioned"
	RoutingKeyDLQ          RoutingKey = "applications"
)

// exchangeDecl, queueDecl, binding — элементы топологии.
type exchangeDecl struct {
	name Exchange
	kind string
}

type queueDecl struct {
	name Queue
	args amqp.Table
}

type binding struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
}

// topology возвращает полное описание топологии.
func topology() ([]exchangeDecl, []queueDecl, []binding) {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQ),
	}

	exchanges := []exchangeDecl{
		{ExchangeApplications, "direct"},
		{ExchangeDLQ, "direct"},
	}

	queues := []queueDecl{
		// pending — только wake-up, битые сообщения уходят в DLQ
		{QueueApplicationsPending, dlqArgs},

		// transitions — поток событий для внешних наблюдателей
		{QueueApplicationsTransitions, amqp.Table{"x-max-length": int32(100000)}},

		{QueueDLQApplications, nil},
	}

	bindings := []binding{
		{QueueApplicationsPending, RoutingKeyPending, ExchangeApplications},
		{QueueApplicationsTransitions, RoutingKeyTransitioned, ExchangeApplications},
		{QueueDLQApplications, RoutingKeyDLQ, ExchangeDLQ},
	}

	return exchanges, queues, bindings
}

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	exchanges, queues, bindings := topology()

	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Exchanges
		for _, ex := range exchanges {
			if err := ch.ExchangeDeclare(string(ex.name), ex.kind, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex.name, err)
			}
		}

		// 2. Queues
		for _, q := range queues {
			if _, err := ch.QueueDeclare(string(q.name), true, false, false, false, q.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", q.name, err)
			}
		}

		// 3. Bindings
		for _, b := range bindings {
			if err := ch.QueueBind(string(b.queue), string(b.routingKey), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}

		return nil
	})
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Jobpilot RabbitMQ Topology:

    jobpilot.applications (direct)
    ├── applications.pending [routing: pending]
    │       Consumer: Worker pool (wake-up)
    │       DLQ: dlq.applications
    └── applications.transitions [routing: transitioned]
            Consumer: external observers

    jobpilot.dlq (direct)
    └── dlq.applications [routing: applications]
            Manual processing
  `
}
