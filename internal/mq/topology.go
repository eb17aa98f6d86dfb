package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeTasks   Exchange = "preingest.tasks"
	ExchangeControl Exchange = "preingest.control"
	ExchangeDLQ     Exchange = "preingest.dlq"
)

// Queues — имена очередей.
const (
	QueueTasksReady   Queue = "tasks.ready"
	QueueTasksReports Queue = "tasks.reports"
	QueueDLQTasks     Queue = "dlq.tasks"
)

// Routing keys.
const (
	RoutingKeyReady    RoutingKey = "ready"
	RoutingKeyReport   RoutingKey = "report"
	RoutingKeyDLQTasks RoutingKey = "tasks"
)

// SetupTopology объявляет exchanges, очереди и привязки.
// Операция идемпотентна: её выполняют и сервер, и воркеры при старте.
func SetupTopology(ctx context.Context, conn *Connection) error {
	ch, err := conn.NewChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ctx.Err(); err != nil {
		return err
	}

	// 1. Создаём exchanges
	if err := declareExchanges(ch); err != nil {
		return err
	}

	// 2. Создаём queues
	if err := declareQueues(ch); err != nil {
		return err
	}

	// 3. Привязываем queues к exchanges
	return bindQueues(ch)
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeTasks, amqp.ExchangeDirect},
		{ExchangeControl, amqp.ExchangeFanout},
		{ExchangeDLQ, amqp.ExchangeDirect},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	// Аргументы для очередей с DLQ
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQTasks),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		// tasks.ready — с DLQ (битые сообщения уходят в DLQ)
		{QueueTasksReady, dlqArgs},

		// tasks.reports — отчёты воркеров
		{QueueTasksReports, nil},

		// dlq.tasks — сама DLQ очередь
		{QueueDLQTasks, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueTasksReady, RoutingKeyReady, ExchangeTasks},
		{QueueTasksReports, RoutingKeyReport, ExchangeTasks},
		{QueueDLQTasks, RoutingKeyDLQTasks, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// DeclareControlQueue создаёт эксклюзивную очередь воркера, привязанную
// к fanout exchange управления (abort). Очередь удаляется вместе
// с соединением воркера.
func DeclareControlQueue(ch *amqp.Channel) (Queue, error) {
	q, err := ch.QueueDeclare(
		"",    // name (сгенерирует брокер)
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return "", fmt.Errorf("declare control queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, "", string(ExchangeControl), false, nil); err != nil {
		return "", fmt.Errorf("bind control queue: %w", err)
	}

	return Queue(q.Name), nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Preingest RabbitMQ Topology:

    preingest.tasks (direct)
    ├── tasks.ready [routing: ready]
    │       Consumer: Worker
    │       DLQ: dlq.tasks
    └── tasks.reports [routing: report]
            Consumer: Orchestrator

    preingest.control (fanout)
    └── <exclusive queue per worker>
            Consumer: Worker (abort)

    preingest.dlq (direct)
    └── dlq.tasks [routing: tasks]
            Manual processing
  `
}
