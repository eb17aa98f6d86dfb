// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, publisher confirms)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений с ожиданием confirm
//   - consumer.go   — потребление сообщений из очередей
//   - taskpool.go   — WorkerPool orchestrator'а поверх очереди tasks.ready
//   - reports.go    — обработчики отчётов воркеров и abort
//
// Типы сообщений:
//   - task.submit — task передан воркерам
//   - task.report — отчёт воркера о task
//   - task.abort  — просьба прервать task
//
// Exchanges:
//   - preingest.tasks   — tasks и отчёты
//   - preingest.control — fanout для abort
//   - preingest.dlq     — dead letter queue
package mq
