// Package mq — уведомления через RabbitMQ.
//
// Очередь pending живёт в хранилище (repo.Store), RabbitMQ только будит
// воркеров и разносит события переходов. Потеря сообщения не теряет
// application: воркеры продолжают опрашивать хранилище.
//
// Типы сообщений:
//   - application.pending       — application поставлена в очередь
//   - application.transitioned  — зафиксирован переход state machine
//
// Exchanges:
//   - jobpilot.applications — события applications
//   - jobpilot.dlq          — dead letter queue
package mq
