// Package api содержит HTTP API приёма заявок.
//
// Структура:
//   - handler.go             — Handler с DI (controller, store, notifier, logger)
//   - routes.go              — регистрация маршрутов
//   - middleware.go          — middleware (logging, recovery, metrics)
//   - response.go            — унифицированные JSON-ответы и обработка ошибок
//   - dto.go                 — Data Transfer Objects (request/response)
//   - application_handler.go — обработчики для /applications
//   - batch_handler.go       — обработчики для /batches
//
// API только создаёт applications и ставит их в очередь pending;
// продвигает их worker.
package api
