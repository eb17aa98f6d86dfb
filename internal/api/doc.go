// Package api содержит HTTP API сервер оркестратора.
//
// Структура:
//   - handler.go          — Handler с DI (оркестратор, каталог pipelines, logger)
//   - routes.go           — регистрация маршрутов
//   - middleware.go       — middleware (recovery, metrics, logging)
//   - response.go         — унифицированные JSON-ответы и обработка ошибок
//   - dto.go              — Data Transfer Objects (request/response)
//   - step_handler.go     — обработчики для /steps
//   - task_handler.go     — обработчики для /tasks (просмотр, retry, undo)
//   - pipeline_handler.go — обработчики для /pipelines
//   - report_handler.go   — приём отчётов воркеров по HTTP
//
// API предоставляет REST endpoints для create/run/retry/undo/cancel шагов и tasks,
// просмотра статуса, попыток и tasks.
package api
