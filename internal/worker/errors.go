package worker

import "errors"

// Ошибки воркера.
var (
	// ErrUnknownHandler — нет executor'а для handler'а.
	ErrUnknownHandler = errors.New("unknown handler")

	// ErrInvalidParams — параметры task не подходят handler'у.
	// Повторная доставка не поможет: task завершается FAILURE.
	ErrInvalidParams = errors.New("invalid params")

	// ErrWorkerStopped — воркер остановлен.
	ErrWorkerStopped = errors.New("worker stopped")

	// ErrHTTPRequest — HTTP-запрос завершился ошибкой.
	ErrHTTPRequest = errors.New("http request failed")

	// ErrChecksumMismatch — контрольная сумма файла не совпала с ожидаемой.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)
