package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"time"

	"github.com/shaiso/Preingest/internal/orchestrator"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	maxResponseBody    = 1 << 20
)

// defaultRetryOn — HTTP-коды, при которых ошибка считается временной.
var defaultRetryOn = []int{http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout}

// HTTPExecutor — executor для handler'а "http".
//
// Params:
//   - method (string): HTTP-метод (GET, POST, PUT, DELETE). Default: GET
//   - url (string): URL для запроса (обязательно)
//   - headers (map[string]any): HTTP-заголовки
//   - body (any): тело запроса (сериализуется в JSON)
//   - timeout_sec (number): таймаут запроса в секундах. Default: 30
//   - retry_on ([]number): HTTP-коды для RETRY. Default: 429, 502, 503, 504
//   - undo_url (string): URL компенсирующего запроса при откате
//   - undo_method (string): HTTP-метод отката. Default: DELETE
//   - undo_body (any): тело запроса отката
//
// Outputs:
//   - status_code (int): HTTP-код ответа
//   - headers (map[string]string): заголовки ответа
//   - body (any): тело ответа (JSON или строка)
type HTTPExecutor struct {
	// Client — HTTP-клиент. nil — http.DefaultClient.
	Client *http.Client
}

// Execute выполняет HTTP-запрос.
func (e *HTTPExecutor) Execute(ctx context.Context, task *orchestrator.Delivery) (*ExecutionResult, error) {
	method := getString(task.Params, "method", http.MethodGet)
	url := getString(task.Params, "url", "")
	if url == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidParams)
	}

	timeout := getDuration(task.Params, "timeout_sec", defaultHTTPTimeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Подготавливаем body
	var bodyReader io.Reader
	if body, ok := task.Params["body"]; ok && body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal body: %v", ErrInvalidParams, err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrInvalidParams, err)
	}

	setHeaders(req, task.Params)

	// Content-Type по умолчанию для запросов с body
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	outputs := buildOutputs(resp, respBody)

	// HTTP >= 400 — логическая ошибка, outputs сохраняются
	if resp.StatusCode >= 400 {
		return &ExecutionResult{
			Outputs:   outputs,
			Error:     fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 200)),
			Retryable: shouldRetryHTTPStatus(resp.StatusCode, getInts(task.Params, "retry_on", defaultRetryOn)),
		}, nil
	}

	return &ExecutionResult{Outputs: outputs}, nil
}

// Undo отправляет компенсирующий запрос на undo_url. Без undo_url
// откат ничего не делает.
func (e *HTTPExecutor) Undo(ctx context.Context, task *orchestrator.Delivery) (*ExecutionResult, error) {
	url := getString(task.Params, "undo_url", "")
	if url == "" {
		return &ExecutionResult{}, nil
	}

	params := maps.Clone(task.Params)
	params["url"] = url
	params["method"] = getString(task.Params, "undo_method", http.MethodDelete)
	delete(params, "body")
	if body, ok := task.Params["undo_body"]; ok {
		params["body"] = body
	}

	undo := *task
	undo.Params = params
	return e.Execute(ctx, &undo)
}

// buildOutputs формирует outputs из HTTP-ответа.
func buildOutputs(resp *http.Response, body []byte) map[string]any {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	// Парсим body: пробуем JSON, иначе строка
	var parsedBody any
	if err := json.Unmarshal(body, &parsedBody); err != nil {
		parsedBody = string(body)
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     headers,
		"body":        parsedBody,
	}
}

// shouldRetryHTTPStatus проверяет, входит ли HTTP-код в список для retry.
func shouldRetryHTTPStatus(statusCode int, retryOn []int) bool {
	return slices.Contains(retryOn, statusCode)
}

// setHeaders устанавливает заголовки из params.
func setHeaders(req *http.Request, params map[string]any) {
	headers, ok := params["headers"]
	if !ok || headers == nil {
		return
	}

	switch h := headers.(type) {
	case map[string]any:
		for key, val := range h {
			if s, ok := val.(string); ok {
				req.Header.Set(key, s)
			}
		}
	case map[string]string:
		for key, val := range h {
			req.Header.Set(key, val)
		}
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
