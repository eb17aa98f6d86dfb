package engine

import (
	"fmt"
	"sort"
	"sync"
)

// ParamsValidator проверяет параметры task до передачи воркерам.
// Ошибка означает ошибку определения: task завершится FAILURE.
type ParamsValidator func(params map[string]any) error

// Registry — реестр handler'ов, известных оркестратору.
//
// Заполняется при старте процесса и дальше в основном читается.
// Потокобезопасен.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ParamsValidator
	strict   bool
}

// NewRegistry создаёт пустой реестр.
//
// strict=true включает fail-fast: create_step отклоняет неизвестные
// handler'ы. Иначе ошибка обнаруживается при dispatch.
func NewRegistry(strict bool) *Registry {
	return &Registry{
		handlers: make(map[string]ParamsValidator),
		strict:   strict,
	}
}

// DefaultRegistry создаёт реестр со стандартными handler'ами воркера.
func DefaultRegistry() *Registry {
	return NewDefaultRegistry(false)
}

// NewDefaultRegistry — DefaultRegistry с заданным режимом strict.
func NewDefaultRegistry(strict bool) *Registry {
	r := NewRegistry(strict)
	r.Register("http", RequireParams("url"))
	r.Register("delay", nil)
	r.Register("transform", nil)
	r.Register("checksum", RequireParams("path"))
	return r
}

// Register регистрирует handler. validator может быть nil.
// Если handler уже существует, он будет перезаписан.
func (r *Registry) Register(name string, validator ParamsValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = validator
}

// Has проверяет, зарегистрирован ли handler.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[name]
	return exists
}

// Strict возвращает режим fail-fast.
func (r *Registry) Strict() bool {
	return r.strict
}

// Check проверяет handler и его параметры.
func (r *Registry) Check(name string, params map[string]any) error {
	r.mu.RLock()
	validator, exists := r.handlers[name]
	r.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, name)
	}

	if validator != nil {
		if err := validator(params); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidParams, name, err)
		}
	}

	return nil
}

// Names возвращает отсортированный список handler'ов.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RequireParams возвращает validator, требующий наличия ключей.
func RequireParams(keys ...string) ParamsValidator {
	return func(params map[string]any) error {
		for _, key := range keys {
			if _, ok := params[key]; !ok {
				return fmt.Errorf("missing param %q", key)
			}
		}
		return nil
	}
}
