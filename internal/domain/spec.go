package domain

import (
	"slices"
	"time"
)

// StepSpec — описание шага для создания.
//
// Это вход create_step: имя, режим выполнения и упорядоченный список
// детей. Позиции присваиваются по порядку списка (0, 1, 2, ...).
type StepSpec struct {
	// Name — имя шага.
	Name string `json:"name" yaml:"name"`

	// Parallel — дети выполняются одновременно.
	Parallel bool `json:"parallel,omitempty" yaml:"parallel,omitempty"`

	// Container — разрешить пустой шаг.
	Container bool `json:"container,omitempty" yaml:"container,omitempty"`

	// Tasks — упорядоченные дети шага.
	Tasks []TaskSpec `json:"tasks" yaml:"tasks"`
}

// TaskSpec — описание одного ребёнка шага.
//
// Если Step задан, на этой позиции создаётся вложенный шаг,
// Name и Params при этом игнорируются.
type TaskSpec struct {
	// Name — имя handler'а.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Params — параметры handler'а.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// Step — вложенный шаг.
	Step *StepSpec `json:"step,omitempty" yaml:"step,omitempty"`
}

// IsStep возвращает true, если ребёнок — вложенный шаг.
func (t TaskSpec) IsStep() bool {
	return t.Step != nil
}

// Selection — выбор позиций для retry_step.
//
// Пустой выбор означает "все неуспешные дети". Явный выбор может
// включать и успешные дети — они будут выполнены повторно.
type Selection struct {
	Positions []int `json:"positions,omitempty"`
}

// IsDefault возвращает true для выбора по умолчанию.
func (s Selection) IsDefault() bool {
	return len(s.Positions) == 0
}

// Contains проверяет, выбрана ли позиция.
func (s Selection) Contains(pos int) bool {
	return slices.Contains(s.Positions, pos)
}

// RetryPolicy — политика автоматической повторной доставки task
// после отчёта RETRY (в рамках той же попытки).
type RetryPolicy struct {
	// MaxDeliveries — максимальное количество доставок (включая первую).
	MaxDeliveries int `json:"max_deliveries,omitempty"`

	// Backoff — стратегия задержки: "fixed", "exponential".
	Backoff string `json:"backoff,omitempty"`

	// InitialDelay — начальная задержка.
	InitialDelay time.Duration `json:"initial_delay,omitempty"`

	// MaxDelay — максимальная задержка.
	MaxDelay time.Duration `json:"max_delay,omitempty"`
}

// DefaultRetryPolicy возвращает политику по умолчанию.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxDeliveries: 3,
		Backoff:       "exponential",
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
	}
}

// Exhausted проверяет, исчерпаны ли доставки.
func (p RetryPolicy) Exhausted(deliveries int) bool {
	return p.MaxDeliveries > 0 && deliveries >= p.MaxDeliveries
}

// Delay вычисляет задержку перед следующей доставкой.
// deliveries — сколько доставок уже было.
func (p RetryPolicy) Delay(deliveries int) time.Duration {
	initialDelay := p.InitialDelay
	if initialDelay <= 0 {
		initialDelay = time.Second
	}

	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	var delay time.Duration
	switch p.Backoff {
	case "exponential":
		// delay = initialDelay * 2^(deliveries-1)
		delay = initialDelay
		for i := 1; i < deliveries; i++ {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
				break
			}
		}
	default:
		delay = initialDelay
	}

	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}
