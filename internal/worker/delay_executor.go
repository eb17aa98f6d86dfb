package worker

import (
	"context"
	"time"

	"github.com/shaiso/Preingest/internal/orchestrator"
)

// DelayExecutor — executor для handler'а "delay".
//
// Ожидает указанное количество секунд. Поддерживает отмену через context.
//
// Params:
//   - duration_sec (number): длительность задержки в секундах (default: 1)
type DelayExecutor struct{}

// Execute выполняет задержку.
func (e *DelayExecutor) Execute(ctx context.Context, task *orchestrator.Delivery) (*ExecutionResult, error) {
	durationSec := getNumber(task.Params, "duration_sec", 1)
	if durationSec <= 0 {
		durationSec = 1
	}

	duration := time.Duration(durationSec * float64(time.Second))

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return &ExecutionResult{
			Outputs: map[string]any{"delayed_sec": durationSec},
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
