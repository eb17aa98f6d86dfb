package worker

import (
	"context"
	"maps"

	"github.com/shaiso/Preingest/internal/orchestrator"
)

// TransformExecutor — executor для handler'а "transform".
//
// Параметры рендерятся при создании шага (pipeline.Instantiate),
// поэтому transform возвращает их как outputs.
type TransformExecutor struct{}

// Execute возвращает params как outputs.
func (e *TransformExecutor) Execute(_ context.Context, task *orchestrator.Delivery) (*ExecutionResult, error) {
	outputs := make(map[string]any, len(task.Params))
	maps.Copy(outputs, task.Params)

	return &ExecutionResult{
		Outputs: outputs,
	}, nil
}
