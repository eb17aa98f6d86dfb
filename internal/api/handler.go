package api

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/shaiso/Preingest/internal/domain"
	"github.com/shaiso/Preingest/internal/orchestrator"
	"github.com/shaiso/Preingest/internal/pipeline"
	"github.com/shaiso/Preingest/internal/repo"
)

// Orchestrator — операции оркестратора, доступные через API.
// Реализация: *orchestrator.Orchestrator.
type Orchestrator interface {
	CreateStepFromSpec(ctx context.Context, spec domain.StepSpec) (uuid.UUID, error)
	RunStep(ctx context.Context, stepID uuid.UUID) (*orchestrator.DispatchResult, error)
	RetryStep(ctx context.Context, stepID uuid.UUID, sel domain.Selection) (*orchestrator.PlanResult, error)
	UndoStep(ctx context.Context, stepID uuid.UUID, sel domain.Selection) (*orchestrator.PlanResult, error)
	CancelStep(ctx context.Context, stepID uuid.UUID) (*orchestrator.StatusReport, error)
	GetStatus(ctx context.Context, stepID uuid.UUID) (*orchestrator.StatusReport, error)
	ListSteps(ctx context.Context, filter repo.StepFilter) ([]orchestrator.StepSummary, error)
	ListTasks(ctx context.Context, stepID uuid.UUID, attemptID *uuid.UUID) ([]domain.Task, error)
	ListAttempts(ctx context.Context, stepID uuid.UUID) ([]domain.Attempt, error)
	PurgeAttempt(ctx context.Context, stepID, attemptID uuid.UUID) error
	DeleteStep(ctx context.Context, stepID uuid.UUID) error
	GetTask(ctx context.Context, taskID uuid.UUID) (*orchestrator.TaskDetail, error)
	RetryTask(ctx context.Context, taskID uuid.UUID) (*orchestrator.PlanResult, error)
	UndoTask(ctx context.Context, taskID uuid.UUID) (*orchestrator.PlanResult, error)
	Report(ctx context.Context, r orchestrator.Report) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	orchestrator Orchestrator
	catalog      *pipeline.Catalog
	logger       *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Orchestrator Orchestrator
	Catalog      *pipeline.Catalog
	Logger       *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	catalog := cfg.Catalog
	if catalog == nil {
		catalog = pipeline.NewCatalog()
	}

	return &Handler{
		orchestrator: cfg.Orchestrator,
		catalog:      catalog,
		logger:       logger,
	}
}
