package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shaiso/Preingest/internal/domain"
)

const taskColumns = `t.id, t.step_id, t.attempt_id, t.name, t.params, t.position, t.status, t.undo,
		       t.result, t.error, t.deliveries, t.started_at, t.finished_at, t.created_at, t.updated_at`

// GetTask возвращает task по ID.
func (r *StepRepo) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks t WHERE t.id = $1`
	task, err := scanTask(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// TransitionTask применяет compare-and-set переход статуса.
//
// Возвращает false, если текущий статус не равен tr.From
// (переход уже выполнен кем-то другим).
func (r *StepRepo) TransitionTask(ctx context.Context, tr domain.TaskTransition) (bool, error) {
	resultJSON, err := marshalJSON(tr.Result)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET status      = $3::text,
		    result      = COALESCE($4::jsonb, result),
		    error       = COALESCE($5::text, error),
		    deliveries  = deliveries + CASE WHEN $3::text = 'PENDING' THEN 1 ELSE 0 END,
		    started_at  = CASE WHEN $3::text = 'STARTED' AND started_at IS NULL THEN $6 ELSE started_at END,
		    finished_at = CASE WHEN $3::text IN ('SUCCESS', 'FAILURE', 'CANCELLED') THEN $6 ELSE finished_at END,
		    updated_at  = $6
		WHERE id = $1 AND status = $2
	`,
		tr.TaskID,
		string(tr.From),
		string(tr.To),
		resultJSON,
		nullString(tr.Error),
		tr.At,
	)
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}

	if result.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, tr.TaskID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check task: %w", err)
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

// ListTasksByStatus возвращает tasks в статусе status, самые давние первыми.
func (r *StepRepo) ListTasksByStatus(ctx context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	return queryTasks(ctx, r.pool, `
		SELECT `+taskColumns+`
		FROM tasks t
		WHERE t.status = $1
		ORDER BY t.updated_at ASC
		LIMIT $2
	`, string(status), limit)
}

// --- Helpers ---

// querier — pgxpool.Pool или pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryTasks(ctx context.Context, q querier, query string, args ...any) ([]domain.Task, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func insertTask(ctx context.Context, tx pgx.Tx, task *domain.Task) error {
	paramsJSON, err := marshalJSON(task.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks (id, step_id, attempt_id, name, params, position, status, undo, deliveries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		task.ID,
		task.StepID,
		task.AttemptID,
		task.Name,
		paramsJSON,
		task.Position,
		string(task.Status),
		task.Undo,
		task.Deliveries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: position %d in attempt %s", ErrAlreadyExists, task.Position, task.AttemptID)
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var task domain.Task
	var paramsJSON, resultJSON []byte
	var taskError *string

	err := row.Scan(
		&task.ID,
		&task.StepID,
		&task.AttemptID,
		&task.Name,
		&paramsJSON,
		&task.Position,
		&task.Status,
		&task.Undo,
		&resultJSON,
		&taskError,
		&task.Deliveries,
		&task.StartedAt,
		&task.FinishedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &task.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	if resultJSON != nil {
		if err := json.Unmarshal(resultJSON, &task.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	if taskError != nil {
		task.Error = *taskError
	}

	return &task, nil
}
