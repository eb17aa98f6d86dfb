package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Preingest/internal/domain"
)

// StepRepo — Postgres-хранилище шагов, попыток и tasks.
//
// Все изменения статусов tasks выполняются compare-and-set
// (UPDATE ... WHERE status = $expected). Создание дерева и новых
// попыток выполняется в одной транзакции.
type StepRepo struct {
	pool *pgxpool.Pool
}

// NewStepRepo создаёт новый StepRepo.
func NewStepRepo(pool *pgxpool.Pool) *StepRepo {
	return &StepRepo{pool: pool}
}

// StepFilter — параметры фильтрации корневых шагов.
type StepFilter struct {
	Active *bool
	Limit  int
	Offset int
}

// CreatePlan атомарно создаёт шаги, попытки и tasks нового дерева.
func (r *StepRepo) CreatePlan(ctx context.Context, plan *domain.Plan) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		for i := range plan.Steps {
			if err := insertStep(ctx, tx, &plan.Steps[i]); err != nil {
				return err
			}
		}
		return insertBatches(ctx, tx, plan.Batches)
	})
}

// CreateAttempts атомарно создаёт новые попытки и их tasks.
func (r *StepRepo) CreateAttempts(ctx context.Context, batches []domain.AttemptBatch) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return insertBatches(ctx, tx, batches)
	})
}

// GetStep возвращает шаг по ID.
func (r *StepRepo) GetStep(ctx context.Context, id uuid.UUID) (*domain.Step, error) {
	query := `
		SELECT id, root_id, parent_id, position, name, parallel, container, active, created_at
		FROM steps
		WHERE id = $1
	`
	step, err := scanStep(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return step, err
}

// ListRoots возвращает корневые шаги, новые первыми.
func (r *StepRepo) ListRoots(ctx context.Context, filter StepFilter) ([]domain.Step, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, root_id, parent_id, position, name, parallel, container, active, created_at
		FROM steps
		WHERE parent_id IS NULL
		  AND ($1::boolean IS NULL OR active = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.pool.Query(ctx, query, filter.Active, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list root steps: %w", err)
	}
	defer rows.Close()

	var steps []domain.Step
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, *step)
	}
	return steps, rows.Err()
}

// LoadTree загружает все строки дерева корня rootID.
//
// Шаги, попытки и tasks читаются в одной read-only транзакции
// REPEATABLE READ: снимок согласован, даже если параллельно
// создаётся новая попытка.
func (r *StepRepo) LoadTree(ctx context.Context, rootID uuid.UUID) (*domain.Snapshot, error) {
	var snap *domain.Snapshot
	err := pgx.BeginTxFunc(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		var err error
		snap, err = loadSnapshot(ctx, tx, rootID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func loadSnapshot(ctx context.Context, q querier, rootID uuid.UUID) (*domain.Snapshot, error) {
	snap := &domain.Snapshot{}

	rows, err := q.Query(ctx, `
		SELECT id, root_id, parent_id, position, name, parallel, container, active, created_at
		FROM steps
		WHERE root_id = $1
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("list steps by root: %w", err)
	}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		snap.Steps = append(snap.Steps, *step)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list steps by root: %w", err)
	}

	if len(snap.Steps) == 0 {
		return nil, ErrNotFound
	}

	rows, err = q.Query(ctx, `
		SELECT a.id, a.step_id, a.seq, a.reason, a.created_at
		FROM attempts a
		JOIN steps s ON s.id = a.step_id
		WHERE s.root_id = $1
		ORDER BY a.step_id, a.seq
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("list attempts by root: %w", err)
	}
	for rows.Next() {
		var a domain.Attempt
		if err := rows.Scan(&a.ID, &a.StepID, &a.Seq, &a.Reason, &a.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		snap.Attempts = append(snap.Attempts, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list attempts by root: %w", err)
	}

	snap.Tasks, err = queryTasks(ctx, q, `
		SELECT `+taskColumns+`
		FROM tasks t
		JOIN steps s ON s.id = t.step_id
		WHERE s.root_id = $1
		ORDER BY t.step_id, t.position, t.created_at
	`, rootID)
	if err != nil {
		return nil, err
	}

	return snap, nil
}

// SetActive помечает корень как запущенный (или снимает пометку).
func (r *StepRepo) SetActive(ctx context.Context, rootID uuid.UUID, active bool) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE steps SET active = $2 WHERE id = $1 AND parent_id IS NULL
	`, rootID, active)
	if err != nil {
		return fmt.Errorf("update step active: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveRoots возвращает запущенные корни, у которых есть
// незавершённые tasks.
func (r *StepRepo) ListActiveRoots(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT s.id
		FROM steps s
		WHERE s.parent_id IS NULL AND s.active
		  AND EXISTS (
		      SELECT 1 FROM tasks t
		      JOIN steps c ON c.id = t.step_id
		      WHERE c.root_id = s.id AND t.status IN ('PREPARED', 'RETRY')
		  )
		ORDER BY s.created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list active roots: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan root id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTree удаляет корень со всеми потомками, попытками и tasks.
func (r *StepRepo) DeleteTree(ctx context.Context, rootID uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM steps WHERE id = $1 AND parent_id IS NULL`, rootID)
	if err != nil {
		return fmt.Errorf("delete step: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeAttempt удаляет попытку и её tasks.
func (r *StepRepo) PurgeAttempt(ctx context.Context, attemptID uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM attempts WHERE id = $1`, attemptID)
	if err != nil {
		return fmt.Errorf("delete attempt: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

func insertStep(ctx context.Context, tx pgx.Tx, step *domain.Step) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO steps (id, root_id, parent_id, position, name, parallel, container, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		step.ID,
		step.RootID,
		step.ParentID,
		step.Position,
		step.Name,
		step.Parallel,
		step.Container,
		step.Active,
		step.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: step %s", ErrAlreadyExists, step.ID)
		}
		return fmt.Errorf("insert step: %w", err)
	}
	return nil
}

func insertBatches(ctx context.Context, tx pgx.Tx, batches []domain.AttemptBatch) error {
	for _, b := range batches {
		_, err := tx.Exec(ctx, `
			INSERT INTO attempts (id, step_id, seq, reason, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, b.Attempt.ID, b.Attempt.StepID, b.Attempt.Seq, b.Attempt.Reason, b.Attempt.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: attempt %d of step %s", ErrAlreadyExists, b.Attempt.Seq, b.Attempt.StepID)
			}
			return fmt.Errorf("insert attempt: %w", err)
		}

		for i := range b.Tasks {
			if err := insertTask(ctx, tx, &b.Tasks[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func scanStep(row pgx.Row) (*domain.Step, error) {
	var step domain.Step
	err := row.Scan(
		&step.ID,
		&step.RootID,
		&step.ParentID,
		&step.Position,
		&step.Name,
		&step.Parallel,
		&step.Container,
		&step.Active,
		&step.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan step: %w", err)
	}
	return &step, nil
}

// marshalJSON сериализует map в JSON (nil для пустых значений).
func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
