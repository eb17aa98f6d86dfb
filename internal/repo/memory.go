package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shaiso/Preingest/internal/domain"
)

// MemoryStore — хранилище в памяти процесса с той же семантикой,
// что и StepRepo: атомарное создание, compare-and-set переходы,
// каскадное удаление. Используется в тестах и в режиме --store=memory.
type MemoryStore struct {
	mu       sync.RWMutex
	steps    map[uuid.UUID]domain.Step
	attempts map[uuid.UUID]domain.Attempt
	tasks    map[uuid.UUID]domain.Task
}

// NewMemoryStore создаёт пустое хранилище.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		steps:    make(map[uuid.UUID]domain.Step),
		attempts: make(map[uuid.UUID]domain.Attempt),
		tasks:    make(map[uuid.UUID]domain.Task),
	}
}

// CreatePlan атомарно создаёт шаги, попытки и tasks нового дерева.
func (s *MemoryStore) CreatePlan(_ context.Context, plan *domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, step := range plan.Steps {
		if _, exists := s.steps[step.ID]; exists {
			return fmt.Errorf("%w: step %s", ErrAlreadyExists, step.ID)
		}
	}
	if err := s.checkBatches(plan.Batches); err != nil {
		return err
	}

	for _, step := range plan.Steps {
		s.steps[step.ID] = step
	}
	s.insertBatches(plan.Batches)
	return nil
}

// CreateAttempts атомарно создаёт новые попытки и их tasks.
func (s *MemoryStore) CreateAttempts(_ context.Context, batches []domain.AttemptBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range batches {
		if _, exists := s.steps[b.Attempt.StepID]; !exists {
			return fmt.Errorf("%w: step %s", ErrNotFound, b.Attempt.StepID)
		}
	}
	if err := s.checkBatches(batches); err != nil {
		return err
	}

	s.insertBatches(batches)
	return nil
}

// checkBatches проверяет уникальность (step, seq) и (attempt, position).
func (s *MemoryStore) checkBatches(batches []domain.AttemptBatch) error {
	for _, b := range batches {
		for _, a := range s.attempts {
			if a.StepID == b.Attempt.StepID && a.Seq == b.Attempt.Seq {
				return fmt.Errorf("%w: attempt %d of step %s", ErrAlreadyExists, a.Seq, a.StepID)
			}
		}

		seen := make(map[int]bool, len(b.Tasks))
		for _, t := range b.Tasks {
			if seen[t.Position] {
				return fmt.Errorf("%w: position %d in attempt %s", ErrAlreadyExists, t.Position, b.Attempt.ID)
			}
			seen[t.Position] = true
		}
	}
	return nil
}

func (s *MemoryStore) insertBatches(batches []domain.AttemptBatch) {
	for _, b := range batches {
		s.attempts[b.Attempt.ID] = b.Attempt
		for _, t := range b.Tasks {
			s.tasks[t.ID] = copyTask(t)
		}
	}
}

// GetStep возвращает шаг по ID.
func (s *MemoryStore) GetStep(_ context.Context, id uuid.UUID) (*domain.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, ok := s.steps[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &step, nil
}

// GetTask возвращает task по ID.
func (s *MemoryStore) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	task = copyTask(task)
	return &task, nil
}

// ListRoots возвращает корневые шаги, новые первыми.
func (s *MemoryStore) ListRoots(_ context.Context, filter StepFilter) ([]domain.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var roots []domain.Step
	for _, step := range s.steps {
		if !step.IsRoot() {
			continue
		}
		if filter.Active != nil && step.Active != *filter.Active {
			continue
		}
		roots = append(roots, step)
	}

	sort.Slice(roots, func(i, j int) bool { return roots[i].CreatedAt.After(roots[j].CreatedAt) })
	return paginate(roots, filter.Limit, filter.Offset), nil
}

// LoadTree загружает все строки дерева корня rootID.
func (s *MemoryStore) LoadTree(_ context.Context, rootID uuid.UUID) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &domain.Snapshot{}
	stepIDs := make(map[uuid.UUID]bool)
	for _, step := range s.steps {
		if step.RootID == rootID {
			snap.Steps = append(snap.Steps, step)
			stepIDs[step.ID] = true
		}
	}
	if len(snap.Steps) == 0 {
		return nil, ErrNotFound
	}

	for _, a := range s.attempts {
		if stepIDs[a.StepID] {
			snap.Attempts = append(snap.Attempts, a)
		}
	}
	for _, t := range s.tasks {
		if stepIDs[t.StepID] {
			snap.Tasks = append(snap.Tasks, copyTask(t))
		}
	}

	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].CreatedAt.Before(snap.Tasks[j].CreatedAt) })
	return snap, nil
}

// TransitionTask применяет compare-and-set переход статуса.
func (s *MemoryStore) TransitionTask(_ context.Context, tr domain.TaskTransition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[tr.TaskID]
	if !ok {
		return false, ErrNotFound
	}
	if task.Status != tr.From {
		return false, nil
	}

	tr.Apply(&task)
	s.tasks[task.ID] = task
	return true, nil
}

// SetActive помечает корень как запущенный (или снимает пометку).
func (s *MemoryStore) SetActive(_ context.Context, rootID uuid.UUID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[rootID]
	if !ok || !step.IsRoot() {
		return ErrNotFound
	}
	step.Active = active
	s.steps[rootID] = step
	return nil
}

// ListTasksByStatus возвращает tasks в статусе status, самые давние первыми.
func (s *MemoryStore) ListTasksByStatus(_ context.Context, status domain.TaskStatus, limit int) ([]domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tasks []domain.Task
	for _, t := range s.tasks {
		if t.Status == status {
			tasks = append(tasks, copyTask(t))
		}
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].UpdatedAt.Before(tasks[j].UpdatedAt) })
	return paginate(tasks, limit, 0), nil
}

// ListActiveRoots возвращает запущенные корни с незавершёнными tasks.
func (s *MemoryStore) ListActiveRoots(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	waiting := make(map[uuid.UUID]bool)
	for _, t := range s.tasks {
		if t.Status != domain.StatusPrepared && t.Status != domain.StatusRetry {
			continue
		}
		if step, ok := s.steps[t.StepID]; ok {
			waiting[step.RootID] = true
		}
	}

	var roots []domain.Step
	for id := range waiting {
		if root, ok := s.steps[id]; ok && root.Active {
			roots = append(roots, root)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].CreatedAt.Before(roots[j].CreatedAt) })

	roots = paginate(roots, limit, 0)
	ids := make([]uuid.UUID, len(roots))
	for i, r := range roots {
		ids[i] = r.ID
	}
	return ids, nil
}

// DeleteTree удаляет корень со всеми потомками, попытками и tasks.
func (s *MemoryStore) DeleteTree(_ context.Context, rootID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	root, ok := s.steps[rootID]
	if !ok || !root.IsRoot() {
		return ErrNotFound
	}

	for id, step := range s.steps {
		if step.RootID != rootID {
			continue
		}
		for aid, a := range s.attempts {
			if a.StepID == id {
				delete(s.attempts, aid)
			}
		}
		for tid, t := range s.tasks {
			if t.StepID == id {
				delete(s.tasks, tid)
			}
		}
		delete(s.steps, id)
	}
	return nil
}

// PurgeAttempt удаляет попытку и её tasks.
func (s *MemoryStore) PurgeAttempt(_ context.Context, attemptID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attempts[attemptID]; !ok {
		return ErrNotFound
	}
	delete(s.attempts, attemptID)
	for id, t := range s.tasks {
		if t.AttemptID == attemptID {
			delete(s.tasks, id)
		}
	}
	return nil
}

// copyTask копирует task вместе с map-полями.
func copyTask(t domain.Task) domain.Task {
	if t.Params != nil {
		params := make(map[string]any, len(t.Params))
		for k, v := range t.Params {
			params[k] = v
		}
		t.Params = params
	}
	if t.Result != nil {
		result := make(map[string]any, len(t.Result))
		for k, v := range t.Result {
			result[k] = v
		}
		t.Result = result
	}
	return t
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
