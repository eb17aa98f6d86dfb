package engine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Preingest/internal/domain"
)

const (
	P  = domain.StatusPrepared
	PE = domain.StatusPending
	ST = domain.StatusStarted
	R  = domain.StatusRetry
	S  = domain.StatusSuccess
	F  = domain.StatusFailure
	C  = domain.StatusCancelled
)

// buildPlan материализует spec и возвращает план и дерево.
func buildPlan(t *testing.T, spec domain.StepSpec) (*domain.Plan, *Tree) {
	t.Helper()
	plan, err := Materialize(spec, Options{}, time.Now())
	require.NoError(t, err)
	tree, err := BuildTree(plan.Steps, attemptsOf(plan.Batches), tasksOf(plan.Batches))
	require.NoError(t, err)
	return plan, tree
}

// setStatuses проставляет статусы актуальных tasks узла по позициям.
func setStatuses(tree *Tree, node int, statuses ...domain.TaskStatus) {
	k := 0
	for _, c := range tree.Nodes[node].Children {
		if c.IsStep() {
			continue
		}
		c.Task.Status = statuses[k]
		k++
	}
}

// --- Aggregate Tests ---

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		parallel bool
		children []domain.TaskStatus
		expected domain.TaskStatus
	}{
		{"empty", false, nil, S},
		{"empty parallel", true, nil, S},
		{"all prepared", false, []domain.TaskStatus{P, P}, P},
		{"all success", false, []domain.TaskStatus{S, S, S}, S},
		{"one pending", false, []domain.TaskStatus{S, PE, P}, ST},
		{"retry counts as started", false, []domain.TaskStatus{R, P}, ST},
		{"sequential progress", false, []domain.TaskStatus{S, P, P}, ST},
		{"sequential failure halts", false, []domain.TaskStatus{S, F, P}, F},
		{"sequential cancelled", false, []domain.TaskStatus{S, C, P}, C},
		{"sequential earliest wins", false, []domain.TaskStatus{S, C, F}, C},
		{"sequential failure first", false, []domain.TaskStatus{F, C}, F},
		{"parallel in flight", true, []domain.TaskStatus{F, ST}, ST},
		{"parallel failure", true, []domain.TaskStatus{S, F}, F},
		{"parallel failure beats cancel", true, []domain.TaskStatus{C, F}, F},
		{"parallel cancelled", true, []domain.TaskStatus{S, C}, C},
		{"parallel all prepared", true, []domain.TaskStatus{P, P}, P},
		{"parallel partial", true, []domain.TaskStatus{S, P}, ST},
		{"parallel all success", true, []domain.TaskStatus{S, S}, S},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Aggregate(tt.parallel, tt.children))
		})
	}
}

func TestAggregate_Deterministic(t *testing.T) {
	children := []domain.TaskStatus{S, F, P}
	first := Aggregate(false, children)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Aggregate(false, children))
	}
}

// --- BuildTree Tests ---

func TestBuildTree_Consistency(t *testing.T) {
	stepID := uuid.New()
	attempt := domain.Attempt{ID: uuid.New(), StepID: stepID, Seq: 1}
	steps := []domain.Step{{ID: stepID, RootID: stepID, Name: "s"}}

	mk := func(pos int, attemptID uuid.UUID) domain.Task {
		return domain.Task{ID: uuid.New(), StepID: stepID, AttemptID: attemptID, Position: pos, Status: P}
	}

	t.Run("gap", func(t *testing.T) {
		_, err := BuildTree(steps, []domain.Attempt{attempt}, []domain.Task{mk(0, attempt.ID), mk(2, attempt.ID)})
		assert.ErrorIs(t, err, ErrPositionGap)
	})

	t.Run("duplicate", func(t *testing.T) {
		_, err := BuildTree(steps, []domain.Attempt{attempt}, []domain.Task{mk(0, attempt.ID), mk(0, attempt.ID)})
		assert.ErrorIs(t, err, ErrDuplicatePosition)
	})

	t.Run("foreign attempt", func(t *testing.T) {
		_, err := BuildTree(steps, []domain.Attempt{attempt}, []domain.Task{mk(0, uuid.New())})
		assert.ErrorIs(t, err, ErrAttemptMismatch)
	})

	t.Run("retry outside layout", func(t *testing.T) {
		retry := domain.Attempt{ID: uuid.New(), StepID: stepID, Seq: 2}
		_, err := BuildTree(steps, []domain.Attempt{attempt, retry}, []domain.Task{mk(0, attempt.ID), mk(1, retry.ID)})
		assert.ErrorIs(t, err, ErrUnknownPosition)
	})

	t.Run("orphan", func(t *testing.T) {
		missing := uuid.New()
		orphan := domain.Step{ID: uuid.New(), RootID: stepID, ParentID: &missing, Name: "o"}
		_, err := BuildTree(append(steps, orphan), []domain.Attempt{attempt}, []domain.Task{mk(0, attempt.ID)})
		assert.ErrorIs(t, err, ErrOrphanStep)
	})

	t.Run("latest attempt wins", func(t *testing.T) {
		retry := domain.Attempt{ID: uuid.New(), StepID: stepID, Seq: 2}
		old0, old1 := mk(0, attempt.ID), mk(1, attempt.ID)
		old1.Status = F
		new1 := mk(1, retry.ID)

		// Порядок строк не важен.
		tree, err := BuildTree(steps, []domain.Attempt{retry, attempt}, []domain.Task{new1, old0, old1})
		require.NoError(t, err)

		children := tree.Root().Children
		require.Len(t, children, 2)
		assert.Equal(t, old0.ID, children[0].Task.ID)
		assert.Equal(t, new1.ID, children[1].Task.ID)
		assert.Equal(t, retry.ID, tree.Root().LatestAttempt().ID)
		assert.Len(t, tree.HistoryTasks(0), 3)
	})
}

// --- Dispatch Tests ---

func TestDispatchable_Sequential(t *testing.T) {
	_, tree := buildPlan(t, domain.StepSpec{Name: "seq", Tasks: []domain.TaskSpec{
		task("a", nil), task("b", nil), task("c", nil),
	}})

	ready := tree.Dispatchable(0)
	require.Len(t, ready, 1)
	assert.Equal(t, 0, ready[0].Position)

	setStatuses(tree, 0, ST, P, P)
	assert.Empty(t, tree.Dispatchable(0))

	setStatuses(tree, 0, S, P, P)
	ready = tree.Dispatchable(0)
	require.Len(t, ready, 1)
	assert.Equal(t, 1, ready[0].Position)

	// FAILURE останавливает последовательный шаг.
	setStatuses(tree, 0, S, F, P)
	assert.Empty(t, tree.Dispatchable(0))
	assert.Equal(t, F, tree.Status(0))

	setStatuses(tree, 0, S, S, S)
	assert.Empty(t, tree.Dispatchable(0))
	assert.Equal(t, S, tree.Status(0))
}

func TestDispatchable_Parallel(t *testing.T) {
	_, tree := buildPlan(t, domain.StepSpec{Name: "par", Parallel: true, Tasks: []domain.TaskSpec{
		task("a", nil), task("b", nil),
	}})

	assert.Len(t, tree.Dispatchable(0), 2)

	setStatuses(tree, 0, ST, P)
	ready := tree.Dispatchable(0)
	require.Len(t, ready, 1)
	assert.Equal(t, 1, ready[0].Position)
}

func TestDispatchable_Nested(t *testing.T) {
	_, tree := buildPlan(t, domain.StepSpec{Name: "root", Tasks: []domain.TaskSpec{
		task("a", nil),
		sub(domain.StepSpec{Name: "inner", Parallel: true, Tasks: []domain.TaskSpec{
			task("b", nil), task("c", nil),
		}}),
		task("d", nil),
	}})

	inner, ok := tree.Index(tree.Nodes[1].Step.ID)
	require.True(t, ok)

	ready := tree.Dispatchable(0)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].Name)

	setStatuses(tree, 0, S, P)
	ready = tree.Dispatchable(0)
	require.Len(t, ready, 2)
	assert.ElementsMatch(t, []string{"b", "c"}, []string{ready[0].Name, ready[1].Name})

	// Пока вложенный шаг не завершён, d не отдаётся.
	setStatuses(tree, inner, S, ST)
	assert.Empty(t, tree.Dispatchable(0))
	assert.Equal(t, ST, tree.Status(0))

	setStatuses(tree, inner, S, S)
	ready = tree.Dispatchable(0)
	require.Len(t, ready, 1)
	assert.Equal(t, "d", ready[0].Name)

	setStatuses(tree, inner, S, F)
	assert.Empty(t, tree.Dispatchable(0))
	assert.Equal(t, F, tree.Status(0))

	failed := tree.FirstFailure(0)
	require.NotNil(t, failed)
	assert.Equal(t, "c", failed.Name)
}

func TestDispatchableIn_RespectsAncestors(t *testing.T) {
	_, tree := buildPlan(t, domain.StepSpec{Name: "root", Tasks: []domain.TaskSpec{
		task("a", nil),
		sub(domain.StepSpec{Name: "inner", Tasks: []domain.TaskSpec{task("x", nil)}}),
	}})
	inner := 1

	// Вложенный шаг ждёт, пока не завершится a.
	assert.Len(t, tree.Dispatchable(inner), 1)
	assert.Empty(t, tree.DispatchableIn(inner))

	ready := tree.DispatchableIn(0)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].Name)

	setStatuses(tree, 0, S)
	ready = tree.DispatchableIn(inner)
	require.Len(t, ready, 1)
	assert.Equal(t, "x", ready[0].Name)
}

func TestDispatchable_EmptyContainer(t *testing.T) {
	for _, parallel := range []bool{false, true} {
		_, tree := buildPlan(t, domain.StepSpec{Name: "root", Parallel: parallel, Tasks: []domain.TaskSpec{
			sub(domain.StepSpec{Name: "placeholder", Container: true}),
			task("b", nil),
		}})

		assert.Equal(t, S, tree.Status(1))

		ready := tree.Dispatchable(0)
		require.Len(t, ready, 1, "parallel=%v", parallel)
		assert.Equal(t, "b", ready[0].Name)

		setStatuses(tree, 0, S)
		assert.Equal(t, S, tree.Status(0), "parallel=%v", parallel)
	}
}

func TestInFlight(t *testing.T) {
	_, tree := buildPlan(t, domain.StepSpec{Name: "s", Tasks: []domain.TaskSpec{task("a", nil), task("b", nil)}})

	assert.False(t, tree.InFlight(0))
	setStatuses(tree, 0, S, R)
	assert.True(t, tree.InFlight(0))
	setStatuses(tree, 0, S, F)
	assert.False(t, tree.InFlight(0))
}

// --- Retry Tests ---

func TestPlanRetry_OnlyFailed(t *testing.T) {
	plan, tree := buildPlan(t, domain.StepSpec{Name: "s", Parallel: true, Tasks: []domain.TaskSpec{
		task("a", map[string]any{"n": 1}), task("b", map[string]any{"n": 2}), task("c", nil),
	}})
	setStatuses(tree, 0, S, F, S)

	retry, err := tree.PlanRetry(0, domain.Selection{}, time.Now())
	require.NoError(t, err)

	assert.NotEqual(t, plan.Batches[0].Attempt.ID, retry.Attempt.ID)
	assert.Equal(t, 2, retry.Attempt.Seq)
	assert.Equal(t, domain.AttemptReasonRetry, retry.Attempt.Reason)

	require.Len(t, retry.Batches, 1)
	require.Len(t, retry.Batches[0].Tasks, 1)

	clone := retry.Batches[0].Tasks[0]
	assert.Equal(t, "b", clone.Name)
	assert.Equal(t, 1, clone.Position)
	assert.Equal(t, 2, clone.Params["n"])
	assert.Equal(t, P, clone.Status)
	assert.Equal(t, retry.Attempt.ID, clone.AttemptID)

	// Исходный task не изменился.
	assert.Equal(t, F, tree.Root().Children[1].Task.Status)
}

func TestPlanRetry_AllSucceeded(t *testing.T) {
	_, tree := buildPlan(t, domain.StepSpec{Name: "s", Tasks: []domain.TaskSpec{task("a", nil)}})
	setStatuses(tree, 0, S)

	_, err := tree.PlanRetry(0, domain.Selection{}, time.Now())
	assert.ErrorIs(t, err, ErrNothingToRetry)

	// Явный выбор повторяет и успешные.
	retry, err := tree.PlanRetry(0, domain.Selection{Positions: []int{0}}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, retry.TaskCount())
}

func TestPlanRetry_InvalidSelection(t *testing.T) {
	_, tree := buildPlan(t, domain.StepSpec{Name: "s", Tasks: []domain.TaskSpec{task("a", nil), task("b", nil)}})

	_, err := tree.PlanRetry(0, domain.Selection{Positions: []int{5}}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidSelection)

	_, err = tree.PlanRetry(0, domain.Selection{Positions: []int{1, 1}}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidSelection)
}

func TestPlanRetry_Nested(t *testing.T) {
	_, tree := buildPlan(t, domain.StepSpec{Name: "root", Tasks: []domain.TaskSpec{
		task("a", nil),
		sub(domain.StepSpec{Name: "inner", Tasks: []domain.TaskSpec{task("b", nil), task("c", nil)}}),
	}})
	inner := 1
	setStatuses(tree, 0, S)
	setStatuses(tree, inner, S, F)

	retry, err := tree.PlanRetry(0, domain.Selection{}, time.Now())
	require.NoError(t, err)

	// Новая попытка у корня (без tasks) и у вложенного шага (только c).
	require.Len(t, retry.Batches, 2)
	assert.Equal(t, tree.Nodes[0].Step.ID, retry.Batches[0].Attempt.StepID)
	assert.Empty(t, retry.Batches[0].Tasks)
	assert.Equal(t, tree.Nodes[inner].Step.ID, retry.Batches[1].Attempt.StepID)
	require.Len(t, retry.Batches[1].Tasks, 1)
	assert.Equal(t, "c", retry.Batches[1].Tasks[0].Name)

	// Явный выбор успешного вложенного шага повторяет его целиком.
	setStatuses(tree, inner, S, S)
	retry, err = tree.PlanRetry(0, domain.Selection{Positions: []int{1}}, time.Now())
	require.NoError(t, err)
	require.Len(t, retry.Batches, 2)
	assert.Len(t, retry.Batches[1].Tasks, 2)
}

func TestSuperseded(t *testing.T) {
	stepID := uuid.New()
	a1 := domain.Attempt{ID: uuid.New(), StepID: stepID, Seq: 1}
	a2 := domain.Attempt{ID: uuid.New(), StepID: stepID, Seq: 2}
	a3 := domain.Attempt{ID: uuid.New(), StepID: stepID, Seq: 3}
	steps := []domain.Step{{ID: stepID, RootID: stepID, Name: "s"}}
	tasks := []domain.Task{
		{ID: uuid.New(), StepID: stepID, AttemptID: a1.ID, Position: 0, Status: F},
		{ID: uuid.New(), StepID: stepID, AttemptID: a2.ID, Position: 0, Status: F},
		{ID: uuid.New(), StepID: stepID, AttemptID: a3.ID, Position: 0, Status: S},
	}

	tree, err := BuildTree(steps, []domain.Attempt{a1, a2, a3}, tasks)
	require.NoError(t, err)

	ok, err := tree.Superseded(0, a2.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tree.Superseded(0, a1.ID)
	require.NoError(t, err)
	assert.False(t, ok, "creation attempt defines the layout")

	ok, err = tree.Superseded(0, a3.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = tree.Superseded(0, uuid.New())
	assert.ErrorIs(t, err, ErrNodeNotFound)
}

// --- Undo Tests ---

// applyPlan добавляет попытки плана к строкам дерева и строит его заново.
func applyPlan(t *testing.T, tree *Tree, plan *AttemptPlan) *Tree {
	t.Helper()

	var steps []domain.Step
	var attempts []domain.Attempt
	var tasks []domain.Task
	for _, n := range tree.Nodes {
		steps = append(steps, n.Step)
		attempts = append(attempts, n.Attempts...)
		for _, task := range n.History {
			tasks = append(tasks, *task)
		}
	}
	attempts = append(attempts, attemptsOf(plan.Batches)...)
	tasks = append(tasks, tasksOf(plan.Batches)...)

	next, err := BuildTree(steps, attempts, tasks)
	require.NoError(t, err)
	return next
}

func TestPlanUndo_ReverseOrder(t *testing.T) {
	_, tree := buildPlan(t, domain.StepSpec{Name: "s", Tasks: []domain.TaskSpec{
		task("a", map[string]any{"path": "/a"}), task("b", nil), task("c", nil),
	}})
	setStatuses(tree, 0, S, S, S)
	tree.Root().Children[0].Task.Result = map[string]any{"sha256": "ab"}

	plan, err := tree.PlanUndo(0, domain.Selection{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptReasonUndo, plan.Attempt.Reason)
	assert.Equal(t, 2, plan.Attempt.Seq)
	require.Equal(t, 3, plan.TaskCount())

	first := plan.Batches[0].Tasks[0]
	assert.True(t, first.Undo)
	assert.Equal(t, "/a", first.Params["path"])
	assert.Equal(t, map[string]any{"sha256": "ab"}, first.Params[domain.UndoResultParam])

	tree = applyPlan(t, tree, plan)
	assert.True(t, tree.Root().Undoing())
	assert.Equal(t, P, tree.Status(0))
	assert.False(t, tree.Undone(0))

	// Откат идёт от последней позиции к первой.
	ready := tree.Dispatchable(0)
	require.Len(t, ready, 1)
	assert.Equal(t, "c", ready[0].Name)
	assert.True(t, ready[0].Undo)

	setStatuses(tree, 0, P, P, S)
	ready = tree.Dispatchable(0)
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].Name)

	setStatuses(tree, 0, S, S, S)
	assert.Equal(t, S, tree.Status(0))
	assert.True(t, tree.Undone(0))
	assert.True(t, tree.ChildUndone(tree.Root().Children[1]))

	_, err = tree.PlanUndo(0, domain.Selection{}, time.Now())
	assert.ErrorIs(t, err, ErrNothingToUndo)
}

func TestPlanUndo_SkipsUnsuccessful(t *testing.T) {
	_, tree := buildPlan(t, domain.StepSpec{Name: "s", Tasks: []domain.TaskSpec{
		task("a", nil), task("b", nil), task("c", nil),
	}})
	setStatuses(tree, 0, S, F, P)

	plan, err := tree.PlanUndo(0, domain.Selection{}, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, plan.TaskCount())
	assert.Equal(t, "a", plan.Batches[0].Tasks[0].Name)

	_, err = tree.PlanUndo(0, domain.Selection{Positions: []int{1}}, time.Now())
	assert.ErrorIs(t, err, ErrInvalidSelection)

	// FAILURE у b не влияет на статус отката.
	tree = applyPlan(t, tree, plan)
	assert.Equal(t, P, tree.Status(0))
	setStatuses(tree, 0, S, F, P)
	assert.Equal(t, S, tree.Status(0))
	assert.Nil(t, tree.FirstFailure(0))
}

func TestPlanUndo_Nested(t *testing.T) {
	_, tree := buildPlan(t, domain.StepSpec{Name: "root", Tasks: []domain.TaskSpec{
		task("a", nil),
		sub(domain.StepSpec{Name: "inner", Tasks: []domain.TaskSpec{task("b", nil), task("c", nil)}}),
	}})
	inner := 1
	setStatuses(tree, 0, S)
	setStatuses(tree, inner, S, S)

	plan, err := tree.PlanUndo(0, domain.Selection{}, time.Now())
	require.NoError(t, err)
	require.Len(t, plan.Batches, 2)
	assert.Equal(t, 3, plan.TaskCount())

	tree = applyPlan(t, tree, plan)

	// Сначала откатывается вложенный шаг, начиная с c.
	ready := tree.Dispatchable(0)
	require.Len(t, ready, 1)
	assert.Equal(t, "c", ready[0].Name)

	setStatuses(tree, inner, S, S)
	ready = tree.Dispatchable(0)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].Name)
	assert.True(t, tree.Undone(inner))
}

func TestPlanRetry_AfterUndo(t *testing.T) {
	_, tree := buildPlan(t, domain.StepSpec{Name: "s", Tasks: []domain.TaskSpec{
		task("a", nil), task("b", nil),
	}})
	setStatuses(tree, 0, S, S)

	plan, err := tree.PlanUndo(0, domain.Selection{}, time.Now())
	require.NoError(t, err)
	tree = applyPlan(t, tree, plan)

	// Неуспешный откат повторяется как откат.
	setStatuses(tree, 0, S, F)
	retry, err := tree.PlanRetry(0, domain.Selection{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptReasonUndo, retry.Attempt.Reason)
	require.Equal(t, 1, retry.TaskCount())
	assert.Equal(t, "b", retry.Batches[0].Tasks[0].Name)
	assert.True(t, retry.Batches[0].Tasks[0].Undo)

	// Завершённый откат: retry выполняет tasks заново.
	setStatuses(tree, 0, S, S)
	retry, err = tree.PlanRetry(0, domain.Selection{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, domain.AttemptReasonRetry, retry.Attempt.Reason)
	require.Equal(t, 2, retry.TaskCount())
	for _, task := range retry.Batches[0].Tasks {
		assert.False(t, task.Undo)
		assert.NotContains(t, task.Params, domain.UndoResultParam)
	}

	tree = applyPlan(t, tree, retry)
	assert.False(t, tree.Root().Undoing())
	assert.Equal(t, P, tree.Status(0))
	ready := tree.Dispatchable(0)
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].Name)
}
