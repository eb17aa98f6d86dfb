package repo

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Preingest/internal/domain"
)

// newTestRepo подключается к Postgres из PREINGEST_TEST_DSN.
// Без переменной тест пропускается.
func newTestRepo(t *testing.T) *StepRepo {
	t.Helper()

	dsn := os.Getenv("PREINGEST_TEST_DSN")
	if dsn == "" {
		t.Skip("PREINGEST_TEST_DSN is not set")
	}

	ctx := context.Background()
	pool, err := NewPool(ctx, PoolConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool))
	return NewStepRepo(pool)
}

// --- StepRepo Tests ---

func TestStepRepo_UndoRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	plan := newPlan("prepare", 1)
	require.NoError(t, r.CreatePlan(ctx, plan))
	t.Cleanup(func() { r.DeleteTree(context.Background(), plan.RootID()) })

	source := plan.Batches[0].Tasks[0]
	source.Status = domain.StatusSuccess
	source.Result = map[string]any{"path": "/a"}

	attempt := domain.Attempt{ID: uuid.New(), StepID: plan.RootID(), Seq: 2, Reason: domain.AttemptReasonUndo, CreatedAt: time.Now()}
	undo := source.CloneForUndo(attempt.ID, time.Now())
	require.NoError(t, r.CreateAttempts(ctx, []domain.AttemptBatch{{Attempt: attempt, Tasks: []domain.Task{undo}}}))

	got, err := r.GetTask(ctx, undo.ID)
	require.NoError(t, err)
	assert.True(t, got.Undo)
	assert.Equal(t, map[string]any{"path": "/a"}, got.Params[domain.UndoResultParam])

	first, err := r.GetTask(ctx, source.ID)
	require.NoError(t, err)
	assert.False(t, first.Undo)
}

func TestStepRepo_LoadTreeConsistentSnapshot(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)

	plan := newPlan("prepare", 1)
	require.NoError(t, r.CreatePlan(ctx, plan))
	rootID := plan.RootID()
	t.Cleanup(func() { r.DeleteTree(context.Background(), rootID) })

	const attempts = 30
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		source := plan.Batches[0].Tasks[0]
		for seq := 2; seq <= attempts+1; seq++ {
			a := domain.Attempt{ID: uuid.New(), StepID: rootID, Seq: seq, Reason: domain.AttemptReasonRetry, CreatedAt: time.Now()}
			task := source.CloneForAttempt(a.ID, time.Now())
			assert.NoError(t, r.CreateAttempts(ctx, []domain.AttemptBatch{{Attempt: a, Tasks: []domain.Task{task}}}))
		}
	}()

	for range attempts {
		snap, err := r.LoadTree(ctx, rootID)
		require.NoError(t, err)

		// Каждая попытка снимка видна вместе со своим task и наоборот.
		seen := make(map[uuid.UUID]bool, len(snap.Attempts))
		for _, a := range snap.Attempts {
			seen[a.ID] = true
		}
		require.Len(t, snap.Tasks, len(snap.Attempts))
		for _, task := range snap.Tasks {
			assert.True(t, seen[task.AttemptID], "task %s without its attempt", task.ID)
		}
	}
	wg.Wait()
}
