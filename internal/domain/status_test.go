package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- TaskStatus Tests ---

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		allowed  bool
	}{
		{StatusPrepared, StatusPending, true},
		{StatusPrepared, StatusFailure, true},
		{StatusPrepared, StatusCancelled, true},
		{StatusPrepared, StatusStarted, false},
		{StatusPrepared, StatusSuccess, false},
		{StatusPending, StatusStarted, true},
		{StatusPending, StatusSuccess, true},
		{StatusStarted, StatusRetry, true},
		{StatusStarted, StatusPending, false},
		{StatusRetry, StatusPending, true},
		{StatusRetry, StatusSuccess, false},
		{StatusRetry, StatusFailure, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	for _, from := range AllStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range AllStatuses {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestEveryNonTerminalStatusCanBeCancelled(t *testing.T) {
	for _, s := range AllStatuses {
		if s.IsTerminal() {
			continue
		}
		assert.True(t, CanTransition(s, StatusCancelled), s)
	}
}

func TestStatusPredicates(t *testing.T) {
	assert.True(t, StatusRetry.IsInFlight())
	assert.True(t, StatusPending.IsInFlight())
	assert.False(t, StatusPrepared.IsInFlight())
	assert.False(t, StatusSuccess.IsInFlight())

	_, err := ParseTaskStatus("DONE")
	assert.Error(t, err)

	s, err := ParseTaskStatus("RETRY")
	require.NoError(t, err)
	assert.Equal(t, StatusRetry, s)
}

// --- TaskTransition Tests ---

func TestTaskTransition_Apply(t *testing.T) {
	now := time.Now()
	task := Task{ID: uuid.New(), Status: StatusPrepared}

	TaskTransition{To: StatusPending, At: now}.Apply(&task)
	assert.Equal(t, 1, task.Deliveries)
	assert.Nil(t, task.StartedAt)

	TaskTransition{To: StatusStarted, At: now.Add(time.Second)}.Apply(&task)
	require.NotNil(t, task.StartedAt)

	TaskTransition{To: StatusSuccess, At: now.Add(3 * time.Second), Result: map[string]any{"ok": true}}.Apply(&task)
	require.NotNil(t, task.FinishedAt)
	assert.Equal(t, 2*time.Second, task.Duration())
	assert.Equal(t, true, task.Result["ok"])
	assert.True(t, task.IsFinished())
}

func TestCloneForAttempt(t *testing.T) {
	orig := Task{
		ID:        uuid.New(),
		StepID:    uuid.New(),
		AttemptID: uuid.New(),
		Name:      "checksum",
		Params:    map[string]any{"path": "/a"},
		Position:  4,
		Status:    StatusFailure,
		Error:     "boom",
	}

	attempt := uuid.New()
	clone := orig.CloneForAttempt(attempt, time.Now())

	assert.NotEqual(t, orig.ID, clone.ID)
	assert.Equal(t, attempt, clone.AttemptID)
	assert.Equal(t, orig.StepID, clone.StepID)
	assert.Equal(t, 4, clone.Position)
	assert.Equal(t, StatusPrepared, clone.Status)
	assert.Empty(t, clone.Error)

	clone.Params["path"] = "/b"
	assert.Equal(t, "/a", orig.Params["path"])
}

func TestCloneForUndo(t *testing.T) {
	orig := Task{
		ID:       uuid.New(),
		StepID:   uuid.New(),
		Name:     "checksum",
		Params:   map[string]any{"path": "/a"},
		Position: 1,
		Status:   StatusSuccess,
		Result:   map[string]any{"sha256": "ab12"},
	}

	undo := orig.CloneForUndo(uuid.New(), time.Now())
	assert.True(t, undo.Undo)
	assert.Equal(t, StatusPrepared, undo.Status)
	assert.Equal(t, 1, undo.Position)
	assert.Equal(t, map[string]any{"sha256": "ab12"}, undo.Params[UndoResultParam])
	assert.NotContains(t, orig.Params, UndoResultParam)
	assert.False(t, undo.IsUndone())

	undo.Status = StatusSuccess
	assert.True(t, undo.IsUndone())

	// Повтор отката остаётся откатом.
	again := undo.CloneForAttempt(uuid.New(), time.Now())
	assert.True(t, again.Undo)
	assert.Contains(t, again.Params, UndoResultParam)

	redo := undo.CloneForRedo(uuid.New(), time.Now())
	assert.False(t, redo.Undo)
	assert.Equal(t, map[string]any{"path": "/a"}, redo.Params)
}

// --- RetryPolicy Tests ---

func TestRetryPolicy_Delay(t *testing.T) {
	exp := RetryPolicy{Backoff: "exponential", InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, exp.Delay(1))
	assert.Equal(t, 200*time.Millisecond, exp.Delay(2))
	assert.Equal(t, 400*time.Millisecond, exp.Delay(3))
	assert.Equal(t, time.Second, exp.Delay(10))

	fixed := RetryPolicy{Backoff: "fixed", InitialDelay: 250 * time.Millisecond}
	assert.Equal(t, 250*time.Millisecond, fixed.Delay(5))

	assert.Equal(t, time.Second, RetryPolicy{}.Delay(1))
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{MaxDeliveries: 3}
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.False(t, RetryPolicy{}.Exhausted(100))
}
