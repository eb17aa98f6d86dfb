package mq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Preingest/internal/domain"
	"github.com/shaiso/Preingest/internal/orchestrator"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePublisher struct {
	mu      sync.Mutex
	err     error
	tasks   []orchestrator.Delivery
	aborted []uuid.UUID
}

func (p *fakePublisher) PublishTask(_ context.Context, d orchestrator.Delivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.tasks = append(p.tasks, d)
	return nil
}

func (p *fakePublisher) PublishAbort(_ context.Context, taskID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.aborted = append(p.aborted, taskID)
	return nil
}

type fakeSink struct {
	err     error
	reports []orchestrator.Report
}

func (s *fakeSink) Report(_ context.Context, r orchestrator.Report) error {
	s.reports = append(s.reports, r)
	return s.err
}

func message(t *testing.T, msgType MessageType, payload any) *Delivery {
	t.Helper()
	msg, err := NewMessage(msgType, payload, time.Now())
	require.NoError(t, err)
	return &Delivery{Message: *msg}
}

// --- TaskPool Tests ---

func TestTaskPool_Submit(t *testing.T) {
	pub := &fakePublisher{}
	pool := NewTaskPool(pub, TaskPoolConfig{}, discardLogger())

	d := orchestrator.Delivery{TaskID: uuid.New(), Name: "delay", Position: 2}
	require.NoError(t, pool.Submit(context.Background(), d))

	require.Len(t, pub.tasks, 1)
	assert.Equal(t, d.TaskID, pub.tasks[0].TaskID)
	assert.Equal(t, gobreaker.StateClosed, pool.BreakerState())
}

func TestTaskPool_BreakerOpensAfterFailures(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	pool := NewTaskPool(pub, TaskPoolConfig{BreakerTimeout: time.Hour}, discardLogger())

	for i := 0; i < 3; i++ {
		err := pool.Submit(context.Background(), orchestrator.Delivery{TaskID: uuid.New()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	}
	assert.Equal(t, gobreaker.StateOpen, pool.BreakerState())

	// Брокер снова доступен, но breaker ещё открыт
	pub.err = nil
	err := pool.Submit(context.Background(), orchestrator.Delivery{TaskID: uuid.New()})
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Empty(t, pub.tasks)
}

func TestTaskPool_RateLimitRespectsContext(t *testing.T) {
	pub := &fakePublisher{}
	pool := NewTaskPool(pub, TaskPoolConfig{RatePerSecond: 0.001, Burst: 1}, discardLogger())

	require.NoError(t, pool.Submit(context.Background(), orchestrator.Delivery{TaskID: uuid.New()}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, orchestrator.Delivery{TaskID: uuid.New()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limit")
	assert.Len(t, pub.tasks, 1)
}

func TestTaskPool_Abort(t *testing.T) {
	pub := &fakePublisher{}
	pool := NewTaskPool(pub, TaskPoolConfig{}, discardLogger())

	id := uuid.New()
	require.NoError(t, pool.Abort(context.Background(), id))
	assert.Equal(t, []uuid.UUID{id}, pub.aborted)

	pub.err = errors.New("closed")
	assert.Error(t, pool.Abort(context.Background(), id))
}

// --- Report Handler Tests ---

func TestReportHandler_Delivers(t *testing.T) {
	sink := &fakeSink{}
	handler := ReportHandler(sink, discardLogger())

	r := orchestrator.Report{TaskID: uuid.New(), Status: domain.StatusSuccess, Result: map[string]any{"n": float64(1)}}
	require.NoError(t, handler(context.Background(), message(t, MessageTypeTaskReport, r)))

	require.Len(t, sink.reports, 1)
	assert.Equal(t, r.TaskID, sink.reports[0].TaskID)
	assert.Equal(t, domain.StatusSuccess, sink.reports[0].Status)
	assert.Equal(t, float64(1), sink.reports[0].Result["n"])
}

func TestReportHandler_DropsUnknownTask(t *testing.T) {
	sink := &fakeSink{err: orchestrator.ErrTaskNotFound}
	handler := ReportHandler(sink, discardLogger())

	r := orchestrator.Report{TaskID: uuid.New(), Status: domain.StatusSuccess}
	assert.NoError(t, handler(context.Background(), message(t, MessageTypeTaskReport, r)))
}

func TestReportHandler_RequeuesOnStoreError(t *testing.T) {
	sink := &fakeSink{err: errors.New("db down")}
	handler := ReportHandler(sink, discardLogger())

	r := orchestrator.Report{TaskID: uuid.New(), Status: domain.StatusFailure}
	err := handler(context.Background(), message(t, MessageTypeTaskReport, r))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestReportHandler_MalformedIsPermanent(t *testing.T) {
	handler := ReportHandler(&fakeSink{}, discardLogger())

	err := handler(context.Background(), message(t, MessageTypeTaskReport, "not an object"))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))

	err = handler(context.Background(), message(t, MessageTypeTaskAbort, AbortPayload{TaskID: uuid.New()}))
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

// --- Abort Handler Tests ---

func TestAbortHandler(t *testing.T) {
	var got []uuid.UUID
	handler := AbortHandler(func(id uuid.UUID) { got = append(got, id) })

	id := uuid.New()
	require.NoError(t, handler(context.Background(), message(t, MessageTypeTaskAbort, AbortPayload{TaskID: id})))
	require.NoError(t, handler(context.Background(), message(t, MessageTypeTaskReport, map[string]string{})))

	assert.Equal(t, []uuid.UUID{id}, got)
}

// --- Payload Tests ---

func TestParsePayload(t *testing.T) {
	d := orchestrator.Delivery{TaskID: uuid.New(), Name: "http", Params: map[string]any{"url": "http://x"}}
	msg := message(t, MessageTypeTaskSubmit, d)

	got, err := ParsePayload[orchestrator.Delivery](&msg.Message)
	require.NoError(t, err)
	assert.Equal(t, d.TaskID, got.TaskID)
	assert.Equal(t, "http://x", got.Params["url"])

	_, err = ParsePayload[orchestrator.Delivery](&Message{Type: MessageTypeTaskSubmit})
	assert.Error(t, err)
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))

	base := errors.New("bad")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
}
