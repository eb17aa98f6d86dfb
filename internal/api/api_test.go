package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Preingest/internal/domain"
	"github.com/shaiso/Preingest/internal/engine"
	"github.com/shaiso/Preingest/internal/orchestrator"
	"github.com/shaiso/Preingest/internal/pipeline"
	"github.com/shaiso/Preingest/internal/repo"
)

type fakePool struct {
	mu        sync.Mutex
	submitted []orchestrator.Delivery
	err       error
}

func (p *fakePool) Submit(_ context.Context, d orchestrator.Delivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.submitted = append(p.submitted, d)
	return nil
}

func (p *fakePool) Abort(context.Context, uuid.UUID) error { return nil }

func (p *fakePool) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *fakePool) at(i int) orchestrator.Delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitted[i]
}

func (p *fakePool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.submitted)
}

type testServer struct {
	mux  *http.ServeMux
	orch *orchestrator.Orchestrator
	pool *fakePool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := &fakePool{}

	orch, err := orchestrator.New(orchestrator.Config{
		Store:  repo.NewMemoryStore(),
		Pool:   pool,
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(orch.Stop)

	catalog, err := pipeline.Default(engine.DefaultRegistry())
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewHandler(Config{Orchestrator: orch, Catalog: catalog, Logger: logger}).RegisterRoutes(mux)

	return &testServer{mux: mux, orch: orch, pool: pool}
}

// do выполняет запрос и возвращает код и тело ответа.
func (s *testServer) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)
	return rec.Code, rec.Body.Bytes()
}

// decode разбирает поле data ответа.
func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var resp struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &resp), string(body))
	return resp.Data
}

func errorCode(t *testing.T, body []byte) ErrorCode {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp), string(body))
	return resp.Error.Code
}

func delayStep(name string, n int) CreateStepRequest {
	req := CreateStepRequest{Name: name}
	for i := 0; i < n; i++ {
		req.Tasks = append(req.Tasks, domain.TaskSpec{Name: "delay", Params: map[string]any{"duration_sec": 0}})
	}
	return req
}

func (s *testServer) createStep(t *testing.T, req CreateStepRequest) CreateStepResponse {
	t.Helper()
	code, body := s.do(t, http.MethodPost, "/api/v1/steps", req)
	require.Equal(t, http.StatusCreated, code, string(body))
	return decode[CreateStepResponse](t, body)
}

func (s *testServer) status(t *testing.T, id uuid.UUID) orchestrator.StatusReport {
	t.Helper()
	code, body := s.do(t, http.MethodGet, "/api/v1/steps/"+id.String(), nil)
	require.Equal(t, http.StatusOK, code, string(body))
	return decode[orchestrator.StatusReport](t, body)
}

// --- Step Tests ---

func TestCreateStep(t *testing.T) {
	s := newTestServer(t)

	resp := s.createStep(t, delayStep("ingest", 2))
	assert.NotEqual(t, uuid.Nil, resp.StepID)
	assert.Nil(t, resp.Run)
	assert.Zero(t, s.pool.count())

	report := s.status(t, resp.StepID)
	assert.Equal(t, "ingest", report.Name)
	assert.Equal(t, domain.StatusPrepared, report.Status)
	assert.Len(t, report.Children, 2)
}

func TestCreateStep_AndRun(t *testing.T) {
	s := newTestServer(t)

	req := delayStep("ingest", 2)
	req.Run = true
	resp := s.createStep(t, req)

	require.NotNil(t, resp.Run)
	assert.Len(t, resp.Run.Submitted, 1)
	assert.Equal(t, 1, s.pool.count())
	assert.Equal(t, domain.StatusStarted, s.status(t, resp.StepID).Status)
}

func TestCreateStep_Invalid(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body any
	}{
		{"no tasks", CreateStepRequest{Name: "empty"}},
		{"no name", delayStep("", 1)},
		{"malformed", "not an object"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := s.do(t, http.MethodPost, "/api/v1/steps", tt.body)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, ErrCodeBadRequest, errorCode(t, body))
		})
	}
}

func TestGetStep_NotFound(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/api/v1/steps/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, ErrCodeNotFound, errorCode(t, body))

	code, _ = s.do(t, http.MethodGet, "/api/v1/steps/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListSteps(t *testing.T) {
	s := newTestServer(t)

	s.createStep(t, delayStep("a", 1))
	s.createStep(t, delayStep("b", 1))

	code, body := s.do(t, http.MethodGet, "/api/v1/steps", nil)
	require.Equal(t, http.StatusOK, code)
	steps := decode[[]orchestrator.StepSummary](t, body)
	assert.Len(t, steps, 2)

	code, _ = s.do(t, http.MethodGet, "/api/v1/steps?active=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestRunStep_DeliveryFailure(t *testing.T) {
	s := newTestServer(t)
	s.pool.setErr(errors.New("broker unavailable"))

	resp := s.createStep(t, delayStep("ingest", 1))

	code, body := s.do(t, http.MethodPost, "/api/v1/steps/"+resp.StepID.String()+"/run", nil)
	require.Equal(t, http.StatusAccepted, code, string(body))

	run := decode[RunStepResponse](t, body)
	assert.Empty(t, run.Submitted)
	assert.Len(t, run.Undelivered, 1)
	assert.Contains(t, run.Error, "broker unavailable")

	// Task остался PREPARED
	assert.Equal(t, domain.StatusPrepared, s.status(t, resp.StepID).Status)
}

func TestCancelStep(t *testing.T) {
	s := newTestServer(t)

	req := delayStep("ingest", 2)
	req.Run = true
	resp := s.createStep(t, req)

	code, body := s.do(t, http.MethodPost, "/api/v1/steps/"+resp.StepID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, code, string(body))

	report := decode[orchestrator.StatusReport](t, body)
	assert.Equal(t, domain.StatusCancelled, report.Status)
	assert.False(t, report.Active)
}

func TestDeleteStep(t *testing.T) {
	s := newTestServer(t)

	req := delayStep("ingest", 1)
	req.Run = true
	resp := s.createStep(t, req)
	path := "/api/v1/steps/" + resp.StepID.String()

	// Task у воркера
	code, body := s.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, ErrCodeConflict, errorCode(t, body))

	code, _ = s.do(t, http.MethodPost, path+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)

	code, _ = s.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = s.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDeleteStep_NotRoot(t *testing.T) {
	s := newTestServer(t)

	req := delayStep("ingest", 1)
	req.Tasks = append(req.Tasks, domain.TaskSpec{Step: &domain.StepSpec{
		Name:  "nested",
		Tasks: []domain.TaskSpec{{Name: "transform"}},
	}})
	resp := s.createStep(t, req)

	report := s.status(t, resp.StepID)
	require.Len(t, report.Children, 2)
	require.NotNil(t, report.Children[1].Step)
	childID := report.Children[1].Step.StepID

	code, body := s.do(t, http.MethodDelete, "/api/v1/steps/"+childID.String(), nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, ErrCodeInvalidState, errorCode(t, body))

	// Вложенный шаг доступен по своему ID
	assert.Equal(t, "nested", s.status(t, childID).Name)
}

// --- Retry Tests ---

func TestRetryStep(t *testing.T) {
	s := newTestServer(t)

	req := delayStep("ingest", 1)
	req.Run = true
	resp := s.createStep(t, req)
	path := "/api/v1/steps/" + resp.StepID.String()

	taskID := resp.Run.Submitted[0]
	code, body := s.do(t, http.MethodPost, "/api/v1/reports", orchestrator.Report{
		TaskID: taskID,
		Status: domain.StatusFailure,
		Error:  "disk full",
	})
	require.Equal(t, http.StatusNoContent, code, string(body))
	assert.Equal(t, domain.StatusFailure, s.status(t, resp.StepID).Status)

	code, body = s.do(t, http.MethodPost, path+"/retry", PlanStepRequest{Run: true})
	require.Equal(t, http.StatusCreated, code, string(body))

	retry := decode[RetryStepResponse](t, body)
	require.NotNil(t, retry.Retry)
	assert.True(t, retry.Retry.Created)
	assert.Equal(t, 1, retry.Retry.Tasks)
	require.NotNil(t, retry.Run)
	assert.Len(t, retry.Run.Submitted, 1)

	code, body = s.do(t, http.MethodGet, path+"/attempts", nil)
	require.Equal(t, http.StatusOK, code)
	attempts := decode[[]domain.Attempt](t, body)
	require.Len(t, attempts, 2)

	// Все tasks шага по попыткам
	code, body = s.do(t, http.MethodGet, path+"/tasks?attempt="+attempts[0].ID.String(), nil)
	require.Equal(t, http.StatusOK, code)
	tasks := decode[[]domain.Task](t, body)
	require.Len(t, tasks, 1)
	assert.Equal(t, "disk full", tasks[0].Error)

	// Последнюю попытку удалить нельзя
	code, _ = s.do(t, http.MethodDelete, path+"/attempts/"+attempts[1].ID.String(), nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestRetryStep_InvalidSelection(t *testing.T) {
	s := newTestServer(t)

	resp := s.createStep(t, delayStep("ingest", 1))

	code, body := s.do(t, http.MethodPost, "/api/v1/steps/"+resp.StepID.String()+"/retry",
		PlanStepRequest{Positions: []int{7}})
	assert.Equal(t, http.StatusBadRequest, code, string(body))
}

// --- Undo Tests ---

// succeedAll подтверждает выполнение всех переданных tasks.
func (s *testServer) succeedAll(t *testing.T, ids []uuid.UUID) {
	t.Helper()
	for _, id := range ids {
		code, body := s.do(t, http.MethodPost, "/api/v1/reports", orchestrator.Report{
			TaskID: id,
			Status: domain.StatusSuccess,
			Result: map[string]any{"done": true},
		})
		require.Equal(t, http.StatusNoContent, code, string(body))
	}
}

func TestUndoStep(t *testing.T) {
	s := newTestServer(t)

	req := delayStep("ingest", 2)
	req.Parallel = true
	req.Run = true
	resp := s.createStep(t, req)
	path := "/api/v1/steps/" + resp.StepID.String()
	s.succeedAll(t, resp.Run.Submitted)
	require.Equal(t, domain.StatusSuccess, s.status(t, resp.StepID).Status)

	code, body := s.do(t, http.MethodPost, path+"/undo", PlanStepRequest{Run: true})
	require.Equal(t, http.StatusCreated, code, string(body))

	undo := decode[UndoStepResponse](t, body)
	require.NotNil(t, undo.Undo)
	assert.Equal(t, domain.AttemptReasonUndo, undo.Undo.Attempt.Reason)
	assert.Equal(t, 2, undo.Undo.Tasks)
	require.NotNil(t, undo.Run)
	require.Len(t, undo.Run.Submitted, 2)
	assert.True(t, s.pool.at(2).Undo)

	s.succeedAll(t, undo.Run.Submitted)
	report := s.status(t, resp.StepID)
	assert.Equal(t, domain.StatusSuccess, report.Status)
	assert.True(t, report.Undone)

	// Откатывать больше нечего.
	code, body = s.do(t, http.MethodPost, path+"/undo", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.False(t, decode[UndoStepResponse](t, body).Undo.Created)
}

func TestUndoStep_InvalidSelection(t *testing.T) {
	s := newTestServer(t)

	resp := s.createStep(t, delayStep("ingest", 1))

	code, body := s.do(t, http.MethodPost, "/api/v1/steps/"+resp.StepID.String()+"/undo",
		PlanStepRequest{Positions: []int{0}})
	assert.Equal(t, http.StatusBadRequest, code, string(body))
}

// --- Task Tests ---

func TestTaskEndpoints(t *testing.T) {
	s := newTestServer(t)

	req := delayStep("ingest", 1)
	req.Run = true
	resp := s.createStep(t, req)
	taskID := resp.Run.Submitted[0]

	trace := "copy failed\n  at transfer.go:42"
	code, body := s.do(t, http.MethodPost, "/api/v1/reports", orchestrator.Report{
		TaskID: taskID,
		Status: domain.StatusFailure,
		Error:  trace,
	})
	require.Equal(t, http.StatusNoContent, code, string(body))

	code, body = s.do(t, http.MethodGet, "/api/v1/tasks/"+taskID.String(), nil)
	require.Equal(t, http.StatusOK, code, string(body))
	detail := decode[orchestrator.TaskDetail](t, body)
	assert.Equal(t, trace, detail.Task.Error)
	assert.Equal(t, resp.StepID, detail.RootID)
	assert.True(t, detail.Effective)

	code, body = s.do(t, http.MethodPost, "/api/v1/tasks/"+taskID.String()+"/retry", TaskActionRequest{Run: true})
	require.Equal(t, http.StatusCreated, code, string(body))
	retry := decode[RetryStepResponse](t, body)
	assert.Equal(t, 1, retry.Retry.Tasks)
	require.NotNil(t, retry.Run)
	require.Len(t, retry.Run.Submitted, 1)

	// Старый task вытеснен новой попыткой.
	code, body = s.do(t, http.MethodPost, "/api/v1/tasks/"+taskID.String()+"/retry", nil)
	assert.Equal(t, http.StatusConflict, code, string(body))

	s.succeedAll(t, retry.Run.Submitted)
	code, body = s.do(t, http.MethodPost, "/api/v1/tasks/"+retry.Run.Submitted[0].String()+"/undo", nil)
	require.Equal(t, http.StatusCreated, code, string(body))
	assert.Equal(t, 1, decode[UndoStepResponse](t, body).Undo.Tasks)

	code, _ = s.do(t, http.MethodGet, "/api/v1/tasks/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodGet, "/api/v1/tasks/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

// --- Report Tests ---

func TestSubmitReport_Errors(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodPost, "/api/v1/reports", orchestrator.Report{
		TaskID: uuid.New(),
		Status: domain.StatusSuccess,
	})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/reports", orchestrator.Report{
		TaskID: uuid.New(),
		Status: domain.StatusPrepared,
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

// --- Pipeline Tests ---

func TestListPipelines(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/api/v1/pipelines", nil)
	require.Equal(t, http.StatusOK, code)

	pipelines := decode[[]PipelineResponse](t, body)
	var names []string
	for _, p := range pipelines {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{"prepare-ip", "submit-sip"}, names)
}

func TestStartPipeline(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodPost, "/api/v1/pipelines/submit-sip/steps", StartPipelineRequest{
		Inputs: map[string]any{"ip_id": "ip-1", "endpoint": "http://archive.local/sip"},
		Run:    true,
	})
	require.Equal(t, http.StatusCreated, code, string(body))

	resp := decode[CreateStepResponse](t, body)
	require.NotNil(t, resp.Run)
	assert.Len(t, resp.Run.Submitted, 1)
	assert.Len(t, s.status(t, resp.StepID).Children, 2)
}

func TestStartPipeline_Errors(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodPost, "/api/v1/pipelines/unknown/steps", StartPipelineRequest{})
	assert.Equal(t, http.StatusNotFound, code)

	code, body := s.do(t, http.MethodPost, "/api/v1/pipelines/submit-sip/steps", StartPipelineRequest{
		Inputs: map[string]any{"ip_id": "ip-1"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, ErrCodeBadRequest, errorCode(t, body))
}

// --- Middleware Tests ---

func TestRecovery(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := Chain(Recovery(logger), Metrics(), Logging(logger))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, ErrCodeInternalError, errorCode(t, rec.Body.Bytes()))
}

func TestResponseWriter_CapturesStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := wrapResponseWriter(rec)

	rw.WriteHeader(http.StatusTeapot)
	rw.WriteHeader(http.StatusOK)
	_, err := rw.Write([]byte("x"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusTeapot, rw.status)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Same(t, rw, wrapResponseWriter(rw))
}
