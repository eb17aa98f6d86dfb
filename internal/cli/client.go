package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// --- Response types (дублируются из api и orchestrator, CLI не импортирует internal/api) ---

// StepResponse — шаг из API.
type StepResponse struct {
	ID        string `json:"id"`
	RootID    string `json:"root_id"`
	ParentID  string `json:"parent_id,omitempty"`
	Position  int    `json:"position"`
	Name      string `json:"name"`
	Parallel  bool   `json:"parallel"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at"`
}

// StepSummary — корневой шаг со статусом.
type StepSummary struct {
	Step   StepResponse `json:"step"`
	Status string       `json:"status"`
	Tasks  int          `json:"tasks"`
}

// AttemptResponse — попытка шага.
type AttemptResponse struct {
	ID        string `json:"id"`
	StepID    string `json:"step_id"`
	Seq       int    `json:"seq"`
	Reason    string `json:"reason"`
	CreatedAt string `json:"created_at"`
}

// TaskResponse — task из API.
type TaskResponse struct {
	ID         string         `json:"id"`
	StepID     string         `json:"step_id"`
	AttemptID  string         `json:"attempt_id"`
	Name       string         `json:"name"`
	Params     map[string]any `json:"params,omitempty"`
	Position   int            `json:"position"`
	Status     string         `json:"status"`
	Undo       bool           `json:"undo,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	Deliveries int            `json:"deliveries"`
}

// ProgressResponse — счётчики tasks поддерева.
type ProgressResponse struct {
	Total     int `json:"total"`
	Prepared  int `json:"prepared"`
	InFlight  int `json:"in_flight"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Percent   int `json:"percent"`
}

// ChildResponse — ребёнок шага: task или вложенный шаг.
type ChildResponse struct {
	Position int             `json:"position"`
	Kind     string          `json:"kind"`
	Status   string          `json:"status"`
	Undone   bool            `json:"undone,omitempty"`
	Task     *TaskResponse   `json:"task,omitempty"`
	Step     *StatusResponse `json:"step,omitempty"`
}

// FailureResponse — первый упавший task.
type FailureResponse struct {
	TaskID   string `json:"task_id"`
	StepID   string `json:"step_id"`
	Position int    `json:"position"`
	Name     string `json:"name"`
	Error    string `json:"error"`
}

// StatusResponse — отчёт о статусе шага.
type StatusResponse struct {
	StepID       string           `json:"step_id"`
	RootID       string           `json:"root_id"`
	ParentID     string           `json:"parent_id,omitempty"`
	Name         string           `json:"name"`
	Parallel     bool             `json:"parallel"`
	Active       bool             `json:"active"`
	Status       string           `json:"status"`
	Undone       bool             `json:"undone,omitempty"`
	Attempt      AttemptResponse  `json:"attempt"`
	Attempts     int              `json:"attempts"`
	Progress     ProgressResponse `json:"progress"`
	Children     []ChildResponse  `json:"children"`
	FirstFailure *FailureResponse `json:"first_failure,omitempty"`
}

// RunResponse — итог запуска шага.
type RunResponse struct {
	Submitted   []string `json:"submitted"`
	Failed      []string `json:"failed,omitempty"`
	Undelivered []string `json:"undelivered,omitempty"`
	Aborted     []string `json:"aborted,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// CreateStepResponse — ответ на создание шага.
type CreateStepResponse struct {
	StepID string       `json:"step_id"`
	Run    *RunResponse `json:"run,omitempty"`
}

// PlanResponse — итог retry или undo: новая попытка и число её tasks.
type PlanResponse struct {
	Attempt AttemptResponse `json:"attempt"`
	Created bool            `json:"created"`
	Tasks   int             `json:"tasks"`
}

// RetryResponse — ответ на повтор шага.
type RetryResponse struct {
	Retry PlanResponse `json:"retry"`
	Run   *RunResponse `json:"run,omitempty"`
}

// UndoResponse — ответ на откат шага или task.
type UndoResponse struct {
	Undo PlanResponse `json:"undo"`
	Run  *RunResponse `json:"run,omitempty"`
}

// TaskDetailResponse — task с шагом и попыткой.
type TaskDetailResponse struct {
	Task      TaskResponse    `json:"task"`
	RootID    string          `json:"root_id"`
	StepName  string          `json:"step_name"`
	Attempt   AttemptResponse `json:"attempt"`
	Effective bool            `json:"effective"`
	Undone    bool            `json:"undone,omitempty"`
}

// PipelineResponse — pipeline из каталога.
type PipelineResponse struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Inputs      []struct {
		Name     string `json:"name"`
		Required bool   `json:"required,omitempty"`
		Default  any    `json:"default,omitempty"`
	} `json:"inputs,omitempty"`
}

// --- Request types ---

// StepSpec — описание шага для создания.
// Совпадает с телом POST /api/v1/steps.
type StepSpec struct {
	Name      string     `json:"name" yaml:"name"`
	Parallel  bool       `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Container bool       `json:"container,omitempty" yaml:"container,omitempty"`
	Tasks     []TaskSpec `json:"tasks" yaml:"tasks"`
	Run       bool       `json:"run,omitempty" yaml:"-"`
}

// TaskSpec — ребёнок шага: task или вложенный шаг.
type TaskSpec struct {
	Name   string         `json:"name,omitempty" yaml:"name,omitempty"`
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Step   *StepSpec      `json:"step,omitempty" yaml:"step,omitempty"`
}

// RetryRequest — повтор или откат шага.
type RetryRequest struct {
	Positions []int `json:"positions,omitempty"`
	Run       bool  `json:"run,omitempty"`
}

// TaskActionRequest — повтор или откат task.
type TaskActionRequest struct {
	Run bool `json:"run,omitempty"`
}

// StartPipelineRequest — создание шага из pipeline.
type StartPipelineRequest struct {
	Inputs map[string]any `json:"inputs,omitempty"`
	Run    bool           `json:"run,omitempty"`
}

// ListStepsOpts — параметры фильтрации шагов.
type ListStepsOpts struct {
	Active *bool
	Limit  int
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// --- Client ---

// Client — HTTP-клиент для Preingest API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// --- Steps ---

// ListSteps возвращает корневые шаги.
func (c *Client) ListSteps(opts ListStepsOpts) ([]StepSummary, error) {
	params := url.Values{}
	if opts.Active != nil {
		params.Set("active", strconv.FormatBool(*opts.Active))
	}
	if opts.Limit > 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	var steps []StepSummary
	err := c.list("/api/v1/steps", params, &steps)
	return steps, err
}

// CreateStep создаёт шаг.
func (c *Client) CreateStep(spec StepSpec) (*CreateStepResponse, error) {
	var resp CreateStepResponse
	err := c.post("/api/v1/steps", spec, &resp)
	return &resp, err
}

// GetStatus возвращает отчёт о статусе шага.
func (c *Client) GetStatus(id string) (*StatusResponse, error) {
	var status StatusResponse
	err := c.get("/api/v1/steps/"+id, &status)
	return &status, err
}

// RunStep запускает шаг.
func (c *Client) RunStep(id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post("/api/v1/steps/"+id+"/run", nil, &run)
	return &run, err
}

// RetryStep создаёт новую попытку шага.
func (c *Client) RetryStep(id string, req RetryRequest) (*RetryResponse, error) {
	var retry RetryResponse
	err := c.post("/api/v1/steps/"+id+"/retry", req, &retry)
	return &retry, err
}

// UndoStep создаёт попытку отката шага.
func (c *Client) UndoStep(id string, req RetryRequest) (*UndoResponse, error) {
	var undo UndoResponse
	err := c.post("/api/v1/steps/"+id+"/undo", req, &undo)
	return &undo, err
}

// GetTask возвращает task с полным текстом ошибки.
func (c *Client) GetTask(id string) (*TaskDetailResponse, error) {
	var detail TaskDetailResponse
	err := c.get("/api/v1/tasks/"+id, &detail)
	return &detail, err
}

// RetryTask повторяет один task.
func (c *Client) RetryTask(id string, run bool) (*RetryResponse, error) {
	var retry RetryResponse
	err := c.post("/api/v1/tasks/"+id+"/retry", TaskActionRequest{Run: run}, &retry)
	return &retry, err
}

// UndoTask откатывает один task.
func (c *Client) UndoTask(id string, run bool) (*UndoResponse, error) {
	var undo UndoResponse
	err := c.post("/api/v1/tasks/"+id+"/undo", TaskActionRequest{Run: run}, &undo)
	return &undo, err
}

// CancelStep отменяет шаг.
func (c *Client) CancelStep(id string) (*StatusResponse, error) {
	var status StatusResponse
	err := c.post("/api/v1/steps/"+id+"/cancel", nil, &status)
	return &status, err
}

// DeleteStep удаляет корневой шаг.
func (c *Client) DeleteStep(id string) error {
	return c.delete("/api/v1/steps/" + id)
}

// ListTasks возвращает tasks шага. attemptID может быть пустым.
func (c *Client) ListTasks(stepID, attemptID string) ([]TaskResponse, error) {
	params := url.Values{}
	if attemptID != "" {
		params.Set("attempt", attemptID)
	}

	var tasks []TaskResponse
	err := c.list("/api/v1/steps/"+stepID+"/tasks", params, &tasks)
	return tasks, err
}

// ListAttempts возвращает попытки шага.
func (c *Client) ListAttempts(stepID string) ([]AttemptResponse, error) {
	var attempts []AttemptResponse
	err := c.list("/api/v1/steps/"+stepID+"/attempts", nil, &attempts)
	return attempts, err
}

// PurgeAttempt удаляет вытесненную попытку.
func (c *Client) PurgeAttempt(stepID, attemptID string) error {
	return c.delete("/api/v1/steps/" + stepID + "/attempts/" + attemptID)
}

// --- Pipelines ---

// ListPipelines возвращает pipelines из каталога.
func (c *Client) ListPipelines() ([]PipelineResponse, error) {
	var pipelines []PipelineResponse
	err := c.list("/api/v1/pipelines", nil, &pipelines)
	return pipelines, err
}

// StartPipeline создаёт шаг из pipeline.
func (c *Client) StartPipeline(name string, req StartPipelineRequest) (*CreateStepResponse, error) {
	var resp CreateStepResponse
	err := c.post("/api/v1/pipelines/"+url.PathEscape(name)+"/steps", req, &resp)
	return &resp, err
}

// --- HTTP helpers ---

func (c *Client) get(path string, result any) error {
	return c.doData(http.MethodGet, path, nil, result)
}

func (c *Client) post(path string, body any, result any) error {
	return c.doData(http.MethodPost, path, body, result)
}

func (c *Client) delete(path string) error {
	resp, err := c.do(http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return c.checkError(resp)
}

func (c *Client) list(path string, params url.Values, result any) error {
	if len(params) > 0 {
		path = path + "?" + params.Encode()
	}

	resp, err := c.do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(method, path string, body any, result any) error {
	resp, err := c.do(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	// 204 No Content
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}

	return fmt.Errorf("%s: %s", er.Error.Code, er.Error.Message)
}
