package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "preingest"

// Метрики оркестратора.
var (
	// TaskTransitions — применённые переходы статусов tasks.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_transitions_total",
		Help:      "Applied task status transitions.",
	}, []string{"from", "to"})

	// ReportsDiscarded — отчёты воркеров, отброшенные как дубликаты или устаревшие.
	ReportsDiscarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reports_discarded_total",
		Help:      "Worker reports discarded without a state change.",
	}, []string{"reason"})

	// Dispatches — результаты передачи tasks воркерам.
	Dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatches_total",
		Help:      "Task hand-offs to the worker pool by result.",
	}, []string{"result"})

	// StepsCreated — созданные деревья шагов.
	StepsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "steps_created_total",
		Help:      "Root steps created.",
	})

	// AttemptsCreated — созданные попытки по причине.
	AttemptsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attempts_created_total",
		Help:      "Step attempts created.",
	}, []string{"reason"})
)

// Метрики воркера.
var (
	// WorkerExecutions — выполненные tasks по handler'у и итоговому статусу.
	WorkerExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "worker_executions_total",
		Help:      "Tasks executed by the worker.",
	}, []string{"handler", "status"})

	// WorkerDuration — длительность выполнения handler'а.
	WorkerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "worker_execution_seconds",
		Help:      "Handler execution time.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"handler"})
)

// Метрики HTTP API.
var (
	// HTTPRequests — обработанные HTTP-запросы.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "code"})

	// HTTPDuration — длительность обработки HTTP-запросов.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})
)
