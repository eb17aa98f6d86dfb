package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Preingest/internal/orchestrator"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// TaskPublisher — то, что TaskPool использует для отправки сообщений.
// Реализация: *Publisher.
type TaskPublisher interface {
	PublishTask(ctx context.Context, d orchestrator.Delivery) error
	PublishAbort(ctx context.Context, taskID uuid.UUID) error
}

// TaskPoolConfig — настройки TaskPool.
type TaskPoolConfig struct {
	// PublishTimeout — сколько ждать confirm от брокера.
	PublishTimeout time.Duration

	// RatePerSecond и Burst ограничивают поток submit'ов. 0 — без ограничения.
	RatePerSecond float64
	Burst         int

	// BreakerTimeout — сколько breaker остаётся открытым.
	BreakerTimeout time.Duration
}

// TaskPool — пул воркеров поверх RabbitMQ.
//
// Submit публикует task в tasks.ready и возвращает nil только после
// confirm брокера. Серия отказов брокера открывает circuit breaker,
// и submit'ы сразу отклоняются: task остаётся PREPARED, а orchestrator
// повторит доставку позже.
type TaskPool struct {
	publisher TaskPublisher
	breaker   *gobreaker.CircuitBreaker
	limiter   *rate.Limiter
	timeout   time.Duration
	logger    *slog.Logger
}

var _ orchestrator.WorkerPool = (*TaskPool)(nil)

// NewTaskPool создаёт TaskPool.
func NewTaskPool(publisher TaskPublisher, cfg TaskPoolConfig, logger *slog.Logger) *TaskPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "task-submit",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &TaskPool{
		publisher: publisher,
		breaker:   breaker,
		limiter:   limiter,
		timeout:   cfg.PublishTimeout,
		logger:    logger,
	}
}

// Submit публикует task воркерам.
func (p *TaskPool) Submit(ctx context.Context, d orchestrator.Delivery) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	_, err := p.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return nil, p.publisher.PublishTask(ctx, d)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("submit task %s: broker unavailable: %w", d.TaskID, err)
		}
		return fmt.Errorf("submit task %s: %w", d.TaskID, err)
	}

	return nil
}

// Abort рассылает воркерам просьбу прервать task.
// Доставка не гарантирована: отчёт прерванного task будет отброшен.
func (p *TaskPool) Abort(ctx context.Context, taskID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.publisher.PublishAbort(ctx, taskID); err != nil {
		return fmt.Errorf("abort task %s: %w", taskID, err)
	}
	return nil
}

// BreakerState возвращает состояние circuit breaker (для /healthz).
func (p *TaskPool) BreakerState() gobreaker.State {
	return p.breaker.State()
}
