package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/shaiso/Preingest/internal/orchestrator"
)

// ReportSink принимает отчёты воркеров. Реализация: *orchestrator.Orchestrator.
type ReportSink interface {
	Report(ctx context.Context, r orchestrator.Report) error
}

// ReportHandler возвращает Handler для очереди tasks.reports.
//
// Отчёт о неизвестном task и невалидный отчёт подтверждаются (ack)
// и только логируются: повторная доставка их не исправит.
// Битый payload уходит в DLQ, прочие ошибки возвращают сообщение в очередь.
func ReportHandler(sink ReportSink, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(ctx context.Context, msg *Delivery) error {
		if msg.Message.Type != MessageTypeTaskReport {
			return Permanent(fmt.Errorf("unexpected message type %q", msg.Message.Type))
		}

		report, err := ParsePayload[orchestrator.Report](&msg.Message)
		if err != nil {
			return Permanent(err)
		}

		err = sink.Report(ctx, report)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, orchestrator.ErrInvalidReport), errors.Is(err, orchestrator.ErrTaskNotFound):
			logger.Warn("report dropped",
				"task_id", report.TaskID,
				"status", report.Status,
				"error", err,
			)
			return nil
		default:
			return err
		}
	}
}

// AbortHandler возвращает Handler для control очереди воркера.
// abort вызывается для каждого task.abort; чужие task воркер игнорирует сам.
func AbortHandler(abort func(taskID uuid.UUID)) Handler {
	return func(ctx context.Context, msg *Delivery) error {
		if msg.Message.Type != MessageTypeTaskAbort {
			return nil
		}

		payload, err := ParsePayload[AbortPayload](&msg.Message)
		if err != nil {
			return Permanent(err)
		}

		abort(payload.TaskID)
		return nil
	}
}
