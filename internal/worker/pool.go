package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/gas-pipeline/internal/domain"
	"github.com/cuongbtq/gas-pipeline/internal/metrics"
	"github.com/cuongbtq/gas-pipeline/internal/queue"
)

// minDelay keeps deferred messages from spinning through the queue
const minDelay = time.Second

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned",
		slog.String("worker", w.name),
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop handles messages until the poll loop closes jobsChan
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.name, workerNum)

	for msg := range w.jobsChan {
		start := time.Now()
		err := w.handle(ctx, msg)
		outcome := w.settle(context.WithoutCancel(ctx), workerName, msg, err)
		w.metrics.ObserveMessage(w.name, outcome, time.Since(start))
	}
}

// handle runs the handler, turning a panic into a retryable error
func (w *Worker) handle(ctx context.Context, msg *queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, msg)
}

// action is how a message is settled
type action int

const (
	actionAck action = iota
	actionRelease
	actionDelay
)

// decide maps a handler result to a settle action
func decide(err error) action {
	if err == nil {
		return actionAck
	}

	var deferErr *queue.DeferError
	if errors.As(err, &deferErr) {
		return actionDelay
	}

	switch domain.KindOf(err) {
	case domain.KindConditionFailed, domain.KindPermanent:
		return actionAck
	default:
		return actionRelease
	}
}

// settle acks, delays or releases msg and returns the outcome label
func (w *Worker) settle(ctx context.Context, workerName string, msg *queue.Message, err error) string {
	attrs := []any{
		slog.String("worker_name", workerName),
		slog.String("message_id", msg.ID),
		slog.Int("attempt", msg.Attempt),
	}

	switch decide(err) {
	case actionDelay:
		var deferErr *queue.DeferError
		errors.As(err, &deferErr)

		delay := deferErr.Until.Sub(w.now())
		if delay < minDelay {
			delay = minDelay
		}

		if delayErr := w.consumer.Delay(ctx, msg, delay); delayErr != nil {
			w.logger.Error("Failed to delay message", append(attrs, slog.Any("error", delayErr))...)
			return metrics.OutcomeRelease
		}
		w.logger.Info("Message deferred", append(attrs, slog.Duration("delay", delay))...)
		return metrics.OutcomeDelay

	case actionRelease:
		w.logger.Warn("Message processing failed, leaving it for redelivery",
			append(attrs, slog.Any("error", err))...)

		if relErr := w.consumer.Release(ctx, msg); relErr != nil {
			w.logger.Error("Failed to release message", append(attrs, slog.Any("error", relErr))...)
		}
		return metrics.OutcomeRelease
	}

	switch {
	case err == nil:
	case domain.KindOf(err) == domain.KindConditionFailed:
		w.logger.Info("Message already handled by another worker", append(attrs, slog.Any("reason", err))...)
	default:
		w.logger.Error("Dropping message after permanent failure", append(attrs, slog.Any("error", err))...)
	}

	if ackErr := w.consumer.Ack(ctx, msg); ackErr != nil {
		w.logger.Error("Failed to ACK message", append(attrs, slog.Any("error", ackErr))...)
		return metrics.OutcomeRelease
	}

	w.logger.Debug("Message acknowledged", attrs...)
	return metrics.OutcomeAck
}
