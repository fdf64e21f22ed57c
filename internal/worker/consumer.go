package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/gas-pipeline/internal/queue"
)

// pollLoop long-polls the consumer and hands messages to the worker pool
// until ctx is canceled or the consumer is closed for good.
func (w *Worker) pollLoop(ctx context.Context) error {
	w.logger.Info("Poll loop started", slog.String("worker", w.name))

	for {
		if ctx.Err() != nil {
			w.logger.Info("Poll loop stopped - context canceled", slog.String("worker", w.name))
			return nil
		}

		messages, err := w.consumer.Poll(ctx, w.maxMessages, w.waitTime)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}

			if errors.Is(err, queue.ErrConsumerClosed) {
				w.logger.Error("Consumer closed, stopping poll loop",
					slog.String("worker", w.name),
					slog.Any("error", err),
				)
				return err
			}

			w.logger.Error("Failed to poll queue",
				slog.String("worker", w.name),
				slog.Any("error", err),
				slog.Duration("retry_after", w.errorBackoff),
			)

			select {
			case <-ctx.Done():
			case <-time.After(w.errorBackoff):
			}
			continue
		}

		for i, msg := range messages {
			select {
			case w.jobsChan <- msg:
				w.logger.Debug("Message dispatched to worker pool",
					slog.String("worker", w.name),
					slog.String("message_id", msg.ID),
					slog.Int("attempt", msg.Attempt),
				)
			case <-ctx.Done():
				w.logger.Info("Poll loop stopped while dispatching messages",
					slog.String("worker", w.name),
				)
				// Hand undelivered messages back so they are redelivered.
				settleCtx := context.WithoutCancel(ctx)
				for _, rest := range messages[i:] {
					if err := w.consumer.Release(settleCtx, rest); err != nil {
						w.logger.Error("Failed to release message on shutdown",
							slog.String("message_id", rest.ID),
							slog.Any("error", err),
						)
					}
				}
				return nil
			}
		}
	}
}
